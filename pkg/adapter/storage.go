package adapter

import (
	"context"
	"encoding/json"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
)

// Storage is an object store used to archive reasoning traces
type Storage interface {
	// Put returns a writer for the object. The object is committed on Close.
	Put(ctx context.Context, key string) (io.WriteCloser, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

type storageClient struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

// NewStorage creates a Cloud Storage backed Storage. Every key is placed under
// prefix.
func NewStorage(ctx context.Context, bucketName, prefix string) (Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &storageClient{
		bucketName: bucketName,
		prefix:     prefix,
		client:     client,
	}, nil
}

func (s *storageClient) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(path.Join(s.prefix, key))
}

func (s *storageClient) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	w := s.object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	return w, nil
}

func (s *storageClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.object(key).NewReader(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read from storage",
			goerr.V("bucket", s.bucketName),
			goerr.V("key", key),
		)
	}

	return reader, nil
}

// PutJSON writes v as an indented JSON object
func PutJSON(ctx context.Context, st Storage, key string, v any) error {
	w, err := st.Put(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to open object writer", goerr.V("key", key))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to encode object", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to commit object", goerr.V("key", key))
	}
	return nil
}
