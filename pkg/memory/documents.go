package memory

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
)

// Document is one knowledge base entry to be indexed
type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// AddDocument embeds and stores one document. A new ID is generated when id is
// empty; an existing ID is replaced.
func (m *Manager) AddDocument(ctx context.Context, text string, metadata map[string]any, id string) error {
	return m.AddDocuments(ctx, []Document{{ID: id, Text: text, Metadata: metadata}})
}

// AddDocuments embeds and stores documents in one batch
func (m *Manager) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	records := make([]*model.MemoryRecord, 0, len(docs))
	for _, doc := range docs {
		vec, err := m.embed(ctx, doc.Text)
		if err != nil {
			return goerr.Wrap(err, "failed to embed document", goerr.V("id", doc.ID))
		}

		id := model.RecordID(doc.ID)
		if id == "" {
			id = model.NewRecordID()
		}
		meta := doc.Metadata
		if meta == nil {
			meta = map[string]any{}
		}

		records = append(records, &model.MemoryRecord{
			ID:         id,
			Collection: model.CollectionDocuments,
			Text:       doc.Text,
			Metadata:   meta,
			Embedding:  vec,
			CreatedAt:  m.now(),
		})
	}

	if err := m.repo.PutRecords(ctx, records); err != nil {
		return goerr.Wrap(err, "failed to store documents", goerr.V("count", len(records)))
	}
	return nil
}

// CountDocuments returns the size of the knowledge base
func (m *Manager) CountDocuments(ctx context.Context) (int, error) {
	return m.repo.CountRecords(ctx, model.CollectionDocuments)
}

// IndexDirectory adds every non-empty *.txt file of dir to the knowledge base,
// using the file name as document ID. Nothing is indexed when the knowledge base
// already holds documents or dir does not exist. It returns the number of
// documents added.
func (m *Manager) IndexDirectory(ctx context.Context, dir string) (int, error) {
	logger := logging.From(ctx)

	count, err := m.CountDocuments(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logger.Info("knowledge base already populated, skip indexing", "count", count)
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("docs directory not found, skip indexing", "dir", dir)
			return 0, nil
		}
		return 0, goerr.Wrap(err, "failed to read docs directory", goerr.V("dir", dir))
	}

	var docs []Document
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".txt" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("failed to read document", "path", path, "error", err)
			continue
		}
		text := strings.TrimSpace(string(raw))
		if text == "" {
			continue
		}

		docs = append(docs, Document{
			ID:   entry.Name(),
			Text: text,
			Metadata: map[string]any{
				MetaSourceFilename: entry.Name(),
				MetaIndexedBy:      "jarvis",
			},
		})
	}
	slices.SortFunc(docs, func(a, b Document) int { return strings.Compare(a.ID, b.ID) })

	if len(docs) == 0 {
		logger.Info("no documents to index", "dir", dir)
		return 0, nil
	}

	if err := m.AddDocuments(ctx, docs); err != nil {
		return 0, err
	}
	logger.Info("indexed documents", "dir", dir, "count", len(docs))
	return len(docs), nil
}
