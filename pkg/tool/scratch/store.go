package scratch

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
)

// Store keeps JSON encoded values by key for the lifetime of a session
type Store interface {
	Set(ctx context.Context, key string, value []byte) error
	// Get reports false when the key is absent
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Keys(ctx context.Context) ([]string, error)
	// Delete reports false when the key is absent
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
}

// MemoryStore is an in-process Store. Keys are listed in insertion order.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	order  []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		s.order = append(s.order, key)
	}
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.order), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return false, nil
	}
	delete(s.values, key)
	s.order = slices.DeleteFunc(s.order, func(k string) bool { return k == key })
	return true, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = make(map[string][]byte)
	s.order = nil
	return nil
}

// RedisStore keeps one Redis hash per session. Keys are listed sorted.
type RedisStore struct {
	rdb  *redis.Client
	hash string
}

// NewRedisStore uses the hash "jarvis:scratch:{session}"
func NewRedisStore(rdb *redis.Client, session string) *RedisStore {
	return &RedisStore{
		rdb:  rdb,
		hash: "jarvis:scratch:" + session,
	}
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.HSet(ctx, s.hash, key, value).Err(); err != nil {
		return goerr.Wrap(err, "failed to set scratch value", goerr.V("hash", s.hash), goerr.V("key", key))
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.rdb.HGet(ctx, s.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, goerr.Wrap(err, "failed to get scratch value", goerr.V("hash", s.hash), goerr.V("key", key))
	}
	return v, true, nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.HKeys(ctx, s.hash).Result()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list scratch keys", goerr.V("hash", s.hash))
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.HDel(ctx, s.hash, key).Result()
	if err != nil {
		return false, goerr.Wrap(err, "failed to delete scratch value", goerr.V("hash", s.hash), goerr.V("key", key))
	}
	return n > 0, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.hash).Err(); err != nil {
		return goerr.Wrap(err, "failed to clear scratch values", goerr.V("hash", s.hash))
	}
	return nil
}
