package repository_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/repository"
)

func setupSQLite(t *testing.T) *repository.SQLite {
	t.Helper()
	repo, err := repository.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "memory.db"))
	gt.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newRecord(collection model.Collection, text, userID string, vec ...float32) *model.MemoryRecord {
	return &model.MemoryRecord{
		ID:         model.NewRecordID(),
		Collection: collection,
		Text:       text,
		UserID:     userID,
		Metadata:   map[string]any{"user_id": userID},
		Embedding:  vec,
		CreatedAt:  time.Now(),
	}
}

func TestSQLiteSearchRecords(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	gt.NoError(t, repo.PutRecords(ctx, []*model.MemoryRecord{
		newRecord(model.CollectionDocuments, "north", "", 0, 1),
		newRecord(model.CollectionDocuments, "east", "", 1, 0),
		newRecord(model.CollectionDocuments, "north-east", "", 1, 1),
		newRecord(model.CollectionConversations, "chat", "alice", 1, 0),
	}))

	results, err := repo.SearchRecords(ctx, &repository.SearchQuery{
		Collection: model.CollectionDocuments,
		Vector:     []float32{1, 0.1},
		Limit:      2,
	})
	gt.NoError(t, err)
	gt.A(t, results).Length(2)
	gt.Equal(t, results[0].Record.Text, "east")
	gt.Equal(t, results[1].Record.Text, "north-east")
	gt.True(t, results[0].Distance <= results[1].Distance)

	count, err := repo.CountRecords(ctx, model.CollectionDocuments)
	gt.NoError(t, err)
	gt.Equal(t, count, 3)
}

func TestSQLiteSearchFilters(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	trace := newRecord(model.CollectionConversations, "[]", "alice", 1, 0)
	trace.TraceType = model.TraceTypeMemoryReasoner
	trace.Metadata["related_query"] = "what do I like?"

	gt.NoError(t, repo.PutRecords(ctx, []*model.MemoryRecord{
		newRecord(model.CollectionConversations, "alice talk", "alice", 1, 0),
		newRecord(model.CollectionConversations, "bob talk", "bob", 1, 0),
		trace,
	}))

	results, err := repo.SearchRecords(ctx, &repository.SearchQuery{
		Collection:    model.CollectionConversations,
		Vector:        []float32{1, 0},
		UserID:        "alice",
		ExcludeTraces: true,
		Limit:         10,
	})
	gt.NoError(t, err)
	gt.A(t, results).Length(1)
	gt.Equal(t, results[0].Record.Text, "alice talk")
	gt.Equal(t, results[0].Record.Metadata["user_id"], any("alice"))

	results, err = repo.SearchRecords(ctx, &repository.SearchQuery{
		Collection: model.CollectionConversations,
		Vector:     []float32{1, 0},
		Limit:      10,
	})
	gt.NoError(t, err)
	gt.A(t, results).Length(3)
}

func TestSQLiteSearchEmpty(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	results, err := repo.SearchRecords(ctx, &repository.SearchQuery{
		Collection: model.CollectionDocuments,
		Vector:     []float32{1, 0},
		Limit:      3,
	})
	gt.NoError(t, err)
	gt.A(t, results).Length(0)

	count, err := repo.CountRecords(ctx, model.CollectionDocuments)
	gt.NoError(t, err)
	gt.Equal(t, count, 0)
}

func TestSQLitePutRecordReplaces(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	rec := newRecord(model.CollectionDocuments, "v1", "", 1, 0)
	gt.NoError(t, repo.PutRecord(ctx, rec))
	rec.Text = "v2"
	gt.NoError(t, repo.PutRecord(ctx, rec))

	count, err := repo.CountRecords(ctx, model.CollectionDocuments)
	gt.NoError(t, err)
	gt.Equal(t, count, 1)

	results, err := repo.SearchRecords(ctx, &repository.SearchQuery{
		Collection: model.CollectionDocuments,
		Vector:     []float32{1, 0},
		Limit:      1,
	})
	gt.NoError(t, err)
	gt.Equal(t, results[0].Record.Text, "v2")
	gt.Equal(t, results[0].Record.ID, rec.ID)
}

func TestSQLitePreferences(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	_, err := repo.GetPreference(ctx, "alice", "color")
	gt.True(t, errors.Is(err, repository.ErrNotFound))

	gt.NoError(t, repo.PutPreference(ctx, &model.Preference{UserID: "alice", Key: "color", Value: "blue"}))
	gt.NoError(t, repo.PutPreference(ctx, &model.Preference{UserID: "alice", Key: "animal", Value: "cat"}))
	gt.NoError(t, repo.PutPreference(ctx, &model.Preference{UserID: "bob", Key: "color", Value: "red"}))

	first, err := repo.GetPreference(ctx, "alice", "color")
	gt.NoError(t, err)
	gt.Equal(t, first.Value, "blue")

	// last write wins and keeps the creation time
	gt.NoError(t, repo.PutPreference(ctx, &model.Preference{UserID: "alice", Key: "color", Value: "green"}))
	updated, err := repo.GetPreference(ctx, "alice", "color")
	gt.NoError(t, err)
	gt.Equal(t, updated.Value, "green")
	gt.Equal(t, updated.CreatedAt, first.CreatedAt)

	prefs, err := repo.ListPreferences(ctx, "alice")
	gt.NoError(t, err)
	gt.A(t, prefs).Length(2)
	gt.Equal(t, prefs[0].Key, "animal")
	gt.Equal(t, prefs[1].Key, "color")

	deleted, err := repo.DeletePreference(ctx, "alice", "color")
	gt.NoError(t, err)
	gt.True(t, deleted)

	deleted, err = repo.DeletePreference(ctx, "alice", "color")
	gt.NoError(t, err)
	gt.False(t, deleted)

	prefs, err = repo.ListPreferences(ctx, "carol")
	gt.NoError(t, err)
	gt.A(t, prefs).Length(0)
}

func TestSQLiteInMemory(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.NewSQLite(ctx, ":memory:")
	gt.NoError(t, err)
	defer func() { _ = repo.Close() }()

	gt.NoError(t, repo.PutRecord(ctx, newRecord(model.CollectionDocuments, "doc", "", 1)))
	count, err := repo.CountRecords(ctx, model.CollectionDocuments)
	gt.NoError(t, err)
	gt.Equal(t, count, 1)
}

func TestCosineDistance(t *testing.T) {
	gt.Equal(t, repository.CosineDistance([]float32{1, 0}, []float32{1, 0}), 0.0)
	gt.Equal(t, repository.CosineDistance([]float32{1, 0}, []float32{0, 1}), 1.0)
	gt.True(t, math.Abs(repository.CosineDistance([]float32{1, 0}, []float32{-1, 0})-2) < 1e-9)
	gt.Equal(t, repository.CosineDistance([]float32{1}, []float32{1, 0}), 1.0)
	gt.Equal(t, repository.CosineDistance([]float32{0, 0}, []float32{1, 0}), 1.0)
}
