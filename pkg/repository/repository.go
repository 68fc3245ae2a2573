package repository

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
)

// ErrNotFound is returned when a preference does not exist
var ErrNotFound = goerr.New("not found")

// SearchQuery selects the nearest records of one collection
type SearchQuery struct {
	Collection model.Collection
	Vector     []float32
	// UserID restricts hits to one user. Empty matches every user.
	UserID string
	// ExcludeTraces drops reasoning traces stored next to interactions
	ExcludeTraces bool
	Limit         int
}

// Repository defines the interface for long term memory persistence
type Repository interface {
	// PutRecord saves a memory record. Records with an existing ID are replaced.
	PutRecord(ctx context.Context, record *model.MemoryRecord) error

	// PutRecords saves multiple memory records
	PutRecords(ctx context.Context, records []*model.MemoryRecord) error

	// SearchRecords returns the nearest records ordered by ascending cosine distance
	SearchRecords(ctx context.Context, query *SearchQuery) ([]*model.ScoredRecord, error)

	// CountRecords returns the number of records in a collection
	CountRecords(ctx context.Context, collection model.Collection) (int, error)

	// PutPreference creates or replaces a preference keyed by user and key
	PutPreference(ctx context.Context, pref *model.Preference) error

	// GetPreference returns ErrNotFound when the key is not set
	GetPreference(ctx context.Context, userID, key string) (*model.Preference, error)

	// ListPreferences returns every preference of a user ordered by key
	ListPreferences(ctx context.Context, userID string) ([]*model.Preference, error)

	// DeletePreference reports whether a preference was removed
	DeletePreference(ctx context.Context, userID, key string) (bool, error)

	Close() error
}
