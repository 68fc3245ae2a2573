package repository

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
	_ "modernc.org/sqlite"
)

// SQLite is a local Repository. Vector search is a brute force cosine scan over
// the records of one collection.
type SQLite struct {
	db *sql.DB
}

var _ Repository = (*SQLite)(nil)

// NewSQLite opens or creates the database at path and runs migrations. Use
// ":memory:" for a transient database.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite database", goerr.V("path", path))
	}
	// one connection so that :memory: databases are shared and writes never contend
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to migrate sqlite database", goerr.V("path", path))
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id            TEXT PRIMARY KEY,
			collection    TEXT NOT NULL,
			text          TEXT NOT NULL,
			user_id       TEXT NOT NULL DEFAULT '',
			trace_type    TEXT NOT NULL DEFAULT '',
			related_query TEXT NOT NULL DEFAULT '',
			metadata      TEXT NOT NULL DEFAULT '{}',
			embedding     BLOB,
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_collection ON memory_records (collection, user_id)`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			pref_key   TEXT NOT NULL,
			value      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (user_id, pref_key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return goerr.Wrap(err, "failed to execute migration", goerr.V("stmt", stmt))
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) PutRecord(ctx context.Context, record *model.MemoryRecord) error {
	return s.PutRecords(ctx, []*model.MemoryRecord{record})
}

func (s *SQLite) PutRecords(ctx context.Context, records []*model.MemoryRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return goerr.Wrap(err, "failed to marshal metadata", goerr.V("id", r.ID))
		}
		if r.Metadata == nil {
			meta = []byte("{}")
		}
		relatedQuery, _ := r.Metadata["related_query"].(string)

		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_records (id, collection, text, user_id, trace_type, related_query, metadata, embedding, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				collection = excluded.collection,
				text = excluded.text,
				user_id = excluded.user_id,
				trace_type = excluded.trace_type,
				related_query = excluded.related_query,
				metadata = excluded.metadata,
				embedding = excluded.embedding,
				created_at = excluded.created_at`,
			string(r.ID), string(r.Collection), r.Text, r.UserID, r.TraceType, relatedQuery,
			string(meta), encodeVector(r.Embedding), formatTime(r.CreatedAt),
		)
		if err != nil {
			return goerr.Wrap(err, "failed to insert memory record", goerr.V("id", r.ID))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit memory records", goerr.V("count", len(records)))
	}
	return nil
}

func (s *SQLite) SearchRecords(ctx context.Context, query *SearchQuery) ([]*model.ScoredRecord, error) {
	if query.Limit <= 0 {
		return nil, nil
	}

	var (
		conds = []string{"collection = ?"}
		args  = []any{string(query.Collection)}
	)
	if query.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, query.UserID)
	}
	if query.ExcludeTraces {
		conds = append(conds, "trace_type = ''")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collection, text, user_id, trace_type, metadata, embedding, created_at
		FROM memory_records WHERE `+strings.Join(conds, " AND "),
		args...,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query memory records", goerr.V("collection", query.Collection))
	}
	defer rows.Close()

	var results []*model.ScoredRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if len(record.Embedding) != len(query.Vector) {
			continue
		}
		results = append(results, &model.ScoredRecord{
			Record:   record,
			Distance: CosineDistance(query.Vector, record.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate memory records")
	}

	slices.SortStableFunc(results, func(a, b *model.ScoredRecord) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return 0
		}
	})
	if len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

func (s *SQLite) CountRecords(ctx context.Context, collection model.Collection) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE collection = ?`, string(collection),
	).Scan(&n)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to count memory records", goerr.V("collection", collection))
	}
	return n, nil
}

func (s *SQLite) PutPreference(ctx context.Context, pref *model.Preference) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_preferences (user_id, pref_key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, pref_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		pref.UserID, pref.Key, pref.Value, formatTime(now), formatTime(now),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to upsert preference",
			goerr.V("user_id", pref.UserID),
			goerr.V("key", pref.Key),
		)
	}
	return nil
}

func (s *SQLite) GetPreference(ctx context.Context, userID, key string) (*model.Preference, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, pref_key, value, created_at, updated_at
		FROM user_preferences WHERE user_id = ? AND pref_key = ?`,
		userID, key,
	)
	pref, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "preference not found",
			goerr.V("user_id", userID),
			goerr.V("key", key),
		)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get preference", goerr.V("user_id", userID), goerr.V("key", key))
	}
	return pref, nil
}

func (s *SQLite) ListPreferences(ctx context.Context, userID string) ([]*model.Preference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, pref_key, value, created_at, updated_at
		FROM user_preferences WHERE user_id = ? ORDER BY pref_key`,
		userID,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list preferences", goerr.V("user_id", userID))
	}
	defer rows.Close()

	var prefs []*model.Preference
	for rows.Next() {
		pref, err := scanPreference(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan preference", goerr.V("user_id", userID))
		}
		prefs = append(prefs, pref)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate preferences", goerr.V("user_id", userID))
	}
	return prefs, nil
}

func (s *SQLite) DeletePreference(ctx context.Context, userID, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_preferences WHERE user_id = ? AND pref_key = ?`, userID, key,
	)
	if err != nil {
		return false, goerr.Wrap(err, "failed to delete preference", goerr.V("user_id", userID), goerr.V("key", key))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, goerr.Wrap(err, "failed to get affected rows")
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.MemoryRecord, error) {
	var (
		r                        model.MemoryRecord
		id, collection, meta, ts string
		blob                     []byte
	)
	if err := row.Scan(&id, &collection, &r.Text, &r.UserID, &r.TraceType, &meta, &blob, &ts); err != nil {
		return nil, goerr.Wrap(err, "failed to scan memory record")
	}

	r.ID = model.RecordID(id)
	r.Collection = model.Collection(collection)
	r.Embedding = decodeVector(blob)
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal metadata", goerr.V("id", id))
	}
	r.CreatedAt = parseTime(ts)

	return &r, nil
}

func scanPreference(row scanner) (*model.Preference, error) {
	var (
		p                model.Preference
		created, updated string
	)
	if err := row.Scan(&p.UserID, &p.Key, &p.Value, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
