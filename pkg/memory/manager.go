// Package memory combines the embedder and the repository into the long term
// memory used by the agent: a document knowledge base, a searchable log of past
// interactions and a per user preference store.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/adapter"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/repository"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
)

// Metadata keys attached to memory records
const (
	MetaUserID         = "user_id"
	MetaTimestamp      = "timestamp"
	MetaConvoID        = "convo_id"
	MetaTraceType      = "trace_type"
	MetaContentType    = "content_type"
	MetaRelatedQuery   = "related_query"
	MetaSourceFilename = "source_filename"
	MetaIndexedBy      = "indexed_by"
)

// Context is the memory surface consumed by the agent and the tool providers
type Context interface {
	QueryDocuments(ctx context.Context, text string, n int) ([]model.DocumentSnippet, error)
	RecallInteractions(ctx context.Context, text, userID string, n int) ([]model.InteractionSnippet, error)
	LogInteraction(ctx context.Context, userText, agentText, userID string) error
	LogReasoningTrace(ctx context.Context, messages []model.Message, traceType, userID, relatedQuery string) error

	StorePreference(ctx context.Context, userID, key, value string) error
	// GetPreference reports false when the key is not set
	GetPreference(ctx context.Context, userID, key string) (string, bool, error)
	GetAllPreferences(ctx context.Context, userID string) (map[string]string, error)
	DeletePreference(ctx context.Context, userID, key string) (bool, error)
}

// Manager implements Context over an Embedder and a Repository
type Manager struct {
	embedder      adapter.Embedder
	repo          repository.Repository
	archive       adapter.Storage
	defaultUserID string
	convoID       string
	now           func() time.Time
}

var _ Context = (*Manager)(nil)

type Option func(*Manager)

// WithDefaultUser sets the user assumed when a caller passes an empty user ID
func WithDefaultUser(userID string) Option {
	return func(m *Manager) {
		m.defaultUserID = userID
	}
}

// WithConversationID tags every logged interaction with the conversation it
// belongs to
func WithConversationID(id string) Option {
	return func(m *Manager) {
		m.convoID = id
	}
}

// WithTraceArchive additionally writes reasoning traces to an object store
func WithTraceArchive(st adapter.Storage) Option {
	return func(m *Manager) {
		m.archive = st
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func New(embedder adapter.Embedder, repo repository.Repository, opts ...Option) *Manager {
	m := &Manager{
		embedder:      embedder,
		repo:          repo,
		defaultUserID: model.DefaultUserID,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) user(userID string) string {
	if userID == "" {
		return m.defaultUserID
	}
	return userID
}

func (m *Manager) timestamp() string {
	return m.now().UTC().Format(time.RFC3339Nano)
}

func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed text", goerr.V("length", len(text)))
	}
	return vec, nil
}

// QueryDocuments returns the n documents nearest to text
func (m *Manager) QueryDocuments(ctx context.Context, text string, n int) ([]model.DocumentSnippet, error) {
	if n <= 0 {
		return nil, nil
	}

	vec, err := m.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	hits, err := m.repo.SearchRecords(ctx, &repository.SearchQuery{
		Collection: model.CollectionDocuments,
		Vector:     vec,
		Limit:      n,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search documents")
	}

	snippets := make([]model.DocumentSnippet, 0, len(hits))
	for _, hit := range hits {
		snippets = append(snippets, model.DocumentSnippet{
			Document: hit.Record.Text,
			Metadata: hit.Record.Metadata,
			Distance: hit.Distance,
		})
	}
	return snippets, nil
}

// RecallInteractions returns the n past interactions of a user nearest to text.
// Reasoning traces are not returned.
func (m *Manager) RecallInteractions(ctx context.Context, text, userID string, n int) ([]model.InteractionSnippet, error) {
	if n <= 0 {
		return nil, nil
	}

	vec, err := m.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	uid := m.user(userID)
	logging.From(ctx).Debug("recalling interactions", "user_id", uid, "n", n)

	hits, err := m.repo.SearchRecords(ctx, &repository.SearchQuery{
		Collection:    model.CollectionConversations,
		Vector:        vec,
		UserID:        uid,
		ExcludeTraces: true,
		Limit:         n,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search interactions", goerr.V("user_id", uid))
	}

	snippets := make([]model.InteractionSnippet, 0, len(hits))
	for _, hit := range hits {
		snippets = append(snippets, model.InteractionSnippet{
			Interaction: hit.Record.Text,
			Metadata:    hit.Record.Metadata,
			Distance:    hit.Distance,
		})
	}
	return snippets, nil
}

// FormatInteraction renders one exchange the way it is stored and embedded
func FormatInteraction(userID, userText, agentText string) string {
	return fmt.Sprintf("User (%s): %s\nAgent: %s", userID, userText, agentText)
}

// LogInteraction stores a completed exchange
func (m *Manager) LogInteraction(ctx context.Context, userText, agentText, userID string) error {
	uid := m.user(userID)
	text := FormatInteraction(uid, userText, agentText)

	vec, err := m.embed(ctx, text)
	if err != nil {
		return err
	}

	meta := map[string]any{
		MetaUserID:    uid,
		MetaTimestamp: m.timestamp(),
	}
	if m.convoID != "" {
		meta[MetaConvoID] = m.convoID
	}

	record := &model.MemoryRecord{
		ID:         model.NewRecordID(),
		Collection: model.CollectionConversations,
		Text:       text,
		UserID:     uid,
		Metadata:   meta,
		Embedding:  vec,
		CreatedAt:  m.now(),
	}
	if err := m.repo.PutRecord(ctx, record); err != nil {
		return goerr.Wrap(err, "failed to log interaction", goerr.V("user_id", uid))
	}
	return nil
}

type traceArchive struct {
	ID           model.RecordID  `json:"id"`
	TraceType    string          `json:"trace_type"`
	UserID       string          `json:"user_id"`
	RelatedQuery string          `json:"related_query,omitempty"`
	Timestamp    string          `json:"timestamp"`
	Messages     []model.Message `json:"messages"`
}

// LogReasoningTrace stores a sub-agent dialogue as one JSON encoded record in
// the conversation collection
func (m *Manager) LogReasoningTrace(ctx context.Context, messages []model.Message, traceType, userID, relatedQuery string) error {
	uid := m.user(userID)
	ts := m.timestamp()

	content, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal reasoning trace", goerr.V("trace_type", traceType))
	}

	meta := map[string]any{
		MetaUserID:      uid,
		MetaTimestamp:   ts,
		MetaTraceType:   traceType,
		MetaContentType: model.ContentTypeReasoningTrace,
	}
	if relatedQuery != "" {
		meta[MetaRelatedQuery] = relatedQuery
	}

	vec, err := m.embed(ctx, string(content))
	if err != nil {
		return err
	}

	record := &model.MemoryRecord{
		ID:         model.NewRecordID(),
		Collection: model.CollectionConversations,
		Text:       string(content),
		UserID:     uid,
		TraceType:  traceType,
		Metadata:   meta,
		Embedding:  vec,
		CreatedAt:  m.now(),
	}

	logging.From(ctx).Debug("logging reasoning trace",
		"trace_type", traceType,
		"user_id", uid,
		"length", len(content),
	)
	if err := m.repo.PutRecord(ctx, record); err != nil {
		return goerr.Wrap(err, "failed to log reasoning trace", goerr.V("trace_type", traceType))
	}

	if m.archive != nil {
		key := fmt.Sprintf("%s/%s.json", m.now().UTC().Format("2006/01/02"), record.ID)
		if err := adapter.PutJSON(ctx, m.archive, key, &traceArchive{
			ID:           record.ID,
			TraceType:    traceType,
			UserID:       uid,
			RelatedQuery: relatedQuery,
			Timestamp:    ts,
			Messages:     messages,
		}); err != nil {
			return goerr.Wrap(err, "failed to archive reasoning trace", goerr.V("id", record.ID))
		}
	}

	return nil
}

func (m *Manager) StorePreference(ctx context.Context, userID, key, value string) error {
	return m.repo.PutPreference(ctx, &model.Preference{
		UserID: m.user(userID),
		Key:    key,
		Value:  value,
	})
}

func (m *Manager) GetPreference(ctx context.Context, userID, key string) (string, bool, error) {
	pref, err := m.repo.GetPreference(ctx, m.user(userID), key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return pref.Value, true, nil
}

func (m *Manager) GetAllPreferences(ctx context.Context, userID string) (map[string]string, error) {
	prefs, err := m.repo.ListPreferences(ctx, m.user(userID))
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(prefs))
	for _, p := range prefs {
		out[p.Key] = p.Value
	}
	return out, nil
}

func (m *Manager) DeletePreference(ctx context.Context, userID, key string) (bool, error) {
	return m.repo.DeletePreference(ctx, m.user(userID), key)
}

func (m *Manager) Close() error {
	return m.repo.Close()
}
