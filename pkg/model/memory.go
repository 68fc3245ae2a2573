package model

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
)

type RecordID string

// NewRecordID generates a new unique RecordID
func NewRecordID() RecordID {
	return RecordID(uuid.New().String())
}

// Collection separates document chunks from conversation history. Reasoning traces
// are stored in the conversation collection.
type Collection string

const (
	CollectionDocuments     Collection = "documents"
	CollectionConversations Collection = "conversations"
)

const (
	// DefaultUserID is used when a caller does not specify a user
	DefaultUserID = "default_user"

	// TraceTypeMemoryReasoner tags the sub-dialogue of the memory reasoner
	TraceTypeMemoryReasoner = "memory_reasoner_dialogue"

	// ContentTypeReasoningTrace marks record text holding JSON encoded messages
	ContentTypeReasoningTrace = "reasoning_trace_json"
)

// MemoryRecord is one entry of long term memory. Records are never mutated after
// they are written.
type MemoryRecord struct {
	ID         RecordID           `firestore:"id" json:"id"`
	Collection Collection         `firestore:"collection" json:"collection"`
	Text       string             `firestore:"text" json:"text"`
	UserID     string             `firestore:"user_id" json:"user_id,omitempty"`
	TraceType  string             `firestore:"trace_type" json:"trace_type,omitempty"`
	Metadata   map[string]any     `firestore:"metadata" json:"metadata,omitempty"`
	Embedding  firestore.Vector32 `firestore:"embedding" json:"-"`
	CreatedAt  time.Time          `firestore:"created_at" json:"created_at"`
}

// ScoredRecord is a search hit with its cosine distance to the query
type ScoredRecord struct {
	Record   *MemoryRecord
	Distance float64
}

// DocumentSnippet is a knowledge base search hit
type DocumentSnippet struct {
	Document string         `json:"document"`
	Metadata map[string]any `json:"metadata"`
	Distance float64        `json:"distance"`
}

// InteractionSnippet is a conversation history search hit
type InteractionSnippet struct {
	Interaction string         `json:"interaction"`
	Metadata    map[string]any `json:"metadata"`
	Distance    float64        `json:"distance"`
}

// Preference is one structured key/value entry of a user
type Preference struct {
	UserID    string    `firestore:"user_id" json:"user_id"`
	Key       string    `firestore:"key" json:"key"`
	Value     string    `firestore:"value" json:"value"`
	CreatedAt time.Time `firestore:"created_at" json:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at" json:"updated_at"`
}
