// Package knowledge lets the model search the document knowledge base and the
// long term conversation history.
package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/tool"
)

const (
	DefaultTopK       = 2
	defaultNumResults = 3
)

// Memory is the part of long term memory this provider reads
type Memory interface {
	QueryDocuments(ctx context.Context, text string, n int) ([]model.DocumentSnippet, error)
	RecallInteractions(ctx context.Context, text, userID string, n int) ([]model.InteractionSnippet, error)
	CountDocuments(ctx context.Context) (int, error)
}

type Provider struct {
	*tool.Set
	memory Memory
	topK   int
}

type Option func(*Provider)

// WithTopK sets how many documents retrieve_relevant_docs returns
func WithTopK(k int) Option {
	return func(p *Provider) {
		if k > 0 {
			p.topK = k
		}
	}
}

func New(memory Memory, opts ...Option) *Provider {
	p := &Provider{
		memory: memory,
		topK:   DefaultTopK,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.Set = tool.NewSet().
		Add(&model.ToolDescriptor{
			Name:        "retrieve_relevant_docs",
			Description: "Retrieve documents relevant to a query from the local knowledge base (RAG). This searches through previously indexed text files.",
			Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
				"query": tool.StringProp("The search query to find relevant documents from the knowledge base."),
			}, "query"),
		}, p.retrieveDocs).
		Add(&model.ToolDescriptor{
			Name:        "recall_past_interaction_semantically",
			Description: "Search through persistent long-term conversation history for interactions semantically similar to the query text. Useful for remembering details from previous conversations.",
			Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
				"query_text":     tool.StringProp("The query or topic to search for in past conversation history."),
				"user_id_filter": tool.NullableStringProp("Optional. Filter results for a specific user ID. If null or not provided, defaults to the current primary user context."),
				"num_results":    tool.IntegerProp("Number of relevant interactions to retrieve.", defaultNumResults),
			}, "query_text"),
		}, p.recallInteractions)

	return p
}

func (p *Provider) retrieveDocs(ctx context.Context, args map[string]any) (string, error) {
	query, err := tool.String(args, "query")
	if err != nil {
		return "", err
	}

	count, err := p.memory.CountDocuments(ctx)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "[Knowledge base (via MemoryManager) is empty. No documents to retrieve.]", nil
	}

	snippets, err := p.memory.QueryDocuments(ctx, query, p.topK)
	if err != nil {
		return "", err
	}
	if len(snippets) == 0 {
		return "[No relevant documents found for the query via MemoryManager.]", nil
	}

	docs := make([]string, 0, len(snippets))
	for _, s := range snippets {
		docs = append(docs, s.Document)
	}
	return strings.Join(docs, "\n---\n"), nil
}

func (p *Provider) recallInteractions(ctx context.Context, args map[string]any) (string, error) {
	query, err := tool.String(args, "query_text")
	if err != nil {
		return "", err
	}
	userID, err := tool.OptionalString(args, "user_id_filter", "")
	if err != nil {
		return "", err
	}
	n, err := tool.OptionalInt(args, "num_results", defaultNumResults)
	if err != nil {
		return "", err
	}

	snippets, err := p.memory.RecallInteractions(ctx, query, userID, n)
	if err != nil {
		return "", err
	}
	if len(snippets) == 0 {
		return "[No relevant past interactions found for the query via MemoryManager.]", nil
	}

	lines := make([]string, 0, len(snippets))
	for _, s := range snippets {
		ts, ok := s.Metadata["timestamp"].(string)
		if !ok || ts == "" {
			ts = "[timestamp not available]"
		}
		lines = append(lines, fmt.Sprintf("- Interaction (Timestamp: %s):\n  \"%s\"", ts, s.Interaction))
	}
	return "[Relevant past interactions found:\n" + strings.Join(lines, "\n") + "]", nil
}
