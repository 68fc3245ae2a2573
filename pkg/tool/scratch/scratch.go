// Package scratch provides short term key/value memory scoped to a
// conversation.
package scratch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/tool"
)

const previewLength = 100

type Provider struct {
	*tool.Set
	store Store
}

func New(store Store) *Provider {
	p := &Provider{store: store}

	keyOnly := func(description string) *jsonschema.Schema {
		return tool.ObjectSchema(map[string]*jsonschema.Schema{
			"key": tool.StringProp(description),
		}, "key")
	}

	p.Set = tool.NewSet().
		Add(&model.ToolDescriptor{
			Name:        "save_memory",
			Description: "Save a piece of information (key-value pair) for later use in the current conversation. Value should be JSON serializable.",
			Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
				"key": tool.StringProp("The unique key under which to save the information."),
				"value": {
					Types:       []string{"string", "number", "boolean", "array", "object"},
					Description: "The information (value) to save. Must be JSON serializable.",
				},
			}, "key", "value"),
		}, p.save).
		Add(&model.ToolDescriptor{
			Name:        "recall_memory",
			Description: "Retrieve a previously saved piece of information from the conversation memory using its key.",
			Parameters:  keyOnly("The key of the information to retrieve."),
		}, p.recall).
		Add(&model.ToolDescriptor{
			Name:        "list_memory_keys",
			Description: "List all keys currently stored in the conversation memory.",
			Parameters:  tool.ObjectSchema(nil),
		}, p.list).
		Add(&model.ToolDescriptor{
			Name:        "clear_memory_key",
			Description: "Clear a specific key-value pair from the conversation memory.",
			Parameters:  keyOnly("The key of the memory item to clear."),
		}, p.clearKey).
		Add(&model.ToolDescriptor{
			Name:        "clear_all_memory",
			Description: "Clear all items from the conversation memory.",
			Parameters:  tool.ObjectSchema(nil),
		}, p.clearAll)

	return p
}

// preview renders a value the way it is echoed back after saving. Strings are
// shown bare, everything else as JSON.
func preview(value any, raw []byte) string {
	s, ok := value.(string)
	if !ok {
		s = string(raw)
	}
	runes := []rune(s)
	if len(runes) > previewLength {
		return string(runes[:previewLength]) + "..."
	}
	return s
}

func (p *Provider) save(ctx context.Context, args map[string]any) (string, error) {
	key, err := tool.String(args, "key")
	if err != nil {
		return "", err
	}
	value := args["value"]

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("[Error: Value for key '%s' is not JSON serializable. Cannot save to memory.]", key), nil
	}
	if err := p.store.Set(ctx, key, raw); err != nil {
		return "", err
	}

	return fmt.Sprintf("[Memory saved for key: '%s'. Value: %s]", key, preview(value, raw)), nil
}

func (p *Provider) recall(ctx context.Context, args map[string]any) (string, error) {
	key, err := tool.String(args, "key")
	if err != nil {
		return "", err
	}

	raw, ok, err := p.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok || string(raw) == "null" {
		return fmt.Sprintf("[Memory not found for key: '%s']", key), nil
	}
	if !json.Valid(raw) {
		return "", goerr.New("stored value is not valid JSON", goerr.V("key", key))
	}

	return fmt.Sprintf("[Recalled memory for key '%s': %s]", key, string(raw)), nil
}

func (p *Provider) list(ctx context.Context, _ map[string]any) (string, error) {
	keys, err := p.store.Keys(ctx)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "[Conversation memory is currently empty]", nil
	}

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, "- "+k)
	}
	return "[Available memory keys:\n" + strings.Join(lines, "\n") + "]", nil
}

func (p *Provider) clearKey(ctx context.Context, args map[string]any) (string, error) {
	key, err := tool.String(args, "key")
	if err != nil {
		return "", err
	}

	deleted, err := p.store.Delete(ctx, key)
	if err != nil {
		return "", err
	}
	if !deleted {
		return fmt.Sprintf("[Memory key '%s' not found, nothing to clear]", key), nil
	}
	return fmt.Sprintf("[Memory cleared for key: '%s']", key), nil
}

func (p *Provider) clearAll(ctx context.Context, _ map[string]any) (string, error) {
	if err := p.store.Clear(ctx); err != nil {
		return "", err
	}
	return "[All conversation memory has been cleared]", nil
}
