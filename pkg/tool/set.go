package tool

import (
	"context"
	"encoding/json"
	"math"
	"strconv"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
)

var (
	ErrToolNotFound    = goerr.New("tool not found")
	ErrInvalidArgument = goerr.New("invalid argument")
)

// Handler runs a single tool
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Set is a Provider assembled from descriptor and handler pairs
type Set struct {
	descs    []*model.ToolDescriptor
	handlers map[string]Handler
	prompt   string
}

// NewSet creates an empty Set
func NewSet() *Set {
	return &Set{handlers: make(map[string]Handler)}
}

// Add registers a tool in the set
func (x *Set) Add(desc *model.ToolDescriptor, h Handler) *Set {
	x.descs = append(x.descs, desc)
	x.handlers[desc.Name] = h
	return x
}

// WithPrompt attaches system prompt guidance to the set
func (x *Set) WithPrompt(prompt string) *Set {
	x.prompt = prompt
	return x
}

func (x *Set) Descriptors() []*model.ToolDescriptor {
	return x.descs
}

func (x *Set) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	h, ok := x.handlers[name]
	if !ok {
		return "", goerr.Wrap(ErrToolNotFound, "no handler in set", goerr.V("name", name))
	}
	return h(ctx, args)
}

func (x *Set) Prompt(ctx context.Context) string {
	return x.prompt
}

// ObjectSchema builds the parameters schema of a tool
func ObjectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	if props == nil {
		props = map[string]*jsonschema.Schema{}
	}
	if required == nil {
		required = []string{}
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// StringProp is a string parameter
func StringProp(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

// NullableStringProp is an optional string parameter that may be null
func NullableStringProp(description string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Types:       []string{"string", "null"},
		Description: description,
		Default:     json.RawMessage("null"),
	}
}

// IntegerProp is an integer parameter with a default
func IntegerProp(description string, def int) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "integer",
		Description: description,
		Default:     json.RawMessage(strconv.Itoa(def)),
	}
}

// String returns a required string argument
func String(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", goerr.Wrap(ErrInvalidArgument, "argument is required", goerr.V("key", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", goerr.Wrap(ErrInvalidArgument, "argument must be a string", goerr.V("key", key), goerr.V("value", v))
	}
	return s, nil
}

// OptionalString returns a string argument or def when absent or null
func OptionalString(args map[string]any, key, def string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", goerr.Wrap(ErrInvalidArgument, "argument must be a string", goerr.V("key", key), goerr.V("value", v))
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

// OptionalInt returns an integer argument or def when absent or null. JSON numbers
// arrive as float64 and must be integral.
func OptionalInt(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}

	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, goerr.Wrap(ErrInvalidArgument, "argument must be an integer", goerr.V("key", key), goerr.V("value", v))
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, goerr.Wrap(ErrInvalidArgument, "argument must be an integer", goerr.V("key", key), goerr.V("value", v))
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, goerr.Wrap(ErrInvalidArgument, "argument must be an integer", goerr.V("key", key), goerr.V("value", v))
		}
		return i, nil
	default:
		return 0, goerr.Wrap(ErrInvalidArgument, "argument must be an integer", goerr.V("key", key), goerr.V("value", v))
	}
}
