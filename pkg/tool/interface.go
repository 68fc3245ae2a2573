package tool

import (
	"context"

	"github.com/m-mizutani/jarvis/pkg/model"
)

// Provider is a capability that exposes one or more tools to the model
type Provider interface {
	// Descriptors returns the tools this provider serves
	Descriptors() []*model.ToolDescriptor

	// Invoke runs the named tool. The returned string is handed to the model as is.
	// A returned error is rendered into an error string by the Registry.
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// Prompter is implemented by providers that add guidance to the system prompt
type Prompter interface {
	Prompt(ctx context.Context) string
}

// Guard decides whether a tool call may run before it reaches its provider
type Guard interface {
	Check(ctx context.Context, call *model.ToolCallRequest) (allowed bool, reason string, err error)
}
