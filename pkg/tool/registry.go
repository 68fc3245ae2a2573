package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
)

// Registry maps tool names to their providers. It is built once at startup and
// only read afterwards.
type Registry struct {
	providers   map[string]Provider
	descriptors map[string]*model.ToolDescriptor
	names       []string
	all         []Provider
	guard       Guard
}

// Option configures a Registry
type Option func(*Registry)

// WithGuard sets a guard consulted before every invocation
func WithGuard(g Guard) Option {
	return func(r *Registry) {
		r.guard = g
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		providers:   make(map[string]Provider),
		descriptors: make(map[string]*model.ToolDescriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register indexes every tool of the providers. A tool name that is already
// registered is replaced by the later provider.
func (r *Registry) Register(ctx context.Context, providers ...Provider) {
	logger := logging.From(ctx)

	for _, p := range providers {
		if p == nil {
			continue
		}
		r.all = append(r.all, p)

		for _, desc := range p.Descriptors() {
			if desc == nil || desc.Name == "" {
				continue
			}
			if _, exists := r.providers[desc.Name]; exists {
				logger.Warn("duplicate tool name, later registration wins",
					"tool", desc.Name,
					"provider", fmt.Sprintf("%T", p),
				)
				r.names = slices.DeleteFunc(r.names, func(n string) bool { return n == desc.Name })
			}
			r.providers[desc.Name] = p
			r.descriptors[desc.Name] = desc
			r.names = append(r.names, desc.Name)
		}
	}

	logger.Debug("tools registered", "count", len(r.names), "tools", r.names)
}

// Descriptors returns all registered tool descriptors in registration order
func (r *Registry) Descriptors() []*model.ToolDescriptor {
	descs := make([]*model.ToolDescriptor, 0, len(r.names))
	for _, name := range r.names {
		descs = append(descs, r.descriptors[name])
	}
	return descs
}

// Has reports whether a tool is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// Catalog renders the descriptors as indented JSON for the system prompt
func (r *Registry) Catalog() (string, error) {
	raw, err := json.MarshalIndent(r.Descriptors(), "", "  ")
	if err != nil {
		return "", goerr.Wrap(err, "failed to marshal tool descriptors")
	}
	return string(raw), nil
}

// Prompts returns the additional prompts of all providers
func (r *Registry) Prompts(ctx context.Context) string {
	var prompts []string
	for _, p := range r.all {
		if pr, ok := p.(Prompter); ok {
			if prompt := pr.Prompt(ctx); prompt != "" {
				prompts = append(prompts, prompt)
			}
		}
	}
	return strings.Join(prompts, "\n\n")
}

// Dispatch runs a tool and always returns a string. Unknown tools, missing
// required arguments, blocked calls and provider failures are returned as
// bracketed error text.
func (r *Registry) Dispatch(ctx context.Context, call *model.ToolCallRequest) (result string) {
	logger := logging.From(ctx)

	p, ok := r.providers[call.Name]
	if !ok {
		logger.Warn("tool not recognized", "tool", call.Name)
		return fmt.Sprintf("[Error: Tool '%s' is not recognized or not mapped to any agent.]", call.Name)
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	for _, key := range r.descriptors[call.Name].Required() {
		if _, ok := args[key]; !ok {
			return fmt.Sprintf("[Error: Missing required argument '%s' for tool '%s'.]", key, call.Name)
		}
	}

	if r.guard != nil {
		allowed, reason, err := r.guard.Check(ctx, call)
		if err != nil {
			logger.Error("failed to evaluate tool policy", "tool", call.Name, "error", err)
			return fmt.Sprintf("[Error: Could not evaluate policy for tool '%s': %s]", call.Name, err.Error())
		}
		if !allowed {
			logger.Warn("tool call blocked by policy", "tool", call.Name, "reason", reason)
			return fmt.Sprintf("[Error: Tool call '%s' was blocked by policy: %s]", call.Name, reason)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("tool panicked", "tool", call.Name, "panic", rec)
			result = fmt.Sprintf("[Error executing tool %s: %v]", call.Name, rec)
		}
	}()

	logger.Info("executing tool", "tool", call.Name, "args", args)
	out, err := p.Invoke(ctx, call.Name, args)
	if err != nil {
		logger.Warn("tool returned error", "tool", call.Name, "error", err)
		return fmt.Sprintf("[Error executing tool %s: %s]", call.Name, err.Error())
	}
	logger.Debug("tool result", "tool", call.Name, "result", truncate(out, 200))

	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
