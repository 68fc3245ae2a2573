// Package agent drives one conversation: it enriches each user turn with
// context synthesized from long term memory, runs the generate and dispatch
// loop against the LLM and the tool registry, and records the outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/adapter"
	"github.com/m-mizutani/jarvis/pkg/conversation"
	"github.com/m-mizutani/jarvis/pkg/memory"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/tool"
	"github.com/m-mizutani/jarvis/pkg/toolcall"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
)

const (
	DefaultModel                  = "qwen/qwen3-235b-a22b"
	DefaultMaxHistoryPairs        = 15
	DefaultMaxToolIterations      = 10000
	DefaultMaxReasoningIterations = 15

	temperature     = 0.6
	topP            = 0.9
	maxTokens       = 4096
	generateTimeout = 180 * time.Second

	// number of documents and interactions probed before deciding to run the
	// memory reasoner
	probeSize = 3

	parseErrorToolName = "json_parse_error"
	rawPreviewLength   = 1000
)

// Orchestrator owns the conversation state of one session
type Orchestrator struct {
	mu sync.Mutex

	llm      adapter.LLM
	memory   memory.Context
	registry *tool.Registry
	reasoner *reasoner
	state    *conversation.State

	model                  string
	reasoningModel         string
	maxHistoryPairs        int
	maxToolIterations      int
	maxReasoningIterations int
	now                    func() time.Time
}

type Option func(*Orchestrator)

func WithModel(name string) Option {
	return func(x *Orchestrator) {
		x.model = name
	}
}

// WithReasoningModel sets the model of the memory reasoner. It defaults to the
// main model.
func WithReasoningModel(name string) Option {
	return func(x *Orchestrator) {
		x.reasoningModel = name
	}
}

func WithMaxHistoryPairs(n int) Option {
	return func(x *Orchestrator) {
		x.maxHistoryPairs = n
	}
}

// WithMaxToolIterations caps the number of generations in one turn
func WithMaxToolIterations(n int) Option {
	return func(x *Orchestrator) {
		x.maxToolIterations = n
	}
}

func WithMaxReasoningIterations(n int) Option {
	return func(x *Orchestrator) {
		x.maxReasoningIterations = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(x *Orchestrator) {
		x.now = now
	}
}

func New(llm adapter.LLM, mem memory.Context, registry *tool.Registry, opts ...Option) (*Orchestrator, error) {
	x := &Orchestrator{
		llm:                    llm,
		memory:                 mem,
		registry:               registry,
		model:                  DefaultModel,
		maxHistoryPairs:        DefaultMaxHistoryPairs,
		maxToolIterations:      DefaultMaxToolIterations,
		maxReasoningIterations: DefaultMaxReasoningIterations,
		now:                    time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.reasoningModel == "" {
		x.reasoningModel = x.model
	}
	if x.maxToolIterations < 1 {
		return nil, goerr.New("max tool iterations must be positive", goerr.V("value", x.maxToolIterations))
	}
	if x.maxHistoryPairs < 1 {
		return nil, goerr.New("max history pairs must be positive", goerr.V("value", x.maxHistoryPairs))
	}

	r, err := newReasoner(llm, mem, x.reasoningModel, x.maxReasoningIterations)
	if err != nil {
		return nil, err
	}
	x.reasoner = r

	prompt, err := x.systemPrompt(context.Background())
	if err != nil {
		return nil, err
	}
	x.state = conversation.New(prompt)

	return x, nil
}

// History returns a copy of the conversation log
func (x *Orchestrator) History() []model.Message {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state.Messages()
}

func (x *Orchestrator) systemPrompt(ctx context.Context) (string, error) {
	catalog := ""
	if len(x.registry.Descriptors()) > 0 {
		c, err := x.registry.Catalog()
		if err != nil {
			return "", err
		}
		catalog = c
	}
	return renderSystemPrompt(x.now(), catalog, x.registry.Prompts(ctx))
}

// Chat runs one user turn and returns the user visible answer. Failures of the
// LLM, the tools and memory persistence are reported inside the answer text; an
// error is returned only when ctx is done.
func (x *Orchestrator) Chat(ctx context.Context, input string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	logger := logging.From(ctx)

	hint := x.synthesize(ctx, input)

	x.state.Append(model.NewUserMessage(input))
	if x.state.EnforceTurnBound(x.maxHistoryPairs) {
		logger.Debug("conversation history truncated", "max_pairs", x.maxHistoryPairs)
	}

	final := x.run(ctx, hint)
	if err := ctx.Err(); err != nil {
		return "", goerr.Wrap(err, "chat interrupted")
	}

	answer := conversation.CleanFinal(final)
	if err := x.memory.LogInteraction(ctx, input, answer, ""); err != nil {
		logger.Error("failed to log interaction", "error", err)
	}

	return answer, nil
}

// synthesize probes memory and runs the reasoner only when the probe finds
// something
func (x *Orchestrator) synthesize(ctx context.Context, input string) string {
	logger := logging.From(ctx)

	docs, err := x.memory.QueryDocuments(ctx, input, probeSize)
	if err != nil {
		logger.Error("failed to probe documents", "error", err)
		docs = nil
	}
	convos, err := x.memory.RecallInteractions(ctx, input, "", probeSize)
	if err != nil {
		logger.Error("failed to probe interactions", "error", err)
		convos = nil
	}

	if len(docs) == 0 && len(convos) == 0 {
		logger.Debug("no memory snippets found for query")
		return ""
	}

	logger.Debug("memory snippets found, running memory reasoner",
		"documents", len(docs),
		"interactions", len(convos),
	)
	hint := x.reasoner.Synthesize(ctx, input)
	if hint != "" {
		logger.Debug("synthesized memory context", "hint", truncateRunes(hint, 200))
	}
	return hint
}

// run alternates generation and dispatch until the model stops asking for tools
// or the generation cap is reached, and returns the final history text
func (x *Orchestrator) run(ctx context.Context, hint string) string {
	logger := logging.From(ctx)

	resp := x.generate(ctx, hint)
	for generation := 1; ; generation++ {
		blocks := slices.Collect(toolcall.Parse(resp.ParseText))
		if len(blocks) == 0 {
			x.state.Append(model.NewAssistantMessage(resp.HistoryText))
			return resp.HistoryText
		}

		var calls []model.ToolCallRequest
		for _, b := range blocks {
			if b.Request != nil {
				calls = append(calls, *b.Request)
			}
		}
		x.state.Append(model.NewAssistantMessage(resp.HistoryText, calls...))

		if generation >= x.maxToolIterations {
			logger.Warn("exceeded max tool iterations, using last response as final",
				"max_tool_iterations", x.maxToolIterations)
			return resp.HistoryText
		}

		results := x.dispatch(ctx, blocks)
		for _, r := range results {
			x.state.Append(r.Message())
		}
		x.state.EnforceDispatchBound(x.maxHistoryPairs, len(results))

		if ctx.Err() != nil {
			return resp.HistoryText
		}
		resp = x.generate(ctx, hint)
	}
}

func (x *Orchestrator) dispatch(ctx context.Context, blocks []toolcall.Block) []model.ToolResult {
	logger := logging.From(ctx)
	results := make([]model.ToolResult, 0, len(blocks))

	for _, b := range blocks {
		switch {
		case b.Err != nil:
			logger.Warn("invalid tool call", "raw", b.Raw, "error", b.Err)
			results = append(results, model.ToolResult{
				ID:       fmt.Sprintf("parse_error_%d", len(results)),
				ToolName: parseErrorToolName,
				Content:  fmt.Sprintf("[Error: Invalid JSON in tool call. Stripped content: %s]", truncateRunes(b.Raw, rawPreviewLength)),
			})

		case b.Request.Name == "":
			logger.Warn("tool call without name", "raw", b.Raw)
			results = append(results, model.NewToolResult(*b.Request,
				fmt.Sprintf("[Error: Tool call missing 'name'. Call: %s]", b.Raw)))

		default:
			results = append(results, model.NewToolResult(*b.Request, x.registry.Dispatch(ctx, b.Request)))
		}
	}

	return results
}

func (x *Orchestrator) generate(ctx context.Context, hint string) *model.Response {
	logger := logging.From(ctx)

	prompt, err := x.systemPrompt(ctx)
	if err != nil {
		logger.Error("failed to build system prompt", "error", err)
		return model.NewErrorResponse(fmt.Sprintf("[Error: An unexpected error occurred while contacting the API. Detail: %s]", err.Error()))
	}

	completion, err := x.llm.Complete(ctx, &adapter.CompletionRequest{
		Model:       x.model,
		Messages:    conversation.Transmission(prompt, hint, x.state.Messages()),
		Temperature: ptr(temperature),
		TopP:        ptr(topP),
		MaxTokens:   maxTokens,
		Timeout:     generateTimeout,
	})
	if err != nil {
		logger.Error("chat completion failed", "error", err)
		return model.NewErrorResponse(RenderLLMError(err))
	}

	return model.NewResponse(completion.Content, completion.Reasoning)
}

// RenderLLMError converts a completion failure into the text shown to the user
func RenderLLMError(err error) string {
	var apiErr *adapter.APIError

	switch {
	case errors.Is(err, adapter.ErrTimeout):
		return "[Error: API request timed out.]"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("[Error: API request failed. Status: %d, %s]", apiErr.StatusCode, apiErr.Details())
	case errors.Is(err, adapter.ErrDecode):
		return fmt.Sprintf("[Error: Could not parse API response. Detail: %s]", err.Error())
	case errors.Is(err, adapter.ErrRequest), errors.Is(err, adapter.ErrCircuitOpen):
		return fmt.Sprintf("[Error: API request failed. %s]", err.Error())
	default:
		return fmt.Sprintf("[Error: An unexpected error occurred while contacting the API. Detail: %s]", err.Error())
	}
}

func ptr[T any](v T) *T {
	return &v
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
