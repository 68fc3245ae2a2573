package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/jarvis/pkg/adapter"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/tool"
	"github.com/m-mizutani/jarvis/pkg/usecase/agent"
)

type mockLLM struct {
	mu         sync.Mutex
	requests   []*adapter.CompletionRequest
	completeFn func(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error)
}

func (m *mockLLM) Complete(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.completeFn(ctx, req)
}

func (m *mockLLM) requestsFor(modelName string) []*adapter.CompletionRequest {
	var out []*adapter.CompletionRequest
	for _, r := range m.requests {
		if r.Model == modelName {
			out = append(out, r)
		}
	}
	return out
}

// scripted replies in order, repeating the last one
func scripted(replies ...string) *mockLLM {
	calls := 0
	return &mockLLM{
		completeFn: func(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error) {
			i := min(calls, len(replies)-1)
			calls++
			return &adapter.Completion{Content: replies[i]}, nil
		},
	}
}

type loggedInteraction struct {
	userText, agentText, userID string
}

type loggedTrace struct {
	messages     []model.Message
	traceType    string
	userID       string
	relatedQuery string
}

type mockMemory struct {
	queryDocumentsFn     func(ctx context.Context, text string, n int) ([]model.DocumentSnippet, error)
	recallInteractionsFn func(ctx context.Context, text, userID string, n int) ([]model.InteractionSnippet, error)
	logInteractionFn     func(ctx context.Context, userText, agentText, userID string) error

	interactions []loggedInteraction
	traces       []loggedTrace
}

func (m *mockMemory) QueryDocuments(ctx context.Context, text string, n int) ([]model.DocumentSnippet, error) {
	if m.queryDocumentsFn == nil {
		return nil, nil
	}
	return m.queryDocumentsFn(ctx, text, n)
}

func (m *mockMemory) RecallInteractions(ctx context.Context, text, userID string, n int) ([]model.InteractionSnippet, error) {
	if m.recallInteractionsFn == nil {
		return nil, nil
	}
	return m.recallInteractionsFn(ctx, text, userID, n)
}

func (m *mockMemory) LogInteraction(ctx context.Context, userText, agentText, userID string) error {
	m.interactions = append(m.interactions, loggedInteraction{userText, agentText, userID})
	if m.logInteractionFn == nil {
		return nil
	}
	return m.logInteractionFn(ctx, userText, agentText, userID)
}

func (m *mockMemory) LogReasoningTrace(ctx context.Context, messages []model.Message, traceType, userID, relatedQuery string) error {
	m.traces = append(m.traces, loggedTrace{messages, traceType, userID, relatedQuery})
	return nil
}

func (m *mockMemory) StorePreference(ctx context.Context, userID, key, value string) error {
	return nil
}

func (m *mockMemory) GetPreference(ctx context.Context, userID, key string) (string, bool, error) {
	return "", false, nil
}

func (m *mockMemory) GetAllPreferences(ctx context.Context, userID string) (map[string]string, error) {
	return nil, nil
}

func (m *mockMemory) DeletePreference(ctx context.Context, userID, key string) (bool, error) {
	return false, nil
}

type envProvider struct {
	invoked []map[string]any
}

func (p *envProvider) Descriptors() []*model.ToolDescriptor {
	return []*model.ToolDescriptor{
		{
			Name:        "get_env",
			Description: "Get the value of a system environment variable.",
			Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
				"var_name": tool.StringProp("name"),
			}, "var_name"),
		},
	}
}

func (p *envProvider) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	p.invoked = append(p.invoked, args)
	return "[Value of 'FOO': bar]", nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newOrchestrator(t *testing.T, llm adapter.LLM, mem *mockMemory, providers []tool.Provider, opts ...agent.Option) *agent.Orchestrator {
	t.Helper()
	reg := tool.New()
	reg.Register(context.Background(), providers...)

	opts = append([]agent.Option{
		agent.WithModel("main-model"),
		agent.WithClock(func() time.Time { return fixedNow }),
	}, opts...)

	x, err := agent.New(llm, mem, reg, opts...)
	gt.NoError(t, err)
	return x
}

func TestChatPlainAnswer(t *testing.T) {
	llm := scripted("2+2 equals 4.")
	mem := &mockMemory{}
	x := newOrchestrator(t, llm, mem, nil)

	answer, err := x.Chat(context.Background(), "What is 2+2?")
	gt.NoError(t, err)
	gt.Equal(t, answer, "2+2 equals 4.")

	// no memory snippets, so the reasoner never ran
	gt.A(t, llm.requests).Length(1)

	req := llm.requests[0]
	gt.Equal(t, req.Model, "main-model")
	gt.Equal(t, *req.Temperature, 0.6)
	gt.Equal(t, *req.TopP, 0.9)
	gt.Equal(t, req.MaxTokens, 4096)
	gt.Equal(t, req.Timeout, 180*time.Second)

	gt.A(t, req.Messages).Length(2)
	gt.Equal(t, req.Messages[0].Role, model.RoleSystem)
	gt.S(t, req.Messages[0].Content).Contains("Today's date: 2024-05-01.")
	gt.S(t, req.Messages[0].Content).NotContains("# Tools")
	gt.Equal(t, req.Messages[1], model.NewUserMessage("What is 2+2?"))

	gt.A(t, mem.interactions).Length(1)
	gt.Equal(t, mem.interactions[0], loggedInteraction{"What is 2+2?", "2+2 equals 4.", ""})
	gt.A(t, mem.traces).Length(0)

	history := x.History()
	gt.A(t, history).Length(3)
	gt.Equal(t, history[2].Role, model.RoleAssistant)
}

func TestChatToolCall(t *testing.T) {
	llm := scripted(
		`<think>need env</think><tool_call>{"name": "get_env", "arguments": {"var_name": "FOO"}}</tool_call>`,
		"FOO is set to bar.",
	)
	mem := &mockMemory{}
	env := &envProvider{}
	x := newOrchestrator(t, llm, mem, []tool.Provider{env})

	answer, err := x.Chat(context.Background(), "What is FOO?")
	gt.NoError(t, err)
	gt.Equal(t, answer, "FOO is set to bar.")

	gt.A(t, env.invoked).Length(1)
	gt.Equal(t, env.invoked[0]["var_name"], any("FOO"))

	gt.A(t, llm.requests).Length(2)
	gt.S(t, llm.requests[0].Messages[0].Content).Contains(`"name": "get_env"`)

	second := llm.requests[1].Messages
	gt.A(t, second).Length(4)
	gt.Equal(t, second[2].Role, model.RoleAssistant)
	gt.Equal(t, second[3], model.NewUserMessage("<tool_response>\n[Value of 'FOO': bar].\n</tool_response>"))

	history := x.History()
	gt.A(t, history).Length(5)
	gt.A(t, history[2].ToolCalls).Length(1)
	gt.Equal(t, history[2].ToolCalls[0].Name, "get_env")
	gt.Equal(t, history[3].Role, model.RoleTool)
	gt.Equal(t, history[3].ToolCallID, "get_env")
	gt.Equal(t, history[3].Name, "get_env")
	gt.Equal(t, history[3].Content, "[Value of 'FOO': bar]")
}

func TestChatUnknownToolAndBadBlocks(t *testing.T) {
	llm := scripted(
		`<tool_call>{"name": "foo", "arguments": {}}</tool_call>`+
			`<tool_call>{not json}</tool_call>`+
			`<tool_call>{"arguments": {}}</tool_call>`+
			`<tool_call>{"name": "get_env", "arguments": [1]}</tool_call>`,
		"Done.",
	)
	x := newOrchestrator(t, llm, &mockMemory{}, nil)

	answer, err := x.Chat(context.Background(), "try things")
	gt.NoError(t, err)
	gt.Equal(t, answer, "Done.")

	history := x.History()
	// system, user, assistant, four tool results, assistant
	gt.A(t, history).Length(8)
	gt.A(t, history[2].ToolCalls).Length(2)

	gt.Equal(t, history[3].Content, "[Error: Tool 'foo' is not recognized or not mapped to any agent.]")

	gt.Equal(t, history[4].ToolCallID, "parse_error_1")
	gt.Equal(t, history[4].Name, "json_parse_error")
	gt.Equal(t, history[4].Content, "[Error: Invalid JSON in tool call. Stripped content: {not json}]")

	gt.Equal(t, history[5].Content, `[Error: Tool call missing 'name'. Call: {"arguments": {}}]`)

	gt.Equal(t, history[6].ToolCallID, "parse_error_3")
	gt.Equal(t, history[6].Name, "json_parse_error")
}

func TestChatReasoningField(t *testing.T) {
	llm := &mockLLM{
		completeFn: func(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error) {
			return &adapter.Completion{Content: "The answer is 42.", Reasoning: "  deep thought  "}, nil
		},
	}
	x := newOrchestrator(t, llm, &mockMemory{}, nil)

	answer, err := x.Chat(context.Background(), "meaning of life?")
	gt.NoError(t, err)
	gt.Equal(t, answer, "The answer is 42.")

	history := x.History()
	gt.Equal(t, history[2].Content, "<think>\ndeep thought\n</think>\nThe answer is 42.")
}

func TestChatToolIterationCap(t *testing.T) {
	llm := scripted(`Checking. <tool_call>{"name": "get_env", "arguments": {"var_name": "FOO"}}</tool_call>`)
	env := &envProvider{}
	x := newOrchestrator(t, llm, &mockMemory{}, []tool.Provider{env}, agent.WithMaxToolIterations(2))

	answer, err := x.Chat(context.Background(), "loop forever")
	gt.NoError(t, err)
	gt.Equal(t, answer, "Checking.")

	gt.A(t, llm.requests).Length(2)
	gt.A(t, env.invoked).Length(1)

	history := x.History()
	last := history[len(history)-1]
	gt.Equal(t, last.Role, model.RoleAssistant)
	gt.A(t, last.ToolCalls).Length(1)
}

func TestChatLLMError(t *testing.T) {
	llm := &mockLLM{
		completeFn: func(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error) {
			return nil, goerr.Wrap(&adapter.APIError{StatusCode: 429, Body: `{"error": "slow down"}`}, "rejected")
		},
	}
	mem := &mockMemory{}
	x := newOrchestrator(t, llm, mem, nil)

	answer, err := x.Chat(context.Background(), "hello")
	gt.NoError(t, err)
	gt.Equal(t, answer, `[Error: API request failed. Status: 429, Details: {"error":"slow down"}]`)
	gt.Equal(t, mem.interactions[0].agentText, answer)
}

func TestRenderLLMError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", goerr.Wrap(adapter.ErrTimeout, "deadline"), "[Error: API request timed out.]"},
		{"api raw", &adapter.APIError{StatusCode: 502, Body: "bad gateway"}, "[Error: API request failed. Status: 502, Raw: bad gateway]"},
		{"decode", goerr.Wrap(adapter.ErrDecode, "response has no choices"), "[Error: Could not parse API response. Detail: response has no choices: could not parse LLM response]"},
		{"other", errors.New("boom"), "[Error: An unexpected error occurred while contacting the API. Detail: boom]"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gt.Equal(t, agent.RenderLLMError(tc.err), tc.want)
		})
	}

	gt.S(t, agent.RenderLLMError(goerr.Wrap(adapter.ErrRequest, "connection refused"))).Contains("[Error: API request failed. ")
}

func TestChatMemoryFailuresAreSwallowed(t *testing.T) {
	llm := scripted("fine")
	mem := &mockMemory{
		queryDocumentsFn: func(ctx context.Context, text string, n int) ([]model.DocumentSnippet, error) {
			return nil, errors.New("index offline")
		},
		logInteractionFn: func(ctx context.Context, userText, agentText, userID string) error {
			return errors.New("disk full")
		},
	}
	x := newOrchestrator(t, llm, mem, nil)

	answer, err := x.Chat(context.Background(), "hi")
	gt.NoError(t, err)
	gt.Equal(t, answer, "fine")
	gt.A(t, llm.requests).Length(1)
}

func TestChatTurnBound(t *testing.T) {
	llm := scripted("a")
	x := newOrchestrator(t, llm, &mockMemory{}, nil, agent.WithMaxHistoryPairs(1))
	ctx := context.Background()

	_, err := x.Chat(ctx, "u1")
	gt.NoError(t, err)
	_, err = x.Chat(ctx, "u2")
	gt.NoError(t, err)

	history := x.History()
	gt.A(t, history).Length(4)
	gt.Equal(t, history[0].Role, model.RoleSystem)
	gt.Equal(t, history[2].Content, "u2")
}

func TestChatCanceled(t *testing.T) {
	llm := &mockLLM{
		completeFn: func(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error) {
			return nil, ctx.Err()
		},
	}
	mem := &mockMemory{}
	x := newOrchestrator(t, llm, mem, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := x.Chat(ctx, "hello")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, context.Canceled))
	gt.A(t, mem.interactions).Length(0)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := agent.New(scripted("x"), &mockMemory{}, tool.New(), agent.WithMaxToolIterations(0))
	gt.Error(t, err)
}

func snippetMemory() *mockMemory {
	return &mockMemory{
		queryDocumentsFn: func(ctx context.Context, text string, n int) ([]model.DocumentSnippet, error) {
			return []model.DocumentSnippet{{Document: "Mars is known as the Red Planet.", Distance: 0.1}}, nil
		},
	}
}

func TestChatWithMemoryReasoner(t *testing.T) {
	reasonerCalls := 0
	llm := &mockLLM{
		completeFn: func(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error) {
			if req.Model == "reasoner-model" {
				reasonerCalls++
				if reasonerCalls == 1 {
					return &adapter.Completion{Content: `<tool_call>{"name": "search_documents", "arguments": {"search_query": "mars color", "num_results": 1}}</tool_call>`}, nil
				}
				return &adapter.Completion{Content: "  The knowledge base says Mars is the Red Planet.  "}, nil
			}
			return &adapter.Completion{Content: "Mars is red."}, nil
		},
	}
	mem := snippetMemory()
	x := newOrchestrator(t, llm, mem, nil, agent.WithReasoningModel("reasoner-model"))

	answer, err := x.Chat(context.Background(), "What color is Mars?")
	gt.NoError(t, err)
	gt.Equal(t, answer, "Mars is red.")

	reasonerReqs := llm.requestsFor("reasoner-model")
	gt.A(t, reasonerReqs).Length(2)
	gt.Equal(t, *reasonerReqs[0].Temperature, 0.6)
	gt.True(t, reasonerReqs[0].TopP == nil)
	gt.Equal(t, reasonerReqs[0].Timeout, 120*time.Second)
	gt.S(t, reasonerReqs[0].Messages[0].Content).Contains("search_past_conversations")
	gt.Equal(t, reasonerReqs[0].Messages[1], model.NewUserMessage(`Main User Query to analyze: "What color is Mars?"`))

	// search results go back to the reasoner inside the tool response envelope
	gt.A(t, reasonerReqs[1].Messages).Length(4)
	gt.Equal(t, reasonerReqs[1].Messages[2].Role, model.RoleAssistant)
	toolMsg := reasonerReqs[1].Messages[3]
	gt.Equal(t, toolMsg.Role, model.RoleUser)
	gt.S(t, toolMsg.Content).Contains("<tool_response>\n[{\"document\":\"Mars is known as the Red Planet.\"")
	gt.S(t, toolMsg.Content).Contains("\n</tool_response>")

	mainReqs := llm.requestsFor("main-model")
	gt.A(t, mainReqs).Length(1)
	hint := mainReqs[0].Messages[1]
	gt.Equal(t, hint.Role, model.RoleSystem)
	gt.Equal(t, hint.Name, "memory_synthesis")
	gt.S(t, hint.Content).Contains("<synthesized_context>\nThe knowledge base says Mars is the Red Planet.\n</synthesized_context>")

	gt.A(t, mem.traces).Length(1)
	trace := mem.traces[0]
	gt.Equal(t, trace.traceType, model.TraceTypeMemoryReasoner)
	gt.Equal(t, trace.relatedQuery, "What color is Mars?")
	gt.Equal(t, trace.userID, "")
	gt.A(t, trace.messages).Length(5)
	gt.Equal(t, trace.messages[3].Role, model.RoleTool)
	gt.Equal(t, trace.messages[3].Name, "search_documents")

	var snippets []model.DocumentSnippet
	gt.NoError(t, json.Unmarshal([]byte(trace.messages[3].Content), &snippets))
	gt.A(t, snippets).Length(1)
	gt.Equal(t, snippets[0].Document, "Mars is known as the Red Planet.")
}

func TestMemoryReasonerSentinel(t *testing.T) {
	llm := &mockLLM{
		completeFn: func(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error) {
			if req.Model == "reasoner-model" {
				return &adapter.Completion{Content: "No specific memory context deemed necessary or found."}, nil
			}
			return &adapter.Completion{Content: "Hello!"}, nil
		},
	}
	mem := snippetMemory()
	x := newOrchestrator(t, llm, mem, nil, agent.WithReasoningModel("reasoner-model"))

	_, err := x.Chat(context.Background(), "hello")
	gt.NoError(t, err)

	mainReqs := llm.requestsFor("main-model")
	gt.A(t, mainReqs).Length(1)
	gt.A(t, mainReqs[0].Messages).Length(2)
	gt.Equal(t, mainReqs[0].Messages[1].Role, model.RoleUser)

	// the dialogue is recorded even when it produced no hint
	gt.A(t, mem.traces).Length(1)
}

func hintOf(t *testing.T, llm *mockLLM) string {
	t.Helper()
	mainReqs := llm.requestsFor("main-model")
	gt.A(t, mainReqs).Longer(0)
	gt.Equal(t, mainReqs[0].Messages[1].Name, "memory_synthesis")
	return mainReqs[0].Messages[1].Content
}

func TestMemoryReasonerFailures(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		llm := &mockLLM{
			completeFn: func(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error) {
				if req.Model == "reasoner-model" {
					return nil, goerr.Wrap(adapter.ErrTimeout, "deadline")
				}
				return &adapter.Completion{Content: "ok"}, nil
			},
		}
		x := newOrchestrator(t, llm, snippetMemory(), nil, agent.WithReasoningModel("reasoner-model"))
		_, err := x.Chat(context.Background(), "q")
		gt.NoError(t, err)
		gt.S(t, hintOf(t, llm)).Contains("[Memory reasoning failed due to API error.]")
	})

	t.Run("max iterations", func(t *testing.T) {
		llm := &mockLLM{
			completeFn: func(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error) {
				if req.Model == "reasoner-model" {
					return &adapter.Completion{Content: `<tool_call>{"name": "search_past_conversations", "arguments": {}}</tool_call>`}, nil
				}
				return &adapter.Completion{Content: "ok"}, nil
			},
		}
		x := newOrchestrator(t, llm, snippetMemory(), nil,
			agent.WithReasoningModel("reasoner-model"),
			agent.WithMaxReasoningIterations(2),
		)
		_, err := x.Chat(context.Background(), "q")
		gt.NoError(t, err)
		gt.A(t, llm.requestsFor("reasoner-model")).Length(2)
		gt.S(t, hintOf(t, llm)).Contains("[Memory reasoning reached max iterations without a clear synthesis.]")
	})

	t.Run("reply cut off inside a tool call", func(t *testing.T) {
		replies := map[string]string{
			"at start":   `<tool_call>{"name": "search_documents", "arguments": {"search_query": "ma`,
			"after text": "Mars is red.\n<tool_call>{\"name\": \"search_past_conver",
		}
		for name, reply := range replies {
			t.Run(name, func(t *testing.T) {
				llm := &mockLLM{
					completeFn: func(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error) {
						if req.Model == "reasoner-model" {
							return &adapter.Completion{Content: reply}, nil
						}
						return &adapter.Completion{Content: "ok"}, nil
					},
				}
				x := newOrchestrator(t, llm, snippetMemory(), nil, agent.WithReasoningModel("reasoner-model"))
				_, err := x.Chat(context.Background(), "q")
				gt.NoError(t, err)

				gt.A(t, llm.requestsFor("reasoner-model")).Length(1)
				hint := hintOf(t, llm)
				gt.S(t, hint).Contains("[Memory reasoning process concluded with an unprocessed tool call instead of a textual summary.]")
				gt.S(t, hint).NotContains("<tool_call>")
			})
		}
	})

	t.Run("unknown tool and invalid json", func(t *testing.T) {
		calls := 0
		llm := &mockLLM{
			completeFn: func(ctx context.Context, req *adapter.CompletionRequest) (*adapter.Completion, error) {
				if req.Model == "reasoner-model" {
					calls++
					if calls == 1 {
						return &adapter.Completion{Content: `<tool_call>{"name": "delete_everything", "arguments": {}}</tool_call><tool_call>{oops}</tool_call>`}, nil
					}
					return &adapter.Completion{Content: "Nothing relevant beyond Mars."}, nil
				}
				return &adapter.Completion{Content: "ok"}, nil
			},
		}
		mem := snippetMemory()
		x := newOrchestrator(t, llm, mem, nil, agent.WithReasoningModel("reasoner-model"))
		_, err := x.Chat(context.Background(), "q")
		gt.NoError(t, err)

		msgs := mem.traces[0].messages
		gt.A(t, msgs).Length(6)
		gt.Equal(t, msgs[3].Content, "[Error: Tool not recognized by Memory Reasoner]")
		gt.Equal(t, msgs[4].ToolCallID, "json_error_0")
		gt.Equal(t, msgs[4].Content, "[Error: Invalid JSON in tool call]")
	})
}
