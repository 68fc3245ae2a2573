package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
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
	// NoContextSentinel is emitted by the memory reasoner when it found nothing
	// worth passing on
	NoContextSentinel = "No specific memory context deemed necessary or found."

	reasonerTimeout        = 120 * time.Second
	reasonerDefaultResults = 3

	msgReasonerAPIError      = "[Memory reasoning failed due to API error.]"
	msgReasonerUnexpected    = "[Memory reasoning failed due to unexpected error.]"
	msgReasonerMaxIterations = "[Memory reasoning reached max iterations without a clear synthesis.]"
	msgReasonerToolCall      = "[Memory reasoning process concluded with an unprocessed tool call instead of a textual summary.]"
)

var reasonerTools = []*model.ToolDescriptor{
	{
		Name:        "search_past_conversations",
		Description: "Searches through long-term conversation history for interactions semantically similar to the search_query.",
		Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
			"search_query": tool.StringProp("The specific query or topic to search for in past conversation history. This query has to be well crafted to retrieve relevant information."),
			"num_results":  tool.IntegerProp("Number of relevant interactions to retrieve.", reasonerDefaultResults),
		}, "search_query"),
	},
	{
		Name:        "search_documents",
		Description: "Searches through the indexed document knowledge base for information relevant to the search_query.",
		Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
			"search_query": tool.StringProp("The specific query or topic to search for in documents."),
			"num_results":  tool.IntegerProp("Number of relevant document snippets to retrieve.", reasonerDefaultResults),
		}, "search_query"),
	},
}

// reasoner runs a bounded sub-dialogue that searches long term memory and
// condenses what it finds into a hint for the main model
type reasoner struct {
	llm           adapter.LLM
	memory        memory.Context
	model         string
	maxIterations int
	systemPrompt  string
}

func newReasoner(llm adapter.LLM, mem memory.Context, modelName string, maxIterations int) (*reasoner, error) {
	prompt, err := renderReasonerPrompt(reasonerTools)
	if err != nil {
		return nil, err
	}
	return &reasoner{
		llm:           llm,
		memory:        mem,
		model:         modelName,
		maxIterations: maxIterations,
		systemPrompt:  prompt,
	}, nil
}

// Synthesize returns the memory hint for query, or "" when there is nothing
// useful. It never fails; every failure is folded into the returned text.
func (r *reasoner) Synthesize(ctx context.Context, query string) string {
	logger := logging.From(ctx)

	messages := []model.Message{
		model.NewSystemMessage(r.systemPrompt),
		model.NewUserMessage(fmt.Sprintf("Main User Query to analyze: \"%s\"", query)),
	}

	final, done := "", false
	for i := 0; i < r.maxIterations && !done; i++ {
		logger.Debug("memory reasoner iteration", "iteration", i+1)

		completion, err := r.llm.Complete(ctx, &adapter.CompletionRequest{
			Model:       r.model,
			Messages:    conversation.Transmission(r.systemPrompt, "", messages),
			Temperature: ptr(temperature),
			MaxTokens:   maxTokens,
			Timeout:     reasonerTimeout,
		})
		if err != nil {
			logger.Error("memory reasoner request failed", "error", err)
			final, done = msgReasonerAPIError, true
			break
		}

		content := strings.TrimSpace(completion.Content)
		messages = append(messages, model.NewAssistantMessage(content))

		blocks := slices.Collect(toolcall.Parse(content))
		if len(blocks) == 0 {
			final, done = content, true
			break
		}

		for _, block := range blocks {
			if block.Err != nil {
				messages = append(messages, model.Message{
					Role:       model.RoleTool,
					Name:       "json_error",
					ToolCallID: "json_error_0",
					Content:    "[Error: Invalid JSON in tool call]",
				})
				continue
			}

			result, err := r.execute(ctx, block.Request, query)
			if err != nil {
				logger.Error("memory reasoner tool failed", "tool", block.Request.Name, "error", err)
				final, done = msgReasonerUnexpected, true
				break
			}
			messages = append(messages, model.NewToolResult(*block.Request, result).Message())
		}
	}

	if !done {
		if last := messages[len(messages)-1]; last.Role == model.RoleAssistant {
			final = last.Content
		} else {
			final = msgReasonerMaxIterations
		}
	}

	// an unterminated block is a reply cut off in the middle of a tool call
	if toolcall.Contains(final) || strings.Contains(final, toolcall.OpenTag) {
		logger.Warn("memory reasoner ended with a tool call", "content", truncateRunes(final, 300))
		final = msgReasonerToolCall
	}

	if err := r.memory.LogReasoningTrace(ctx, messages, model.TraceTypeMemoryReasoner, "", query); err != nil {
		logger.Error("failed to log memory reasoning trace", "error", err)
	}

	if strings.Contains(final, NoContextSentinel) {
		logger.Debug("memory reasoner found no relevant context")
		return ""
	}

	return strings.TrimSpace(final)
}

func (r *reasoner) execute(ctx context.Context, req *model.ToolCallRequest, mainQuery string) (string, error) {
	query, err := tool.OptionalString(req.Arguments, "search_query", mainQuery)
	if err != nil {
		query = mainQuery
	}
	n, err := tool.OptionalInt(req.Arguments, "num_results", reasonerDefaultResults)
	if err != nil {
		n = reasonerDefaultResults
	}

	var snippets any

	switch req.Name {
	case "search_past_conversations":
		found, err := r.memory.RecallInteractions(ctx, query, "", n)
		if err != nil {
			return "", err
		}
		if len(found) == 0 {
			return "[No relevant conversation snippets found.]", nil
		}
		snippets = found

	case "search_documents":
		found, err := r.memory.QueryDocuments(ctx, query, n)
		if err != nil {
			return "", err
		}
		if len(found) == 0 {
			return "[No relevant document snippets found.]", nil
		}
		snippets = found

	default:
		return "[Error: Tool not recognized by Memory Reasoner]", nil
	}

	raw, err := json.Marshal(snippets)
	if err != nil {
		return "", goerr.Wrap(err, "failed to marshal memory snippets", goerr.V("tool", req.Name))
	}
	return string(raw), nil
}
