package conversation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/m-mizutani/jarvis/pkg/model"
)

const (
	ToolResponseOpenTag  = "<tool_response>"
	ToolResponseCloseTag = "</tool_response>"

	// MemoryHintName names the system message carrying synthesized memory context
	MemoryHintName = "memory_synthesis"
)

var thinkBlockPattern = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)

// LatestUserIndex returns the index of the most recent user message that is not a
// wrapped tool response, or -1.
func LatestUserIndex(history []model.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role == model.RoleUser && !strings.HasPrefix(strings.TrimSpace(msg.Content), ToolResponseOpenTag) {
			return i
		}
	}
	return -1
}

// PruneForTransmission returns a copy of history in which assistant messages
// before the latest user message have their think blocks removed. The input is
// never modified. Without a user message the input is returned as is.
func PruneForTransmission(history []model.Message) []model.Message {
	latest := LatestUserIndex(history)
	if latest < 0 {
		return history
	}

	pruned := make([]model.Message, len(history))
	for i, msg := range history {
		if msg.Role == model.RoleAssistant && i < latest {
			msg.Content = strings.TrimSpace(thinkBlockPattern.ReplaceAllString(msg.Content, ""))
		}
		pruned[i] = msg
	}
	return pruned
}

// Transmission builds the message list sent to the model: the fresh system prompt,
// the optional memory hint, then the pruned history without its stored system
// message. Tool results are wrapped in a tool_response envelope with the user role.
func Transmission(systemPrompt, hint string, history []model.Message) []model.Message {
	pruned := PruneForTransmission(history)

	out := make([]model.Message, 0, len(pruned)+2)
	out = append(out, model.NewSystemMessage(systemPrompt))

	if hint = strings.TrimSpace(hint); hint != "" {
		out = append(out, model.Message{
			Role:    model.RoleSystem,
			Name:    MemoryHintName,
			Content: FormatMemoryHint(hint),
		})
	}

	start := 0
	if len(pruned) > 0 && pruned[0].Role == model.RoleSystem {
		start = 1
	}

	for _, msg := range pruned[start:] {
		switch msg.Role {
		case model.RoleTool:
			out = append(out, model.NewUserMessage(WrapToolResponse(msg.Content)))
		case model.RoleAssistant:
			out = append(out, model.Message{Role: model.RoleAssistant, Content: msg.Content})
		case model.RoleUser:
			out = append(out, model.NewUserMessage(msg.Content))
		}
	}

	return out
}

// FormatMemoryHint renders synthesized memory context as a hint for the model
func FormatMemoryHint(hint string) string {
	return fmt.Sprintf("HINT: The following synthesized memory context may be relevant to the user's query:\n<synthesized_context>\n%s\n</synthesized_context>\nRemember to critically evaluate this hint alongside other information and tools.",
		strings.TrimSpace(hint))
}

// WrapToolResponse renders a tool result in the envelope the model expects
func WrapToolResponse(content string) string {
	if content != "" && !strings.HasSuffix(strings.TrimSpace(content), ".") {
		content += "."
	}
	return ToolResponseOpenTag + "\n" + strings.TrimSpace(content) + "\n" + ToolResponseCloseTag
}
