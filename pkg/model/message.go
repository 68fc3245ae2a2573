package model

import (
	"github.com/google/jsonschema-go/jsonschema"
)

// Role is the speaker of a Message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a conversation. Content may embed reasoning blocks and
// tool call blocks as emitted by the model.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string, calls ...ToolCallRequest) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolCallRequest is a single tool invocation requested by the model
type ToolCallRequest struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the textual outcome of one tool call
type ToolResult struct {
	ID       string
	ToolName string
	Content  string
}

// NewToolResult correlates a result with its request. The request ID is used when
// present, otherwise the tool name.
func NewToolResult(req ToolCallRequest, content string) ToolResult {
	id := req.ID
	if id == "" {
		id = req.Name
	}
	return ToolResult{ID: id, ToolName: req.Name, Content: content}
}

// Message converts the result into a tool role message for the conversation log
func (x ToolResult) Message() Message {
	return Message{
		Role:       RoleTool,
		ToolCallID: x.ID,
		Name:       x.ToolName,
		Content:    x.Content,
	}
}

// ToolDescriptor describes a callable tool to the model
type ToolDescriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// Required returns the names of required parameters
func (x *ToolDescriptor) Required() []string {
	if x.Parameters == nil {
		return nil
	}
	return x.Parameters.Required
}
