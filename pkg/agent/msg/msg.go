// Package msg holds the conversation value types shared by the LLM client, the tool registry and the agent loop.
package msg

import (
	"maps"
	"slices"
)

// Role identifies the author of a ChatMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRequest is a model's request to run one tool. ID is unique within its turn.
type ToolCallRequest struct {
	Arguments map[string]any `json:"arguments"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
}

// ToolCallResult is the outcome of one tool invocation, linked to its request by CallID.
type ToolCallResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ChatMessage is one turn of the conversation.
// ToolCalls is only set on assistant messages and ToolCallID only on tool messages.
type ChatMessage struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
}

func NewSystem(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

func NewUser(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// NewAssistant records the model's reply together with the tool calls it requested.
func NewAssistant(content string, calls []ToolCallRequest) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content, ToolCalls: cloneCalls(calls)}
}

// NewToolResult turns a tool outcome into the tool-role message the model sees.
func NewToolResult(result ToolCallResult) ChatMessage {
	return ChatMessage{
		Role:       RoleTool,
		Content:    result.Content,
		ToolCallID: result.CallID,
		IsError:    result.IsError,
	}
}

// Clone returns a deep copy so callers cannot alias slices or argument maps.
func (m ChatMessage) Clone() ChatMessage {
	m.ToolCalls = cloneCalls(m.ToolCalls)
	return m
}

// HasToolCalls reports whether an assistant message requested tools.
func (m ChatMessage) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

func cloneCalls(calls []ToolCallRequest) []ToolCallRequest {
	if len(calls) == 0 {
		return nil
	}
	out := slices.Clone(calls)
	for i := range out {
		out[i].Arguments = maps.Clone(out[i].Arguments)
	}
	return out
}
