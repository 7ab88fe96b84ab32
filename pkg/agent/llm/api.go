// Package llm defines the provider-neutral chat completion contract the agent loop drives.
package llm

import (
	"context"
	"fmt"
	"slices"

	"agentflow/pkg/agent/msg"
	"agentflow/pkg/tools"
)

// Defaults applied by NewChatRequest.
const (
	DefaultMaxTokens   = 4096
	DefaultTemperature = float32(0.7)
)

// FinishReason tells the loop whether the model wants to continue.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// ChatRequest is one chat completion call. Bindings must not modify it.
type ChatRequest struct {
	Messages    []msg.ChatMessage
	Tools       []tools.Definition
	MaxTokens   int
	Temperature float32
}

// NewChatRequest builds a request with default sampling parameters.
func NewChatRequest(messages []msg.ChatMessage, toolDefs []tools.Definition) ChatRequest {
	return ChatRequest{
		Messages:    messages,
		Tools:       toolDefs,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
}

// Usage reports token counts when the provider returns them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ChatResponse is a provider reply normalized to one shape.
type ChatResponse struct {
	Content      string
	ToolCalls    []msg.ToolCallRequest
	FinishReason FinishReason
	Usage        Usage
}

// LLMClient is implemented by every provider binding and every middleware. Implementations are safe for concurrent use.
type LLMClient interface {
	ChatCompletions(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ModelName() string
}

// NormalizeResponse enforces that a successful response has tool calls exactly when FinishReason is tool_calls,
// and that every call carries an id unique within the turn. Missing ids become call_<n>; a repeated id
// becomes <id>_<n>.
func NormalizeResponse(resp ChatResponse) ChatResponse {
	resp.ToolCalls = slices.Clone(resp.ToolCalls)
	seen := make(map[string]bool, len(resp.ToolCalls))
	for i := range resp.ToolCalls {
		base := resp.ToolCalls[i].ID
		if base == "" {
			base = fmt.Sprintf("call_%d", i)
		}
		id := base
		for n := 1; seen[id]; n++ {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		seen[id] = true
		resp.ToolCalls[i].ID = id
		if resp.ToolCalls[i].Arguments == nil {
			resp.ToolCalls[i].Arguments = map[string]any{}
		}
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = FinishToolCalls
	} else {
		resp.FinishReason = FinishStop
	}
	return resp
}
