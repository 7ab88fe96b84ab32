// Package validation rejects malformed conversations before they reach a provider and malformed tool calls
// before they reach the tool registry.
package validation

import (
	"context"
	"fmt"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/agent/msg"
)

// Middleware validates the request history with msg.ValidateMessages (failing as BadRequest without calling
// next) and the response's tool calls (failing as MalformedResponse).
func Middleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
				if err := msg.ValidateMessages(req.Messages); err != nil {
					return llm.ChatResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadRequest, err, "invalid request")
				}
				resp, err := next.ChatCompletions(ctx, req)
				if err != nil {
					return resp, err //nolint:wrapcheck // pass-through
				}
				if err := ValidateToolCalls(resp.ToolCalls); err != nil {
					return llm.ChatResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeMalformedResponse, err,
						"invalid tool calls from "+next.ModelName())
				}
				return resp, nil
			},
			next.ModelName,
		)
	}
}

// ValidateToolCalls checks that every call names a tool and that ids are present and unique within the turn.
func ValidateToolCalls(calls []msg.ToolCallRequest) error {
	seen := make(map[string]bool, len(calls))
	for i := range calls {
		c := &calls[i]
		if c.Name == "" {
			return fmt.Errorf("tool call %d has no name", i)
		}
		if c.ID == "" {
			return fmt.Errorf("tool call %d (%s) has no id", i, c.Name)
		}
		if seen[c.ID] {
			return fmt.Errorf("tool call id %q is repeated", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}
