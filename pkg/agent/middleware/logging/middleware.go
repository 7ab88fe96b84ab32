// Package logging logs LLM calls under the "llm" debug domain.
package logging

import (
	"context"
	"strings"
	"time"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/logx"
	"agentflow/pkg/tools"
)

// DebugDomain is the DEBUG_DOMAINS entry that enables per-call logging.
const DebugDomain = "llm"

const promptPreviewChars = 2000

// Middleware logs each call's shape and outcome. Failures are always logged with a sanitized
// view of the last message; successes only when the llm debug domain is on.
func Middleware(logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.NewLogger("llm")
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
				start := time.Now()
				logx.Debug(ctx, DebugDomain, "request to %s: %d messages, tools=[%s]",
					next.ModelName(), len(req.Messages), strings.Join(toolNames(req.Tools), ", "))

				resp, err := next.ChatCompletions(ctx, req)
				elapsed := time.Since(start)
				if err != nil {
					errType := "unclassified"
					if t, ok := llmerrors.TypeOf(err); ok {
						errType = t.String()
					}
					last := ""
					if n := len(req.Messages); n > 0 {
						last = llmerrors.SanitizePrompt(req.Messages[n-1].Content, promptPreviewChars)
					}
					logger.Warn("%s call failed after %dms (%s): %v; last message: %s",
						next.ModelName(), elapsed.Milliseconds(), errType, err, last)
					return resp, err //nolint:wrapcheck // pass-through
				}

				logx.Debug(ctx, DebugDomain, "response from %s in %dms: finish=%s tool_calls=%d tokens=%d+%d",
					next.ModelName(), elapsed.Milliseconds(), resp.FinishReason, len(resp.ToolCalls),
					resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
				return resp, nil
			},
			next.ModelName,
		)
	}
}

func toolNames(defs []tools.Definition) []string {
	names := make([]string, len(defs))
	for i := range defs {
		names[i] = defs[i].Name
	}
	return names
}
