// Package timeout bounds each LLM call with its own deadline.
package timeout

import (
	"context"
	"time"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
)

// Middleware gives every call a deadline of duration. A non-positive duration disables it.
// A call that runs out of time fails as a NetworkFailure so the retry layer can try again.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				resp, err := next.ChatCompletions(timeoutCtx, req)
				if err != nil && ctx.Err() == nil && timeoutCtx.Err() != nil {
					if _, classified := llmerrors.TypeOf(err); !classified {
						return resp, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeNetworkFailure, err,
							"request exceeded "+duration.String())
					}
				}
				return resp, err //nolint:wrapcheck // pass-through
			},
			next.ModelName,
		)
	}
}
