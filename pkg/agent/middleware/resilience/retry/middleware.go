package retry

import (
	"context"
	"time"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/logx"
)

// Middleware retries calls that fail with a retryable error type. When retries run out on a
// retryable error the caller gets a ServiceUnavailable error wrapping the last failure.
func Middleware(policy *Policy, logger *logx.Logger) llm.Middleware {
	if policy == nil {
		policy = NewPolicy(nil, 0)
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
				attempt := 0
				for {
					attempt++
					resp, err := next.ChatCompletions(ctx, req)
					if err == nil {
						return resp, nil
					}
					if ctx.Err() != nil {
						return llm.ChatResponse{}, err
					}

					cfg, retry := policy.ShouldRetry(err, attempt)
					if !retry {
						if attempt > 1 && policy.Retryable(err) {
							return llm.ChatResponse{}, llmerrors.NewServiceUnavailableError(err, attempt)
						}
						return llm.ChatResponse{}, err
					}

					delay := Delay(cfg, attempt)
					if logger != nil {
						logger.Warn("LLM call to %s failed (attempt %d), retrying in %s: %v", next.ModelName(), attempt, delay, err)
					}
					timer := time.NewTimer(delay)
					select {
					case <-ctx.Done():
						timer.Stop()
						return llm.ChatResponse{}, err
					case <-timer.C:
					}
				}
			},
			next.ModelName,
		)
	}
}
