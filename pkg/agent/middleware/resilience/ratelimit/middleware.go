// Package ratelimit holds LLM calls back until the model's token budget and request slots allow them.
package ratelimit

import (
	"context"
	"time"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/limiter"
	"agentflow/pkg/logx"
	"agentflow/pkg/utils"
)

// slowAcquire is the wait after which a throttled call is logged.
const slowAcquire = time.Second

// EstimateTokens is the reservation for req: the counted prompt plus the full output allowance.
func EstimateTokens(counter *utils.TokenCounter, req *llm.ChatRequest) int {
	return counter.CountMessages(req.Messages) + req.MaxTokens
}

// Middleware acquires tokens and a slot from l before each call and frees the slot when the call returns.
// A nil counter means utils.DefaultCounter.
func Middleware(l *limiter.Limiter, counter *utils.TokenCounter, logger *logx.Logger) llm.Middleware {
	if counter == nil {
		counter = utils.DefaultCounter()
	}
	return func(next llm.LLMClient) llm.LLMClient {
		if l == nil {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
				tokens := EstimateTokens(counter, &req)
				start := time.Now()
				release, err := l.Acquire(ctx, tokens)
				if err != nil {
					return llm.ChatResponse{}, err //nolint:wrapcheck // caller's own context
				}
				defer release()

				if waited := time.Since(start); waited > slowAcquire && logger != nil {
					logger.Info("Rate limit on %s held a %d token request for %s", l.Name(), tokens, waited.Round(time.Millisecond))
				}
				return next.ChatCompletions(ctx, req) //nolint:wrapcheck // pass-through
			},
			next.ModelName,
		)
	}
}
