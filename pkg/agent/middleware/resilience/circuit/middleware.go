package circuit

import (
	"context"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
)

// Middleware rejects calls while the breaker is open. Only availability failures count against
// the provider; a bad request or rejected key says nothing about its health.
func Middleware(breaker *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
				if !breaker.Allow() {
					return llm.ChatResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeServiceUnavailable,
						&Error{State: breaker.State()}, next.ModelName()+" is failing, calls suspended")
				}

				resp, err := next.ChatCompletions(ctx, req)
				switch {
				case err == nil:
					breaker.Record(true)
				case countsAsOutage(err):
					breaker.Record(false)
				}
				return resp, err //nolint:wrapcheck // pass-through
			},
			next.ModelName,
		)
	}
}

func countsAsOutage(err error) bool {
	t, ok := llmerrors.TypeOf(err)
	if !ok {
		return false
	}
	switch t {
	case llmerrors.ErrorTypeNetworkFailure, llmerrors.ErrorTypeRateLimited, llmerrors.ErrorTypeServiceUnavailable:
		return true
	default:
		return false
	}
}
