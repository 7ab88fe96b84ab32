package metrics

import (
	"context"
	"errors"
	"time"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/logx"
	"agentflow/pkg/utils"
)

// UsageExtractor returns token usage for a finished call.
type UsageExtractor func(req *llm.ChatRequest, resp *llm.ChatResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor trusts provider-reported usage and estimates with tiktoken when a provider reports none.
func DefaultUsageExtractor(req *llm.ChatRequest, resp *llm.ChatResponse) (promptTokens, completionTokens int) {
	promptTokens, completionTokens = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if promptTokens == 0 {
		promptTokens = utils.DefaultCounter().CountMessages(req.Messages)
	}
	if completionTokens == 0 {
		completionTokens = utils.CountTokensSimple(resp.Content)
	}
	return promptTokens, completionTokens
}

// Middleware records every call with recorder. The task id comes from the context (logx.ContextWithTaskID).
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if recorder == nil {
		recorder = Nop()
	}
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
				start := time.Now()
				resp, err := next.ChatCompletions(ctx, req)

				obs := Observation{
					Model:    next.ModelName(),
					TaskID:   logx.TaskIDFromContext(ctx),
					Duration: time.Since(start),
					Success:  err == nil,
				}
				if err == nil {
					obs.PromptTokens, obs.CompletionTokens = usageExtractor(&req, &resp)
				} else {
					obs.ErrorType = errorType(err)
				}
				recorder.ObserveRequest(obs)

				if logger != nil {
					logger.Debug("model=%s task=%s tokens=%d+%d success=%t duration=%dms",
						obs.Model, obs.TaskID, obs.PromptTokens, obs.CompletionTokens, obs.Success, obs.Duration.Milliseconds())
				}
				return resp, err //nolint:wrapcheck // pass-through
			},
			next.ModelName,
		)
	}
}

func errorType(err error) string {
	if t, ok := llmerrors.TypeOf(err); ok {
		return t.String()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unclassified"
	}
}
