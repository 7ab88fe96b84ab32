package llm

import "context"

// Middleware wraps an LLMClient with additional behavior.
type Middleware func(next LLMClient) LLMClient

type clientFunc struct {
	chat  func(context.Context, ChatRequest) (ChatResponse, error)
	model func() string
}

func (f clientFunc) ChatCompletions(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return f.chat(ctx, req)
}

func (f clientFunc) ModelName() string {
	return f.model()
}

// WrapClient builds an LLMClient from plain functions; middlewares use it to decorate next.
func WrapClient(chat func(context.Context, ChatRequest) (ChatResponse, error), model func() string) LLMClient {
	return clientFunc{chat: chat, model: model}
}

// Chain composes middlewares around base. Chain(c, mw1, mw2) calls mw1 -> mw2 -> c.
func Chain(base LLMClient, middlewares ...Middleware) LLMClient {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		client = middlewares[i](client)
	}
	return client
}
