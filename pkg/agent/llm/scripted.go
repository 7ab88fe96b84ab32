package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned by ScriptedClient once every scripted reply has been used.
var ErrScriptExhausted = errors.New("scripted client has no more responses")

// ScriptedStep is one canned reply of a ScriptedClient.
type ScriptedStep struct {
	Err      error
	Response ChatResponse
}

// ScriptedClient replays canned responses in order and records the requests it receives.
// With Repeat set, the last step is replayed forever.
type ScriptedClient struct {
	Model    string
	steps    []ScriptedStep
	requests []ChatRequest
	mu       sync.Mutex
	next     int
	Repeat   bool
}

func NewScriptedClient(steps ...ScriptedStep) *ScriptedClient {
	return &ScriptedClient{Model: "scripted", steps: steps}
}

func (s *ScriptedClient) ChatCompletions(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return ChatResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if s.next >= len(s.steps) {
		if !s.Repeat || len(s.steps) == 0 {
			return ChatResponse{}, ErrScriptExhausted
		}
		s.next = len(s.steps) - 1
	}
	step := s.steps[s.next]
	s.next++
	if step.Err != nil {
		return ChatResponse{}, step.Err
	}
	return NormalizeResponse(step.Response), nil
}

func (s *ScriptedClient) ModelName() string {
	return s.Model
}

// Requests returns the requests received so far.
func (s *ScriptedClient) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many requests were received.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
