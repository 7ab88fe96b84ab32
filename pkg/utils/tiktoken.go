package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"agentflow/pkg/agent/msg"
)

// perMessageOverhead approximates the role and framing tokens each chat message costs.
const perMessageOverhead = 4

// TokenCounter counts tokens with a tiktoken codec.
type TokenCounter struct {
	codec tokenizer.Codec
}

//nolint:gochecknoglobals // shared codec, loading it is expensive
var (
	defaultOnce    sync.Once
	defaultCounter *TokenCounter
)

// NewTokenCounter creates a counter for model. Every provider is approximated with the GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// DefaultCounter returns a process-wide counter.
func DefaultCounter() *TokenCounter {
	defaultOnce.Do(func() {
		counter, err := NewTokenCounter("")
		if err != nil {
			counter = &TokenCounter{}
		}
		defaultCounter = counter
	})
	return defaultCounter
}

// CountTokens returns the number of tokens in text, falling back to len/4 without a codec.
func (tc *TokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountMessage estimates the prompt cost of one chat message, tool calls included.
func (tc *TokenCounter) CountMessage(m *msg.ChatMessage) int {
	total := perMessageOverhead + tc.CountTokens(m.Content)
	for i := range m.ToolCalls {
		call := &m.ToolCalls[i]
		total += tc.CountTokens(call.Name) + tc.CountTokens(fmt.Sprint(call.Arguments))
	}
	return total
}

// CountMessages estimates the prompt cost of a history.
func (tc *TokenCounter) CountMessages(messages []msg.ChatMessage) int {
	total := 0
	for i := range messages {
		total += tc.CountMessage(&messages[i])
	}
	return total
}

// CountTokensSimple counts with the default counter.
func CountTokensSimple(text string) int {
	return DefaultCounter().CountTokens(text)
}
