// Package contextmgr decides which part of a conversation is sent to the model.
// Policies only shape the view for one request; the conversation itself is never modified.
package contextmgr

import (
	"fmt"
	"slices"
	"strings"

	"agentflow/pkg/agent/msg"
	"agentflow/pkg/utils"
)

// Policy produces the message view for the next model call.
// Implementations must return a prefix-preserving subsequence that keeps tool calls and their results together.
type Policy interface {
	Shape(messages []msg.ChatMessage) []msg.ChatMessage
}

// Unbounded sends the whole conversation.
type Unbounded struct{}

func (Unbounded) Shape(messages []msg.ChatMessage) []msg.ChatMessage {
	return messages
}

// TokenBudget keeps the system prompt and the task, then drops whole turns, oldest first,
// until the view fits in MaxTokens minus ReserveTokens. The most recent turn is always kept.
type TokenBudget struct {
	counter       *utils.TokenCounter
	MaxTokens     int
	ReserveTokens int
}

// NewTokenBudget creates a budget policy. A nil counter means utils.DefaultCounter.
func NewTokenBudget(maxTokens, reserveTokens int, counter *utils.TokenCounter) *TokenBudget {
	if counter == nil {
		counter = utils.DefaultCounter()
	}
	return &TokenBudget{counter: counter, MaxTokens: maxTokens, ReserveTokens: reserveTokens}
}

// New returns Unbounded when maxTokens is zero and a TokenBudget otherwise.
func New(maxTokens, reserveTokens int) Policy {
	if maxTokens <= 0 {
		return Unbounded{}
	}
	return NewTokenBudget(maxTokens, reserveTokens, nil)
}

func (b *TokenBudget) Shape(messages []msg.ChatMessage) []msg.ChatMessage {
	budget := b.MaxTokens - b.ReserveTokens
	if budget <= 0 || b.counter.CountMessages(messages) <= budget {
		return messages
	}

	pinned, turns := splitTurns(messages)
	used := b.counter.CountMessages(pinned)
	for _, turn := range turns {
		used += b.counter.CountMessages(turn)
	}

	drop := 0
	for drop < len(turns)-1 && used > budget {
		used -= b.counter.CountMessages(turns[drop])
		drop++
	}

	view := slices.Clone(pinned)
	for _, turn := range turns[drop:] {
		view = append(view, turn...)
	}
	return view
}

// splitTurns separates the leading system messages and first user message from the rest,
// which is grouped so that an assistant message and its tool results form one turn.
func splitTurns(messages []msg.ChatMessage) (pinned []msg.ChatMessage, turns [][]msg.ChatMessage) {
	i := 0
	for i < len(messages) && messages[i].Role == msg.RoleSystem {
		i++
	}
	if i < len(messages) && messages[i].Role == msg.RoleUser {
		i++
	}
	pinned = messages[:i]

	for _, m := range messages[i:] {
		if m.Role == msg.RoleTool && len(turns) > 0 {
			turns[len(turns)-1] = append(turns[len(turns)-1], m)
			continue
		}
		turns = append(turns, []msg.ChatMessage{m})
	}
	return pinned, turns
}

// Summary describes a message list for debug logs: count, tokens and a per-role breakdown.
func Summary(messages []msg.ChatMessage, counter *utils.TokenCounter) string {
	if len(messages) == 0 {
		return "Empty context"
	}
	if counter == nil {
		counter = utils.DefaultCounter()
	}

	roleCounts := make(map[msg.Role]int)
	for _, m := range messages {
		roleCounts[m.Role]++
	}
	breakdown := make([]string, 0, len(roleCounts))
	for _, role := range []msg.Role{msg.RoleSystem, msg.RoleUser, msg.RoleAssistant, msg.RoleTool} {
		if n := roleCounts[role]; n > 0 {
			breakdown = append(breakdown, fmt.Sprintf("%s: %d", role, n))
		}
	}
	return fmt.Sprintf("%d messages (%d tokens) - %s",
		len(messages), counter.CountMessages(messages), strings.Join(breakdown, ", "))
}
