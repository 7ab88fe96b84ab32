package msg

import (
	"errors"
	"fmt"
)

// ErrOrphanResult is returned when a tool result references a call id the preceding assistant turn never issued.
var ErrOrphanResult = errors.New("tool result does not match a pending tool call")

// Conversation is the append-only history of one task. It is owned by a single goroutine.
type Conversation struct {
	messages []ChatMessage
	pending  map[string]bool
}

func NewConversation(seed ...ChatMessage) *Conversation {
	c := &Conversation{}
	for i := range seed {
		// Seeds are system/user turns and cannot be orphan results.
		_ = c.Append(seed[i])
	}
	return c
}

// Append adds a message. Tool results must answer a call from the latest assistant turn, once.
func (c *Conversation) Append(m ChatMessage) error {
	switch m.Role {
	case RoleAssistant:
		c.pending = make(map[string]bool, len(m.ToolCalls))
		for i := range m.ToolCalls {
			c.pending[m.ToolCalls[i].ID] = true
		}
	case RoleTool:
		if !c.pending[m.ToolCallID] {
			return fmt.Errorf("%w: %q", ErrOrphanResult, m.ToolCallID)
		}
		delete(c.pending, m.ToolCallID)
	default:
		c.pending = nil
	}
	c.messages = append(c.messages, m.Clone())
	return nil
}

// Messages returns a copy of the history in order.
func (c *Conversation) Messages() []ChatMessage {
	out := make([]ChatMessage, len(c.messages))
	for i := range c.messages {
		out[i] = c.messages[i].Clone()
	}
	return out
}

func (c *Conversation) Len() int {
	return len(c.messages)
}

// PendingCalls is the number of tool calls from the latest assistant turn still awaiting a result.
func (c *Conversation) PendingCalls() int {
	return len(c.pending)
}
