package msg

import (
	"fmt"
	"strings"
)

// ValidationError describes why a message sequence cannot be sent to a model.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("message validation error - %s: '%s' (%s)", e.Field, e.Value, e.Reason)
}

// ValidateMessages checks roles, required content and tool-call pairing of a full history.
func ValidateMessages(messages []ChatMessage) error {
	if len(messages) == 0 {
		return ValidationError{Field: "messages", Value: "[]", Reason: "at least one message is required"}
	}

	pending := map[string]bool{}
	for i := range messages {
		m := &messages[i]
		if err := ValidateMessage(m); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		switch m.Role {
		case RoleAssistant:
			pending = make(map[string]bool, len(m.ToolCalls))
			for j := range m.ToolCalls {
				pending[m.ToolCalls[j].ID] = true
			}
		case RoleTool:
			if !pending[m.ToolCallID] {
				return fmt.Errorf("message %d: %w: %q", i, ErrOrphanResult, m.ToolCallID)
			}
			delete(pending, m.ToolCallID)
		default:
			pending = map[string]bool{}
		}
	}
	return nil
}

// ValidateMessage validates a single message in isolation.
func ValidateMessage(m *ChatMessage) error {
	if err := ValidateRole(m.Role); err != nil {
		return err
	}

	switch m.Role {
	case RoleTool:
		if m.ToolCallID == "" {
			return ValidationError{Field: "tool_call_id", Value: "", Reason: "tool messages must reference a call"}
		}
	case RoleAssistant:
		if strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0 {
			return ValidationError{Field: "content", Value: m.Content, Reason: "assistant message needs content or tool calls"}
		}
		for i := range m.ToolCalls {
			if m.ToolCalls[i].ID == "" || m.ToolCalls[i].Name == "" {
				return ValidationError{Field: "tool_calls", Value: m.ToolCalls[i].Name, Reason: "tool call needs an id and a name"}
			}
		}
	default:
		if strings.TrimSpace(m.Content) == "" {
			return ValidationError{Field: "content", Value: m.Content, Reason: "content cannot be empty or whitespace-only"}
		}
	}
	return nil
}

// ValidateRole validates that a role is one of the known roles.
func ValidateRole(role Role) error {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return nil
	case "":
		return ValidationError{Field: "role", Value: "", Reason: "role cannot be empty"}
	default:
		return ValidationError{Field: "role", Value: string(role), Reason: "role must be one of: system, user, assistant, tool"}
	}
}
