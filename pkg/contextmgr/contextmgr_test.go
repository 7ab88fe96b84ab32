package contextmgr

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/agent/msg"
	"agentflow/pkg/utils"
)

func conversation(turns int) []msg.ChatMessage {
	out := []msg.ChatMessage{
		msg.NewSystem("You are a helpful agent."),
		msg.NewUser("Add up the numbers."),
	}
	for i := 0; i < turns; i++ {
		id := fmt.Sprintf("call_%d", i)
		out = append(out,
			msg.NewAssistant("", []msg.ToolCallRequest{{ID: id, Name: "calculator", Arguments: map[string]any{"a": i}}}),
			msg.NewToolResult(msg.ToolCallResult{CallID: id, Content: strings.Repeat("result ", 50)}),
		)
	}
	return out
}

func TestUnboundedReturnsEverything(t *testing.T) {
	messages := conversation(3)
	assert.Equal(t, messages, Unbounded{}.Shape(messages))
	assert.IsType(t, Unbounded{}, New(0, 0))
	assert.IsType(t, &TokenBudget{}, New(1000, 100))
}

func TestTokenBudgetDropsOldestTurns(t *testing.T) {
	counter := utils.DefaultCounter()
	messages := conversation(4)

	// Room for the pinned prefix and exactly the last two turns.
	budget := counter.CountMessages(messages[:2]) + counter.CountMessages(messages[6:])
	policy := NewTokenBudget(budget+50, 50, counter)

	view := policy.Shape(messages)
	require.Len(t, view, 6)
	assert.Equal(t, messages[:2], view[:2])
	assert.Equal(t, messages[6:], view[2:])
	require.NoError(t, msg.ValidateMessages(view))

	// The input is untouched.
	assert.Len(t, messages, 10)
}

func TestTokenBudgetKeepsLastTurn(t *testing.T) {
	messages := conversation(3)
	view := NewTokenBudget(10, 0, nil).Shape(messages)

	require.Len(t, view, 4)
	assert.Equal(t, msg.RoleSystem, view[0].Role)
	assert.Equal(t, msg.RoleUser, view[1].Role)
	assert.Equal(t, "call_2", view[2].ToolCalls[0].ID)
	assert.Equal(t, "call_2", view[3].ToolCallID)
}

func TestTokenBudgetUnderLimit(t *testing.T) {
	messages := conversation(1)
	assert.Equal(t, messages, NewTokenBudget(100000, 1000, nil).Shape(messages))
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "Empty context", Summary(nil, nil))
	s := Summary(conversation(1), nil)
	assert.Contains(t, s, "4 messages")
	assert.Contains(t, s, "system: 1, user: 1, assistant: 1, tool: 1")
}
