package toolloop

import (
	"fmt"
	"slices"
	"time"

	"agentflow/pkg/agent/msg"
)

// State is a node of the loop's state machine.
type State int

const (
	// StateInit seeds the conversation with the system prompt and the task.
	StateInit State = iota

	// StateAwaitingModel sends the shaped history and the tool schemas to the model.
	StateAwaitingModel

	// StateExecutingTools runs the calls of the latest assistant turn and appends their results.
	StateExecutingTools

	// StateDone is terminal. Outcome.FinalText holds the answer.
	StateDone

	// StateFailed is terminal. Outcome.Err holds the cause.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateAwaitingModel:
		return "AwaitingModel"
	case StateExecutingTools:
		return "ExecutingTools"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Outcome is what a run leaves behind, whether it succeeded or not.
//
//nolint:govet // fields ordered for readability
type Outcome struct {
	// State is StateDone or StateFailed.
	State State

	// FinalText is the content of the last model response. Empty unless State is StateDone.
	FinalText string

	// Err is the terminal error when State is StateFailed.
	Err error

	// Steps counts model calls.
	Steps int

	// ToolCalls counts executed tool calls, including failed ones.
	ToolCalls int

	// ToolsUsed lists requested tool names in first-use order.
	ToolsUsed []string

	// Conversation is the full, untruncated history of the run.
	Conversation *msg.Conversation

	// Elapsed is the wall time of the run.
	Elapsed time.Duration
}

// Messages is a convenience for Conversation.Messages that tolerates a nil conversation.
func (o *Outcome) Messages() []msg.ChatMessage {
	if o == nil || o.Conversation == nil {
		return nil
	}
	return o.Conversation.Messages()
}

func (o *Outcome) recordTools(calls []msg.ToolCallRequest) {
	o.ToolCalls += len(calls)
	for i := range calls {
		if !slices.Contains(o.ToolsUsed, calls[i].Name) {
			o.ToolsUsed = append(o.ToolsUsed, calls[i].Name)
		}
	}
}
