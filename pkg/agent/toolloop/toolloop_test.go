package toolloop_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/agent/msg"
	"agentflow/pkg/agent/toolloop"
	"agentflow/pkg/contextmgr"
	"agentflow/pkg/tools"
	"agentflow/pkg/tools/builtin"
)

func newRegistry(t *testing.T, extra ...tools.LocalTool) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(append([]tools.LocalTool{builtin.NewCalculator()}, extra...), nil)
	require.NoError(t, err)
	return reg
}

func toolCall(id, name string, args map[string]any) llm.ScriptedStep {
	return llm.ScriptedStep{Response: llm.ChatResponse{
		ToolCalls: []msg.ToolCallRequest{{ID: id, Name: name, Arguments: args}},
	}}
}

func answer(text string) llm.ScriptedStep {
	return llm.ScriptedStep{Response: llm.ChatResponse{Content: text}}
}

func TestDirectAnswerTakesOneStep(t *testing.T) {
	client := llm.NewScriptedClient(answer("Paris is the capital of France."))
	loop := toolloop.New(client, newRegistry(t), nil)

	out, err := loop.Run(context.Background(), toolloop.Config{Task: "What is the capital of France?"})
	require.NoError(t, err)

	assert.Equal(t, toolloop.StateDone, out.State)
	assert.Equal(t, "Paris is the capital of France.", out.FinalText)
	assert.Equal(t, 1, out.Steps)
	assert.Empty(t, out.ToolsUsed)
	assert.Equal(t, 1, client.Calls())

	messages := out.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, msg.RoleSystem, messages[0].Role)
	assert.Equal(t, toolloop.DefaultSystemPrompt, messages[0].Content)
	assert.Equal(t, "What is the capital of France?", messages[1].Content)
	assert.Equal(t, msg.RoleAssistant, messages[2].Role)
}

func TestCalculatorScenario(t *testing.T) {
	client := llm.NewScriptedClient(
		toolCall("call_1", "calculator", map[string]any{"op": "add", "a": 2, "b": 2}),
		answer("2 + 2 = 4"),
	)
	loop := toolloop.New(client, newRegistry(t), nil)

	var transitions []string
	out, err := loop.Run(context.Background(), toolloop.Config{
		Task: "what is 2+2, use the calculator tool",
		OnTransition: func(from, to toolloop.State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	require.NoError(t, err)

	assert.Contains(t, out.FinalText, "4")
	assert.Equal(t, 2, out.Steps)
	assert.Equal(t, 1, out.ToolCalls)
	assert.Equal(t, []string{"calculator"}, out.ToolsUsed)
	assert.Equal(t, []string{
		"Init->AwaitingModel",
		"AwaitingModel->ExecutingTools",
		"ExecutingTools->AwaitingModel",
		"AwaitingModel->Done",
	}, transitions)

	messages := out.Messages()
	require.Len(t, messages, 5)
	assert.Equal(t, "calculator", messages[2].ToolCalls[0].Name)
	assert.Equal(t, msg.RoleTool, messages[3].Role)
	assert.Equal(t, "call_1", messages[3].ToolCallID)
	assert.Equal(t, "4", messages[3].Content)
	assert.False(t, messages[3].IsError)
	require.NoError(t, msg.ValidateMessages(messages))

	// The second request carries the tool result and the tool schemas.
	requests := client.Requests()
	require.Len(t, requests, 2)
	assert.Len(t, requests[1].Messages, 4)
	require.Len(t, requests[1].Tools, 1)
	assert.Equal(t, "calculator", requests[1].Tools[0].Name)
}

func TestResultsFollowCallOrder(t *testing.T) {
	client := llm.NewScriptedClient(
		llm.ScriptedStep{Response: llm.ChatResponse{ToolCalls: []msg.ToolCallRequest{
			{ID: "a", Name: "calculator", Arguments: map[string]any{"op": "multiply", "a": 3, "b": 3}},
			{ID: "b", Name: "ghost"},
			{ID: "c", Name: "calculator", Arguments: map[string]any{"op": "subtract", "a": 10, "b": 4}},
		}}},
		answer("done"),
	)
	out, err := toolloop.New(client, newRegistry(t), nil).Run(context.Background(), toolloop.Config{Task: "compute"})
	require.NoError(t, err)

	messages := out.Messages()
	require.Len(t, messages, 7)
	var ids, contents []string
	for _, m := range messages[3:6] {
		ids = append(ids, m.ToolCallID)
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, "9", contents[0])
	assert.True(t, messages[4].IsError)
	assert.Contains(t, contents[1], "ghost")
	assert.Equal(t, "6", contents[2])
	assert.Equal(t, []string{"calculator", "ghost"}, out.ToolsUsed)
	assert.Equal(t, 3, out.ToolCalls)
}

func TestRepeatedCallIDsStillPair(t *testing.T) {
	var calls int
	raw := llm.WrapClient(func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
		calls++
		if calls > 1 {
			return llm.ChatResponse{Content: "3 and 12"}, nil
		}
		return llm.ChatResponse{ToolCalls: []msg.ToolCallRequest{
			{ID: "call_1", Name: "calculator", Arguments: map[string]any{"op": "add", "a": 1, "b": 2}},
			{ID: "call_1", Name: "calculator", Arguments: map[string]any{"op": "multiply", "a": 3, "b": 4}},
		}}, nil
	}, func() string { return "raw" })

	out, err := toolloop.New(raw, newRegistry(t), nil).Run(context.Background(), toolloop.Config{Task: "1+2 and 3*4"})
	require.NoError(t, err)
	assert.Equal(t, toolloop.StateDone, out.State)
	assert.Equal(t, 2, out.ToolCalls)

	messages := out.Messages()
	require.Len(t, messages, 6)
	assert.Equal(t, "call_1", messages[3].ToolCallID)
	assert.Equal(t, "3", messages[3].Content)
	assert.Equal(t, "call_1_1", messages[4].ToolCallID)
	assert.Equal(t, "12", messages[4].Content)
	require.NoError(t, msg.ValidateMessages(messages))
}

func TestUnknownToolDoesNotAbort(t *testing.T) {
	client := llm.NewScriptedClient(
		toolCall("call_1", "ghost", nil),
		answer("I could not find that tool."),
	)
	out, err := toolloop.New(client, newRegistry(t), nil).Run(context.Background(), toolloop.Config{Task: "use ghost"})
	require.NoError(t, err)
	assert.Equal(t, toolloop.StateDone, out.State)

	result := out.Messages()[3]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, tools.ErrToolNotFound.Error())
}

func TestToolFailureIsFedBack(t *testing.T) {
	client := llm.NewScriptedClient(
		toolCall("call_1", "calculator", map[string]any{"op": "divide", "a": 1, "b": 0}),
		answer("Division by zero is undefined."),
	)
	out, err := toolloop.New(client, newRegistry(t), nil).Run(context.Background(), toolloop.Config{Task: "1/0"})
	require.NoError(t, err)

	result := out.Messages()[3]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "division by zero")
}

func TestGhostToolHitsStepLimit(t *testing.T) {
	client := llm.NewScriptedClient(toolCall("call_1", "ghost", nil))
	client.Repeat = true

	out, err := toolloop.New(client, newRegistry(t), nil).Run(context.Background(), toolloop.Config{
		Task:     "call ghost forever",
		MaxSteps: 3,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, toolloop.ErrStepLimitExceeded)

	var limitErr *toolloop.StepLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 3, limitErr.MaxSteps)
	assert.Equal(t, []string{"ghost"}, limitErr.LastTools)

	require.NotNil(t, out)
	assert.Equal(t, toolloop.StateFailed, out.State)
	assert.Equal(t, 3, out.Steps)
	assert.Equal(t, 3, client.Calls())
	// system + user + 3 * (assistant + tool result)
	assert.Len(t, out.Messages(), 8)
}

func TestDefaultStepLimit(t *testing.T) {
	client := llm.NewScriptedClient(toolCall("call_1", "ghost", nil))
	client.Repeat = true

	_, err := toolloop.New(client, newRegistry(t), nil).Run(context.Background(), toolloop.Config{Task: "loop"})
	require.ErrorIs(t, err, toolloop.ErrStepLimitExceeded)
	assert.Equal(t, toolloop.DefaultMaxSteps, client.Calls())
}

func TestClientErrorIsTerminal(t *testing.T) {
	clientErr := llmerrors.NewError(llmerrors.ErrorTypeAuthFailure, "invalid api key")
	client := llm.NewScriptedClient(
		toolCall("call_1", "calculator", map[string]any{"op": "add", "a": 1, "b": 1}),
		llm.ScriptedStep{Err: clientErr},
	)

	out, err := toolloop.New(client, newRegistry(t), nil).Run(context.Background(), toolloop.Config{Task: "1+1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, clientErr)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuthFailure))
	assert.NotErrorIs(t, err, toolloop.ErrStepLimitExceeded)

	assert.Equal(t, toolloop.StateFailed, out.State)
	assert.Equal(t, 2, out.Steps)
	assert.Len(t, out.Messages(), 4)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := llm.NewScriptedClient(answer("never"))
	out, err := toolloop.New(client, newRegistry(t), nil).Run(ctx, toolloop.Config{Task: "anything"})
	require.ErrorIs(t, err, toolloop.ErrGracefulShutdown)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, toolloop.StateFailed, out.State)
	assert.Equal(t, 0, client.Calls())
}

func TestInvalidConfig(t *testing.T) {
	loop := toolloop.New(llm.NewScriptedClient(), newRegistry(t), nil)
	out, err := loop.Run(context.Background(), toolloop.Config{})
	require.ErrorIs(t, err, toolloop.ErrInvalidConfig)
	assert.Nil(t, out)

	_, err = toolloop.New(nil, newRegistry(t), nil).Run(context.Background(), toolloop.Config{Task: "x"})
	assert.ErrorIs(t, err, toolloop.ErrInvalidConfig)
}

func TestPolicyShapesRequestsOnly(t *testing.T) {
	steps := make([]llm.ScriptedStep, 0, 6)
	for i := 0; i < 5; i++ {
		steps = append(steps, toolCall(fmt.Sprintf("call_%d", i), "calculator", map[string]any{"op": "add", "a": i, "b": 1}))
	}
	steps = append(steps, answer("finished"))
	client := llm.NewScriptedClient(steps...)

	out, err := toolloop.New(client, newRegistry(t), nil).Run(context.Background(), toolloop.Config{
		Task:   "count",
		Policy: keepLastTurn{},
	})
	require.NoError(t, err)

	// Every request after the first sees only the pinned prefix and the latest turn.
	for i, req := range client.Requests()[1:] {
		require.Len(t, req.Messages, 4, "request %d", i+1)
		require.NoError(t, msg.ValidateMessages(req.Messages))
	}
	// The conversation itself keeps everything.
	assert.Len(t, out.Messages(), 2+5*2+1)
}

// keepLastTurn keeps the system prompt, the task and the newest assistant turn with its results.
type keepLastTurn struct{}

func (keepLastTurn) Shape(messages []msg.ChatMessage) []msg.ChatMessage {
	last := -1
	for i := range messages {
		if messages[i].Role == msg.RoleAssistant {
			last = i
		}
	}
	if last < 2 {
		return messages
	}
	return append(append([]msg.ChatMessage{}, messages[:2]...), messages[last:]...)
}

var _ contextmgr.Policy = keepLastTurn{}

func TestExecutionContextSharedAcrossSteps(t *testing.T) {
	var seen []string
	recorder := tools.NewFuncTool(tools.Definition{Name: "remember", Description: "stores a note"},
		func(_ context.Context, args map[string]any, ec *tools.ExecutionContext) (any, error) {
			if prev, ok := ec.Get("note"); ok {
				seen = append(seen, prev.(string))
			}
			ec.Set("note", args["text"])
			task, _ := ec.Get(tools.ContextKeyOriginalInstruction)
			return fmt.Sprintf("stored for %v", task), nil
		})

	client := llm.NewScriptedClient(
		toolCall("c1", "remember", map[string]any{"text": "first"}),
		toolCall("c2", "remember", map[string]any{"text": "second"}),
		answer("ok"),
	)
	ec := tools.NewExecutionContext()
	out, err := toolloop.New(client, newRegistry(t, recorder), nil).Run(context.Background(), toolloop.Config{
		Task:        "take notes",
		ExecContext: ec,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"first"}, seen)
	note, _ := ec.Get("note")
	assert.Equal(t, "second", note)
	assert.True(t, strings.HasSuffix(out.Messages()[3].Content, "take notes"))
}

func TestConcurrentRunsShareLoop(t *testing.T) {
	client := llm.NewScriptedClient(answer("same answer"))
	client.Repeat = true
	loop := toolloop.New(client, newRegistry(t), nil)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			out, err := loop.Run(context.Background(), toolloop.Config{Task: fmt.Sprintf("task %d", i)})
			if err == nil && out.Messages()[1].Content != fmt.Sprintf("task %d", i) {
				err = errors.New("conversation leaked between runs")
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}
}
