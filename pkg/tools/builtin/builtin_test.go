package builtin

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/agent/msg"
	"agentflow/pkg/tools"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		op      string
		a, b    float64
		want    float64
		wantErr bool
	}{
		{"add", 2, 2, 4, false},
		{"subtract", 5, 7, -2, false},
		{"multiply", 3, 1.5, 4.5, false},
		{"divide", 9, 3, 3, false},
		{"divide", 1, 0, 0, true},
		{"modulo", 1, 1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			got, err := Calculate(tt.op, tt.a, tt.b)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "4", FormatNumber(4))
	assert.Equal(t, "4.5", FormatNumber(4.5))
	assert.Equal(t, "-2", FormatNumber(-2))
	assert.Equal(t, "+Inf", FormatNumber(math.Inf(1)))
}

func TestCalculatorThroughRegistry(t *testing.T) {
	r, err := tools.NewRegistry(Defaults(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"calculator", "echo", "current_time", "task_info"}, r.Names())

	res := r.Invoke(context.Background(), msg.ToolCallRequest{
		ID:        "c1",
		Name:      "calculator",
		Arguments: map[string]any{"op": "add", "a": 2, "b": 2},
	}, nil)
	assert.False(t, res.IsError)
	assert.Equal(t, "4", res.Content)

	res = r.Invoke(context.Background(), msg.ToolCallRequest{
		ID:        "c2",
		Name:      "calculator",
		Arguments: map[string]any{"op": "pow", "a": 2, "b": 2},
	}, nil)
	assert.True(t, res.IsError)

	def, ok := r.Lookup("calculator")
	require.True(t, ok)
	props, ok := def.Parameters()["properties"].(map[string]any)
	require.True(t, ok)
	op, ok := props["op"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"add", "subtract", "multiply", "divide"}, op["enum"])
	assert.ElementsMatch(t, []string{"op", "a", "b"}, def.RequiredParameters())
}

func TestCalculatorRequiresBothOperands(t *testing.T) {
	calc := NewCalculator()

	_, err := calc.Execute(context.Background(), map[string]any{"op": "add", "a": 2}, nil)
	assert.ErrorContains(t, err, "invalid arguments")

	out, err := calc.Execute(context.Background(), map[string]any{"op": "add", "a": 2, "b": 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", out)
}

func TestEchoAndClock(t *testing.T) {
	out, err := NewEcho().Execute(context.Background(), map[string]any{"text": "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = NewEcho().Execute(context.Background(), map[string]any{}, nil)
	assert.Error(t, err)

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewClock(func() time.Time { return fixed })
	out, err = clock.Execute(context.Background(), map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01T12:00:00Z", out)

	_, err = clock.Execute(context.Background(), map[string]any{"timezone": "Not/AZone"}, nil)
	assert.Error(t, err)
}

func TestTaskInfo(t *testing.T) {
	ec := tools.NewExecutionContext()
	ec.Set(tools.ContextKeyOriginalInstruction, "add numbers")
	ec.Set(tools.ContextKeyTaskID, "t-1")

	out, err := NewTaskInfo().Execute(context.Background(), nil, ec)
	require.NoError(t, err)
	info, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "add numbers", info[tools.ContextKeyOriginalInstruction])
	assert.Equal(t, "t-1", info[tools.ContextKeyTaskID])

	ec.Set("last_result", "42")
	out, err = NewTaskInfo().Execute(context.Background(), nil, ec)
	require.NoError(t, err)
	assert.Equal(t, "42", out.(map[string]any)["last_result"])

	out, err = NewTaskInfo().Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "", out.(map[string]any)[tools.ContextKeyTaskID])
}
