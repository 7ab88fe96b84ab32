package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/agent/msg"
)

func respond(resp llm.ChatResponse) (llm.LLMClient, *int) {
	calls := 0
	return llm.WrapClient(func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
		calls++
		return resp, nil
	}, func() string { return "m" }), &calls
}

func TestOrphanToolResultIsBadRequest(t *testing.T) {
	base, calls := respond(llm.ChatResponse{Content: "ok"})
	client := llm.Chain(base, Middleware())

	req := llm.NewChatRequest([]msg.ChatMessage{
		msg.NewUser("hi"),
		msg.NewToolResult(msg.ToolCallResult{CallID: "call_9", Content: "4"}),
	}, nil)
	_, err := client.ChatCompletions(context.Background(), req)
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadRequest))
	assert.ErrorIs(t, err, msg.ErrOrphanResult)
	assert.Zero(t, *calls)
}

func TestRepeatedCallIDIsMalformed(t *testing.T) {
	base, _ := respond(llm.ChatResponse{ToolCalls: []msg.ToolCallRequest{
		{ID: "call_1", Name: "calculator"},
		{ID: "call_1", Name: "calculator"},
	}})
	client := llm.Chain(base, Middleware())

	_, err := client.ChatCompletions(context.Background(), llm.NewChatRequest([]msg.ChatMessage{msg.NewUser("hi")}, nil))
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeMalformedResponse))
}

func TestValidTurnPassesThrough(t *testing.T) {
	want := llm.ChatResponse{Content: "4", FinishReason: llm.FinishStop}
	base, calls := respond(want)
	client := llm.Chain(base, Middleware())

	got, err := client.ChatCompletions(context.Background(), llm.NewChatRequest([]msg.ChatMessage{msg.NewUser("2+2")}, nil))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, *calls)
}

func TestValidateToolCalls(t *testing.T) {
	tests := []struct {
		name  string
		calls []msg.ToolCallRequest
		ok    bool
	}{
		{"none", nil, true},
		{"distinct", []msg.ToolCallRequest{{ID: "a", Name: "x"}, {ID: "b", Name: "x"}}, true},
		{"missing name", []msg.ToolCallRequest{{ID: "a"}}, false},
		{"missing id", []msg.ToolCallRequest{{Name: "x"}}, false},
		{"repeated id", []msg.ToolCallRequest{{ID: "a", Name: "x"}, {ID: "a", Name: "y"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateToolCalls(tt.calls)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
