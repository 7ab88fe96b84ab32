package google

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/agent/msg"
	"agentflow/pkg/tools"
)

func TestNewClient(t *testing.T) {
	_, err := NewClient("", "", "gemini-2.5-flash", nil)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuthFailure))

	client, err := NewClient("key", "", "gemini-2.5-flash", nil)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", client.ModelName())
}

func TestConvertMessagesResolvesFunctionNames(t *testing.T) {
	contents := convertMessages([]msg.ChatMessage{
		msg.NewUser("what time is it"),
		msg.NewAssistant("", []msg.ToolCallRequest{{ID: "c1", Name: "current_time", Arguments: map[string]any{}}}),
		msg.NewToolResult(msg.ToolCallResult{CallID: "c1", Content: "2025-01-01T00:00:00Z"}),
		msg.NewUser("thanks"),
	})

	// tool result and follow-up user text share a user turn
	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	require.NotNil(t, contents[1].Parts[0].FunctionCall)

	user := contents[2]
	assert.Equal(t, genai.RoleUser, user.Role)
	require.Len(t, user.Parts, 2)
	fr := user.Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "current_time", fr.Name)
	assert.Equal(t, "c1", fr.ID)
	assert.Equal(t, "2025-01-01T00:00:00Z", fr.Response["output"])
}

func TestConvertMessagesErrorResult(t *testing.T) {
	contents := convertMessages([]msg.ChatMessage{
		msg.NewUser("x"),
		msg.NewAssistant("", []msg.ToolCallRequest{{ID: "c1", Name: "ghost"}}),
		msg.NewToolResult(msg.ToolCallResult{CallID: "c1", Content: "tool not found: 'ghost'", IsError: true}),
	})
	fr := contents[2].Parts[0].FunctionResponse
	assert.Equal(t, "tool not found: 'ghost'", fr.Response["error"])
}

func TestConvertTools(t *testing.T) {
	decls := convertTools([]tools.Definition{{
		Name:        "echo",
		Description: "repeat",
		InputSchema: tools.InputSchema{Type: "object", Properties: map[string]tools.Property{"text": {Type: "string"}}},
	}})
	require.Len(t, decls, 1)
	assert.Equal(t, "echo", decls[0].Name)
	schema, ok := decls[0].ParametersJsonSchema.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "object", schema["type"])
}

func TestConvertFunctionCallsAssignsIDs(t *testing.T) {
	calls := convertFunctionCalls([]*genai.FunctionCall{
		{Name: "echo", Args: map[string]any{"text": "a"}},
		{ID: "given", Name: "echo"},
	})
	require.Len(t, calls, 2)
	assert.Equal(t, "call_0", calls[0].ID)
	assert.Equal(t, "given", calls[1].ID)
}
