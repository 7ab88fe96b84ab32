package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetArgs struct {
	Name  string `json:"name" jsonschema:"description=Who to greet" validate:"required"`
	Times int    `json:"times,omitempty" validate:"gte=0,lte=3"`
}

func newGreeter(t *testing.T) *TypedTool[greetArgs] {
	t.Helper()
	tool, err := NewTypedTool("greet", "Greets someone",
		func(_ context.Context, args greetArgs, _ *ExecutionContext) (any, error) {
			out := ""
			for i := 0; i <= args.Times; i++ {
				out += "hi " + args.Name + ";"
			}
			return out, nil
		})
	require.NoError(t, err)
	return tool
}

func TestTypedToolSchema(t *testing.T) {
	def := newGreeter(t).Definition()
	assert.Equal(t, "greet", def.Name)

	params := def.Parameters()
	assert.Equal(t, "object", params["type"])
	props, ok := params["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "name")
	assert.Contains(t, props, "times")
	assert.NotContains(t, params, "$schema")

	assert.Equal(t, []string{"name"}, def.RequiredParameters())
}

func TestTypedToolExecute(t *testing.T) {
	tool := newGreeter(t)

	out, err := tool.Execute(context.Background(), map[string]any{"name": "ada", "times": 1}, NewExecutionContext())
	require.NoError(t, err)
	assert.Equal(t, "hi ada;hi ada;", out)

	_, err = tool.Execute(context.Background(), map[string]any{"times": 1}, nil)
	assert.ErrorContains(t, err, "invalid arguments")

	_, err = tool.Execute(context.Background(), map[string]any{"name": "ada", "times": 9}, nil)
	assert.ErrorContains(t, err, "invalid arguments")

	_, err = tool.Execute(context.Background(), map[string]any{"name": 12}, nil)
	assert.ErrorContains(t, err, "invalid arguments")
}

func TestDefinitionParametersFallback(t *testing.T) {
	def := Definition{
		Name: "plain",
		InputSchema: InputSchema{
			Properties: map[string]Property{"q": {Type: "string"}},
			Required:   []string{"q"},
		},
	}
	params := def.Parameters()
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []string{"q"}, def.RequiredParameters())

	fn := def.FunctionSchema()
	assert.Equal(t, "function", fn["type"])
	inner, ok := fn["function"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "plain", inner["name"])

	empty := Definition{Name: "empty"}
	assert.Equal(t, map[string]any{}, empty.Parameters()["properties"])

	raw := Definition{Name: "raw", RawSchema: []byte(`{"properties":{"x":{"type":"number"}}}`)}
	assert.Equal(t, "object", raw.Parameters()["type"])
}

func TestDefinitionValidate(t *testing.T) {
	assert.Error(t, (&Definition{}).Validate())
	assert.Error(t, (&Definition{Name: "x", InputSchema: InputSchema{Type: "array"}}).Validate())
	assert.NoError(t, (&Definition{Name: "x"}).Validate())
}

func TestExecutionContext(t *testing.T) {
	ec := NewExecutionContext()
	ec.Set("k", 1)
	v, ok := ec.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	snap := ec.Snapshot()
	snap["k"] = 2
	v, _ = ec.Get("k")
	assert.Equal(t, 1, v)

	var nilCtx *ExecutionContext
	_, ok = nilCtx.Get("k")
	assert.False(t, ok)
	assert.Empty(t, nilCtx.Snapshot())
}
