// Package tools provides the tool registry: one invocation contract over local functions and remote MCP tools.
package tools

import (
	"encoding/json"
	"fmt"

	"agentflow/pkg/utils"
)

// Property describes one argument in a tool's input schema.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
}

// InputSchema is the JSON schema of a tool's arguments object.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Definition is the schema advertised to the model for one tool.
// Remote tools keep the server's schema verbatim in RawSchema.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema InputSchema     `json:"input_schema"`
	RawSchema   json.RawMessage `json:"-"`
}

// Parameters returns the argument schema as a generic JSON object, the shape every provider accepts.
func (d *Definition) Parameters() map[string]any {
	if len(d.RawSchema) > 0 {
		var out map[string]any
		if err := json.Unmarshal(d.RawSchema, &out); err == nil && out != nil {
			if _, ok := out["type"]; !ok {
				out["type"] = "object"
			}
			return out
		}
	}

	schema := d.InputSchema
	if schema.Type == "" {
		schema.Type = "object"
	}
	if schema.Properties == nil {
		schema.Properties = map[string]Property{}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

// RequiredParameters lists required argument names from whichever schema form is set.
func (d *Definition) RequiredParameters() []string {
	raw := utils.GetMapFieldOr[[]any](d.Parameters(), "required", nil)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := utils.SafeAssert[string](r); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// FunctionSchema renders the definition in the {"type":"function","function":{...}} envelope.
func (d *Definition) FunctionSchema() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.Parameters(),
		},
	}
}

// Validate checks the parts of a definition the registry relies on.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if d.InputSchema.Type != "" && d.InputSchema.Type != "object" {
		return fmt.Errorf("tool %s: input schema type must be object, got %q", d.Name, d.InputSchema.Type)
	}
	return nil
}
