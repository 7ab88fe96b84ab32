// Package anthropic binds the LLM client contract to the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentflow/pkg/agent/internal/llmimpl/wire"
	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/agent/msg"
	"agentflow/pkg/tools"
)

// APIKeyEnv is the secret name holding the Anthropic key.
const APIKeyEnv = "ANTHROPIC_API_KEY"

// Client talks to one Claude model.
type Client struct {
	client anthropic.Client
	model  string
}

// NewClient creates a binding. baseURL and httpClient are optional.
func NewClient(apiKey, baseURL, model string, httpClient *http.Client) (*Client, error) {
	if apiKey == "" {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeAuthFailure, APIKeyEnv+" is not set")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Client{client: anthropic.NewClient(opts...), model: model}, nil
}

func (c *Client) ModelName() string {
	return c.model
}

//nolint:gocritic // ChatRequest passed by value per the interface
func (c *Client) ChatCompletions(ctx context.Context, in llm.ChatRequest) (llm.ChatResponse, error) {
	system, rest := wire.SplitSystem(in.Messages)
	if len(rest) == 0 {
		return llm.ChatResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadRequest, "at least one non-system message is required")
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		Messages:    convertMessages(rest),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(in.Tools) > 0 {
		params.Tools = convertTools(in.Tools)
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.ChatResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.ChatResponse{}, llmerrors.NewError(llmerrors.ErrorTypeMalformedResponse, "empty response from Anthropic API")
	}

	var (
		text  string
		calls []msg.ToolCallRequest
	)
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			use := block.AsToolUse()
			args := map[string]any{}
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &args); err != nil {
					return llm.ChatResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeMalformedResponse, err,
						fmt.Sprintf("tool_use %s input", use.ID))
				}
			}
			calls = append(calls, msg.ToolCallRequest{ID: use.ID, Name: use.Name, Arguments: args})
		}
	}

	return llm.NormalizeResponse(llm.ChatResponse{
		Content:   text,
		ToolCalls: calls,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}), nil
}

// convertMessages maps the history onto alternating user/assistant turns.
// Tool results travel as tool_result blocks in a user turn; adjacent turns with the same role are merged.
func convertMessages(messages []msg.ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		role := anthropic.MessageParamRoleUser
		var blocks []anthropic.ContentBlockParamUnion

		switch m.Role {
		case msg.RoleAssistant:
			role = anthropic.MessageParamRoleAssistant
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for j := range m.ToolCalls {
				tc := &m.ToolCalls[j]
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
		case msg.RoleTool:
			blocks = append(blocks, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		default:
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func convertTools(defs []tools.Definition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(defs))
	for i := range defs {
		def := &defs[i]
		params := def.Parameters()
		schema := anthropic.ToolInputSchemaParam{
			Properties: params["properties"],
			Required:   def.RequiredParameters(),
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, def.Name)
		if out[i].OfTool != nil && def.Description != "" {
			out[i].OfTool.Description = anthropic.String(def.Description)
		}
	}
	return out
}

func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		errType := llmerrors.TypeForStatus(apiErr.StatusCode)
		// 529 is Anthropic's overloaded status.
		if apiErr.StatusCode == 529 {
			errType = llmerrors.ErrorTypeRateLimited
		}
		return &llmerrors.Error{
			Type:       errType,
			StatusCode: apiErr.StatusCode,
			Err:        err,
			Message:    fmt.Sprintf("Anthropic API error (status %d)", apiErr.StatusCode),
		}
	}
	return llmerrors.Classify(err, "Anthropic")
}
