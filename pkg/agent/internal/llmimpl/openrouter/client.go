// Package openrouter binds the LLM client contract to OpenRouter's OpenAI-compatible chat completions API.
package openrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"agentflow/pkg/agent/internal/llmimpl/wire"
	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/agent/msg"
	"agentflow/pkg/tools"
)

// DefaultBaseURL is OpenRouter's API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// APIKeyEnv is the secret name holding the OpenRouter key.
const APIKeyEnv = "OPENROUTER_API_KEY"

// Client talks to one OpenRouter model.
type Client struct {
	client openai.Client
	model  string
}

// NewClient creates a binding. An empty apiKey is an auth failure; an empty baseURL means DefaultBaseURL.
func NewClient(apiKey, baseURL, model string, httpClient *http.Client) (*Client, error) {
	if apiKey == "" {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeAuthFailure, APIKeyEnv+" is not set")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHeader("X-Title", "agentflow"),
		// Retries are a caller decision (see the retry middleware).
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Client{client: openai.NewClient(opts...), model: model}, nil
}

func (c *Client) ModelName() string {
	return c.model
}

//nolint:gocritic // ChatRequest passed by value per the interface
func (c *Client) ChatCompletions(ctx context.Context, in llm.ChatRequest) (llm.ChatResponse, error) {
	if len(in.Messages) == 0 {
		return llm.ChatResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadRequest, "message list cannot be empty")
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    convertMessages(in.Messages),
		Temperature: openai.Float(float64(in.Temperature)),
	}
	if in.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(in.MaxTokens))
	}
	if len(in.Tools) > 0 {
		params.Tools = convertTools(in.Tools)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.ChatResponse{}, classifyError(err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return llm.ChatResponse{}, llmerrors.NewError(llmerrors.ErrorTypeMalformedResponse, "OpenRouter returned no choices")
	}

	choice := completion.Choices[0]
	calls := make([]msg.ToolCallRequest, 0, len(choice.Message.ToolCalls))
	for i := range choice.Message.ToolCalls {
		tc := &choice.Message.ToolCalls[i]
		args, err := wire.DecodeArguments(tc.Function.Arguments)
		if err != nil {
			return llm.ChatResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeMalformedResponse, err,
				fmt.Sprintf("tool call %s (%s)", tc.ID, tc.Function.Name))
		}
		calls = append(calls, msg.ToolCallRequest{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	return llm.NormalizeResponse(llm.ChatResponse{
		Content:   choice.Message.Content,
		ToolCalls: calls,
		Usage: llm.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		},
	}), nil
}

func convertMessages(messages []msg.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case msg.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case msg.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for j := range m.ToolCalls {
				tc := &m.ToolCalls[j]
				calls[j] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: wire.EncodeArguments(tc.Arguments),
					},
				}
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{Role: "assistant", ToolCalls: calls}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case msg.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func convertTools(defs []tools.Definition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(defs))
	for i := range defs {
		def := &defs[i]
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(def.Parameters()),
			},
		}
	}
	return out
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &llmerrors.Error{
			Type:       llmerrors.TypeForStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        err,
			Message:    fmt.Sprintf("OpenRouter API error (status %d)", apiErr.StatusCode),
		}
	}
	return llmerrors.Classify(err, "OpenRouter")
}
