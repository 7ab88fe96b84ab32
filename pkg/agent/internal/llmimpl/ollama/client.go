// Package ollama binds the LLM client contract to a local Ollama server's /api/chat endpoint.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"agentflow/pkg/agent/internal/llmimpl/wire"
	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/agent/msg"
	"agentflow/pkg/tools"
)

// DefaultHost is used when no host is configured or the configured one does not parse.
const DefaultHost = "http://localhost:11434"

// Client talks to one model on one Ollama server.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// NewClient creates a binding for model on hostURL. httpClient may be nil.
func NewClient(hostURL, model string, httpClient *http.Client) *Client {
	if hostURL == "" {
		hostURL = DefaultHost
	}
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		parsed, _ = url.Parse(DefaultHost)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		client:  api.NewClient(parsed, httpClient),
		model:   model,
		hostURL: parsed.String(),
	}
}

func (o *Client) ModelName() string {
	return o.model
}

// host returns the server URL in use.
func (o *Client) host() string {
	return o.hostURL
}

//nolint:gocritic // ChatRequest passed by value per the interface
func (o *Client) ChatCompletions(ctx context.Context, in llm.ChatRequest) (llm.ChatResponse, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return llm.ChatResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadRequest, err, "message conversion error")
	}
	toolList, err := convertTools(in.Tools)
	if err != nil {
		return llm.ChatResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadRequest, err, "tool schema conversion error")
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Tools:    toolList,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var (
		response api.ChatResponse
		got      bool
	)
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		got = true
		return nil
	})
	if err != nil {
		return llm.ChatResponse{}, classifyError(err, o.host())
	}
	if !got {
		return llm.ChatResponse{}, llmerrors.NewError(llmerrors.ErrorTypeMalformedResponse, "Ollama returned no response body")
	}

	calls, err := convertToolCalls(response.Message.ToolCalls)
	if err != nil {
		return llm.ChatResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeMalformedResponse, err, "unparseable tool call")
	}
	return llm.NormalizeResponse(llm.ChatResponse{
		Content:   response.Message.Content,
		ToolCalls: calls,
		Usage: llm.Usage{
			PromptTokens:     response.Metrics.PromptEvalCount,
			CompletionTokens: response.Metrics.EvalCount,
		},
	}), nil
}

func convertMessages(messages []msg.ChatMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		out := api.Message{
			Role:    string(m.Role),
			Content: m.Content,
		}
		if m.Role == msg.RoleTool {
			out.ToolCallID = m.ToolCallID
		}
		for j := range m.ToolCalls {
			tc := &m.ToolCalls[j]
			call := api.ToolCall{ID: tc.ID}
			call.Function.Name = tc.Name
			if err := wire.Convert(tc.Arguments, &call.Function.Arguments); err != nil {
				return nil, fmt.Errorf("tool call %s: %w", tc.ID, err)
			}
			out.ToolCalls = append(out.ToolCalls, call)
		}
		result = append(result, out)
	}
	return result, nil
}

func convertTools(defs []tools.Definition) (api.Tools, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make(api.Tools, len(defs))
	for i := range defs {
		def := &defs[i]
		out[i].Type = "function"
		fn := map[string]any{
			"name":        def.Name,
			"description": def.Description,
			"parameters":  def.Parameters(),
		}
		if err := wire.Convert(fn, &out[i].Function); err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
	}
	return out, nil
}

func convertToolCalls(calls []api.ToolCall) ([]msg.ToolCallRequest, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	result := make([]msg.ToolCallRequest, len(calls))
	for i := range calls {
		call := &calls[i]
		args := map[string]any{}
		if err := wire.Convert(call.Function.Arguments, &args); err != nil {
			return nil, err
		}
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		result[i] = msg.ToolCallRequest{ID: id, Name: call.Function.Name, Arguments: args}
	}
	return result, nil
}

func classifyError(err error, host string) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		detail := statusErr.ErrorMessage
		if detail == "" {
			detail = statusErr.Status
		}
		errType := llmerrors.TypeForStatus(statusErr.StatusCode)
		if strings.Contains(detail, "model") && strings.Contains(detail, "not found") {
			errType = llmerrors.ErrorTypeBadRequest
		}
		return &llmerrors.Error{
			Type:       errType,
			StatusCode: statusErr.StatusCode,
			Err:        err,
			Message:    fmt.Sprintf("Ollama API error: %s", detail),
		}
	}
	return llmerrors.Classify(err, "Ollama at "+host)
}
