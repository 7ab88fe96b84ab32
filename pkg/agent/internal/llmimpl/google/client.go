// Package google binds the LLM client contract to the Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"google.golang.org/genai"

	"agentflow/pkg/agent/internal/llmimpl/wire"
	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/agent/msg"
	"agentflow/pkg/tools"
)

// APIKeyEnv is the secret name holding the Gemini key.
const APIKeyEnv = "GEMINI_API_KEY"

// Client talks to one Gemini model. The SDK client needs a context, so it is created on first use.
type Client struct {
	httpClient *http.Client
	client     *genai.Client
	apiKey     string
	baseURL    string
	model      string
	mu         sync.Mutex
}

// NewClient creates a binding. baseURL and httpClient are optional.
func NewClient(apiKey, baseURL, model string, httpClient *http.Client) (*Client, error) {
	if apiKey == "" {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeAuthFailure, APIKeyEnv+" is not set")
	}
	return &Client{apiKey: apiKey, baseURL: baseURL, model: model, httpClient: httpClient}, nil
}

func (g *Client) ModelName() string {
	return g.model
}

func (g *Client) sdk(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:     g.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.httpClient,
	}
	if g.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuthFailure, err, "failed to create Gemini client")
	}
	g.client = client
	return client, nil
}

//nolint:gocritic // ChatRequest passed by value per the interface
func (g *Client) ChatCompletions(ctx context.Context, in llm.ChatRequest) (llm.ChatResponse, error) {
	system, rest := wire.SplitSystem(in.Messages)
	if len(rest) == 0 {
		return llm.ChatResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadRequest, "at least one non-system message is required")
	}
	client, err := g.sdk(ctx)
	if err != nil {
		return llm.ChatResponse{}, err
	}

	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature: &temperature,
		//nolint:gosec // bounded by configuration validation
		MaxOutputTokens: int32(in.MaxTokens),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertTools(in.Tools)}}
	}

	result, err := client.Models.GenerateContent(ctx, g.model, convertMessages(rest), config)
	if err != nil {
		return llm.ChatResponse{}, classifyError(err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return llm.ChatResponse{}, llmerrors.NewError(llmerrors.ErrorTypeMalformedResponse, "empty response from Gemini API")
	}

	resp := llm.ChatResponse{
		Content:   result.Text(),
		ToolCalls: convertFunctionCalls(result.FunctionCalls()),
	}
	if result.UsageMetadata != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	return llm.NormalizeResponse(resp), nil
}

// convertMessages maps history onto Gemini contents. Function responses carry the
// function name, which is recovered from the assistant turn that issued the call.
func convertMessages(messages []msg.ChatMessage) []*genai.Content {
	names := make(map[string]string)
	contents := make([]*genai.Content, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		var (
			role  = genai.RoleUser
			parts []*genai.Part
		)
		switch m.Role {
		case msg.RoleAssistant:
			role = genai.RoleModel
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for j := range m.ToolCalls {
				tc := &m.ToolCalls[j]
				names[tc.ID] = tc.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}})
			}
		case msg.RoleTool:
			name := names[m.ToolCallID]
			if name == "" {
				name = m.ToolCallID
			}
			response := map[string]any{"output": m.Content}
			if m.IsError {
				response = map[string]any{"error": m.Content}
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{ID: m.ToolCallID, Name: name, Response: response}})
		default:
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func convertTools(defs []tools.Definition) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]
		out[i] = &genai.FunctionDeclaration{
			Name:                 def.Name,
			Description:          def.Description,
			ParametersJsonSchema: def.Parameters(),
		}
	}
	return out
}

func convertFunctionCalls(calls []*genai.FunctionCall) []msg.ToolCallRequest {
	if len(calls) == 0 {
		return nil
	}
	out := make([]msg.ToolCallRequest, 0, len(calls))
	for i, call := range calls {
		if call == nil {
			continue
		}
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out = append(out, msg.ToolCallRequest{ID: id, Name: call.Name, Arguments: call.Args})
	}
	return out
}

func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llmerrors.Error{
			Type:       llmerrors.TypeForStatus(apiErr.Code),
			StatusCode: apiErr.Code,
			Err:        err,
			Message:    fmt.Sprintf("Gemini API error: %s", apiErr.Message),
		}
	}
	return llmerrors.Classify(err, "Gemini")
}
