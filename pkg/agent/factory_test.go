package agent_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/agent"
	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/agent/msg"
	"agentflow/pkg/config"
)

const ollamaAnswer = `{"model":"qwen3:8b","created_at":"2025-01-01T00:00:00Z","message":{"role":"assistant","content":"4"},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":3}`

// fakeOllama fails the first failures requests with a 500, then answers.
func fakeOllama(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n <= failures {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"model is loading"}` + "\n"))
			return
		}
		_, _ = w.Write([]byte(ollamaAnswer + "\n"))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func ollamaConfig(baseURL string) config.SystemConfig {
	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderOllama
	cfg.LLM.Model = "qwen3:8b"
	cfg.LLM.BaseURL = baseURL
	return cfg
}

func ask(t *testing.T, client llm.LLMClient) (llm.ChatResponse, error) {
	t.Helper()
	return client.ChatCompletions(context.Background(),
		llm.NewChatRequest([]msg.ChatMessage{msg.NewUser("what is 2+2")}, nil))
}

func TestNewLLMClientOllama(t *testing.T) {
	srv, calls := fakeOllama(t, 0)
	cfg := ollamaConfig(srv.URL)

	client, err := agent.NewLLMClient(&cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "qwen3:8b", client.ModelName())

	resp, err := ask(t, client)
	require.NoError(t, err)
	assert.Equal(t, "4", resp.Content)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewLLMClientValidatesHistory(t *testing.T) {
	srv, calls := fakeOllama(t, 0)
	cfg := ollamaConfig(srv.URL)

	client, err := agent.NewLLMClient(&cfg, nil)
	require.NoError(t, err)
	_, err = client.ChatCompletions(context.Background(), llm.NewChatRequest([]msg.ChatMessage{
		msg.NewUser("what is 2+2"),
		msg.NewToolResult(msg.ToolCallResult{CallID: "call_0", Content: "4"}),
	}, nil))
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadRequest), "got %v", err)
	assert.Zero(t, calls.Load())
}

func TestNewLLMClientRateLimit(t *testing.T) {
	srv, calls := fakeOllama(t, 0)
	cfg := ollamaConfig(srv.URL)
	cfg.LLM.RateLimit = config.RateLimitConfig{Enabled: true, MaxConcurrent: 1}

	client, err := agent.NewLLMClient(&cfg, nil)
	require.NoError(t, err)
	for range 3 {
		_, err := ask(t, client)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewLLMClientRetryIsOptIn(t *testing.T) {
	srv, calls := fakeOllama(t, 1)
	cfg := ollamaConfig(srv.URL)

	client, err := agent.NewLLMClient(&cfg, nil)
	require.NoError(t, err)
	_, err = ask(t, client)
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeNetworkFailure), "got %v", err)
	assert.Equal(t, int32(1), calls.Load())

	srv, calls = fakeOllama(t, 2)
	cfg = ollamaConfig(srv.URL)
	cfg.LLM.Retry = config.RetryConfig{Enabled: true, MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	client, err = agent.NewLLMClient(&cfg, nil)
	require.NoError(t, err)
	resp, err := ask(t, client)
	require.NoError(t, err)
	assert.Equal(t, "4", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewLLMClientMissingKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")

	cfg := config.Default()
	cfg.LLM.Model = "openai/gpt-4o-mini"
	cfg.LLM.Provider = config.ProviderOpenRouter

	_, err := agent.NewLLMClient(&cfg, nil)
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuthFailure), "got %v", err)

	secrets := config.NewSecretStore()
	secrets.Set("OPENROUTER_API_KEY", "sk-test")
	client, err := agent.NewLLMClient(&cfg, secrets)
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", client.ModelName())
}

func TestNewLLMClientCustomSecretName(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Model = "claude-sonnet-4-5"
	cfg.LLM.Provider = config.ProviderAnthropic
	cfg.LLM.APIKeySecret = "WORK_ANTHROPIC_KEY"

	secrets := config.NewSecretStore()
	secrets.Set("WORK_ANTHROPIC_KEY", "sk-ant-test")
	client, err := agent.NewLLMClient(&cfg, secrets)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", client.ModelName())
}

func TestAPIKeyName(t *testing.T) {
	tests := []struct {
		cfg  config.LLMConfig
		want string
	}{
		{config.LLMConfig{Provider: config.ProviderOllama}, ""},
		{config.LLMConfig{Provider: config.ProviderOpenRouter}, "OPENROUTER_API_KEY"},
		{config.LLMConfig{Provider: config.ProviderAnthropic}, "ANTHROPIC_API_KEY"},
		{config.LLMConfig{Provider: config.ProviderGoogle}, "GEMINI_API_KEY"},
		{config.LLMConfig{Provider: config.ProviderGoogle, APIKeySecret: "MY_KEY"}, "MY_KEY"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, agent.APIKeyName(&tt.cfg), tt.cfg.Provider)
	}
}

func TestNewBuildsClientFromConfig(t *testing.T) {
	srv, _ := fakeOllama(t, 0)
	sys, err := agent.New(context.Background(), ollamaConfig(srv.URL), nil, nil)
	require.NoError(t, err)
	defer sys.Shutdown(context.Background()) //nolint:errcheck

	got, err := sys.PlanAndExecute(context.Background(), "what is 2+2")
	require.NoError(t, err)
	assert.Equal(t, "4", got)
}
