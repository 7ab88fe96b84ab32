package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultModel, cfg.LLM.Model)
	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, DefaultMaxSteps, cfg.Agent.MaxSteps)
	assert.Equal(t, DefaultRequestTimeout, cfg.Agent.RequestTimeout)
	assert.Equal(t, DefaultParallelTools, cfg.Agent.ParallelTools)
	assert.False(t, cfg.LLM.Retry.Enabled)
	require.NoError(t, Validate(&cfg))
}

func TestGetModelProvider(t *testing.T) {
	tests := []struct {
		model    string
		provider string
		wantErr  bool
	}{
		{model: "gpt-oss:20b", provider: ProviderOllama},
		{model: "mistral:7b", provider: ProviderOllama},
		{model: "openai/gpt-4o-mini", provider: ProviderOpenRouter},
		{model: "meta-llama/llama-3-70b", provider: ProviderOpenRouter},
		{model: "claude-opus-4", provider: ProviderAnthropic},
		{model: "gemini-1.5-pro", provider: ProviderGoogle},
		{model: "mystery", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := GetModelProvider(tt.model)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, got)
		})
	}
}

const sampleYAML = `
llm:
  model: openai/gpt-4o-mini
  temperature: 0.2
  retry:
    enabled: true
    max_attempts: 3
agent:
  max_steps: 5
  request_timeout: 45s
mcp:
  servers:
    search:
      kind: python
      module: mcp_server_search
      env:
        API_KEY: ${AGENTFLOW_TEST_SEARCH_KEY}
    remote:
      kind: tcp
      address: 127.0.0.1:7777
      auth_token: secret
  enabled: [search]
`

func TestParseYAML(t *testing.T) {
	t.Setenv("AGENTFLOW_TEST_SEARCH_KEY", "abc123")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenRouter, cfg.LLM.Provider)
	assert.InDelta(t, 0.2, cfg.LLM.Temperature, 1e-9)
	assert.True(t, cfg.LLM.Retry.Enabled)
	assert.Equal(t, 3, cfg.LLM.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Agent.MaxSteps)
	assert.Equal(t, 45*time.Second, cfg.Agent.RequestTimeout)
	assert.Equal(t, "abc123", cfg.MCP.Servers["search"].Env["API_KEY"])

	enabled, err := cfg.MCP.EnabledServers()
	require.NoError(t, err)
	assert.Len(t, enabled, 1)
	assert.Equal(t, ServerKindPython, enabled["search"].Kind)
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"llm": {"model": "claude-sonnet-4-5"}, "agent": {"max_steps": 3}}`))
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, cfg.LLM.Provider)
	assert.Equal(t, 3, cfg.Agent.MaxSteps)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTFLOW_LLM_MODEL", "qwen3:8b")
	t.Setenv("AGENTFLOW_AGENT_MAX_STEPS", "7")
	t.Setenv("AGENTFLOW_AGENT_REQUEST_TIMEOUT", "2m")
	t.Setenv("AGENTFLOW_LLM_RETRY_ENABLED", "true")
	t.Setenv("AGENTFLOW_LOGGING_DEBUG_DOMAINS", "llm, mcp")

	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, "qwen3:8b", cfg.LLM.Model)
	assert.Equal(t, 7, cfg.Agent.MaxSteps)
	assert.Equal(t, 2*time.Minute, cfg.Agent.RequestTimeout)
	assert.True(t, cfg.LLM.Retry.Enabled)
	assert.Equal(t, []string{"llm", "mcp"}, cfg.Logging.DebugDomains)
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("AGENTFLOW_AGENT_MAX_STEPS", "many")
	_, err := LoadOrDefault("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTFLOW_AGENT_MAX_STEPS")
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "unknown provider", doc: "llm: {model: x, provider: acme}", want: "Provider"},
		{name: "uninferable provider", doc: "llm: {model: mystery}", want: "cannot be inferred"},
		{name: "python without module", doc: "mcp: {servers: {a: {kind: python}}}", want: "Module"},
		{name: "tcp without address", doc: "mcp: {servers: {a: {kind: tcp}}}", want: "Address"},
		{name: "enabled but missing", doc: "mcp: {enabled: [ghost]}", want: "ghost"},
		{name: "temperature range", doc: "llm: {model: gemma3:4b, temperature: 3}", want: "Temperature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Agent.MaxSteps = 12
	cfg.MCP.Servers = map[string]MCPServerConfig{
		"fs": {Kind: ServerKindNode, Package: "@modelcontextprotocol/server-filesystem", Args: []string{"/tmp"}},
	}

	for _, name := range []string{"agentflow.yaml", "agentflow.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, Save(path, &cfg))
		loaded, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, cfg, loaded, name)
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.MCP.Servers = map[string]MCPServerConfig{
		"r": {Kind: ServerKindTCP, Address: "127.0.0.1:1", AuthToken: "tok", Env: map[string]string{"K": "v"}},
	}
	red := cfg.Redacted()
	assert.Equal(t, "****", red.MCP.Servers["r"].AuthToken)
	assert.Equal(t, "****", red.MCP.Servers["r"].Env["K"])
	assert.Equal(t, "tok", cfg.MCP.Servers["r"].AuthToken)
	assert.Equal(t, "v", cfg.MCP.Servers["r"].Env["K"])
}

func TestRateLimitConfig(t *testing.T) {
	cfg, err := Parse([]byte("llm:\n  model: qwen3:8b\n  rate_limit:\n    enabled: true\n    tokens_per_minute: 60000\n    max_concurrent: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, RateLimitConfig{Enabled: true, TokensPerMinute: 60000, MaxConcurrent: 2}, cfg.LLM.RateLimit)

	_, err = Parse([]byte("llm:\n  model: qwen3:8b\n  rate_limit:\n    max_concurrent: -1\n"))
	assert.Error(t, err)
}
