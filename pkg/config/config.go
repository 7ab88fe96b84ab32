// Package config holds SystemConfig, the single value that configures an agentflow process,
// together with its loader and the secret store used to resolve provider API keys.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Provider names accepted in LLMConfig.Provider.
const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderGoogle     = "google"
)

// Defaults applied by Default and applyDefaults.
const (
	DefaultModel          = "gpt-oss:20b"
	DefaultMaxSteps       = 10
	DefaultRequestTimeout = 30 * time.Second
	DefaultParallelTools  = 4
	DefaultMaxTokens      = 4096
	DefaultTemperature    = 0.7
	DefaultMCPStartup     = 20 * time.Second
	DefaultMetricsAddr    = "127.0.0.1:9464"
	DefaultStorePath      = ".agentflow/runs.db"
)

// ModelInfo is static information about a model the CLI knows by name.
type ModelInfo struct {
	Provider         string
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels is the model catalog. Unknown models fall back to ProviderPatterns.
//
//nolint:gochecknoglobals // static catalog
var KnownModels = map[string]ModelInfo{
	"gpt-oss:20b": {Provider: ProviderOllama, MaxContextTokens: 131072, MaxOutputTokens: 4096},
	"gemma3:4b":   {Provider: ProviderOllama, MaxContextTokens: 131072, MaxOutputTokens: 4096},
	"qwen3:8b":    {Provider: ProviderOllama, MaxContextTokens: 40960, MaxOutputTokens: 4096},
	"llama3.2:3b": {Provider: ProviderOllama, MaxContextTokens: 131072, MaxOutputTokens: 4096},

	"google/gemini-2.0-flash-001": {Provider: ProviderOpenRouter, MaxContextTokens: 1048576, MaxOutputTokens: 8192},
	"openai/gpt-4o-mini":          {Provider: ProviderOpenRouter, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"anthropic/claude-3.5-haiku":  {Provider: ProviderOpenRouter, MaxContextTokens: 200000, MaxOutputTokens: 8192},

	"claude-sonnet-4-5":         {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-3-5-haiku-20241022": {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},

	"gemini-2.5-flash": {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 8192},
	"gemini-2.0-flash": {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 8192},
}

// ProviderPattern maps a model name prefix to a provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns are checked in order when a model is not in KnownModels.
//
//nolint:gochecknoglobals // static catalog
var ProviderPatterns = []ProviderPattern{
	{Prefix: "claude-", Provider: ProviderAnthropic},
	{Prefix: "gemini-", Provider: ProviderGoogle},
}

// GetModelProvider infers the provider for a model name.
// Names with a vendor prefix ("vendor/model") route through OpenRouter, names with a tag ("model:tag") through Ollama.
func GetModelProvider(model string) (string, error) {
	if info, ok := KnownModels[model]; ok {
		return info.Provider, nil
	}
	for _, p := range ProviderPatterns {
		if strings.HasPrefix(model, p.Prefix) {
			return p.Provider, nil
		}
	}
	switch {
	case strings.Contains(model, "/"):
		return ProviderOpenRouter, nil
	case strings.Contains(model, ":"):
		return ProviderOllama, nil
	}
	return "", fmt.Errorf("cannot infer provider for model %q", model)
}

// LLMConfig selects and tunes the model binding.
type LLMConfig struct {
	Provider       string               `yaml:"provider" json:"provider" validate:"omitempty,oneof=ollama openrouter anthropic google"`
	Model          string               `yaml:"model" json:"model" validate:"required"`
	BaseURL        string               `yaml:"base_url,omitempty" json:"base_url,omitempty" validate:"omitempty,url"`
	APIKeySecret   string               `yaml:"api_key_secret,omitempty" json:"api_key_secret,omitempty"`
	Temperature    float64              `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int                  `yaml:"max_tokens" json:"max_tokens" validate:"gte=1"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
}

// RetryConfig enables the retry middleware. It is off by default so client errors reach the caller unchanged.
type RetryConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=0"`
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor" validate:"gte=0"`
}

// CircuitBreakerConfig enables the circuit breaker middleware.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold" validate:"gte=0"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// RateLimitConfig enables the rate limit middleware. A zero limit leaves that dimension unbounded.
type RateLimitConfig struct {
	Enabled         bool `yaml:"enabled" json:"enabled"`
	TokensPerMinute int  `yaml:"tokens_per_minute" json:"tokens_per_minute" validate:"gte=0"`
	MaxConcurrent   int  `yaml:"max_concurrent" json:"max_concurrent" validate:"gte=0"`
}

// AgentConfig bounds the planning loop.
type AgentConfig struct {
	MaxSteps         int           `yaml:"max_steps" json:"max_steps" validate:"gte=1"`
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout"`
	ParallelTools    int           `yaml:"parallel_tools" json:"parallel_tools" validate:"gte=1"`
	MaxContextTokens int           `yaml:"max_context_tokens" json:"max_context_tokens" validate:"gte=0"`
	SystemPrompt     string        `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
}

// ServerKind tells the MCP manager how to reach a server.
type ServerKind string

const (
	ServerKindPython  ServerKind = "python"
	ServerKindNode    ServerKind = "node"
	ServerKindCommand ServerKind = "command"
	ServerKindTCP     ServerKind = "tcp"
)

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	Kind      ServerKind        `yaml:"kind" json:"kind" validate:"required,oneof=python node command tcp"`
	Module    string            `yaml:"module,omitempty" json:"module,omitempty" validate:"required_if=Kind python"`
	Package   string            `yaml:"package,omitempty" json:"package,omitempty" validate:"required_if=Kind node"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty" validate:"required_if=Kind command"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Address   string            `yaml:"address,omitempty" json:"address,omitempty" validate:"required_if=Kind tcp"`
	AuthToken string            `yaml:"auth_token,omitempty" json:"auth_token,omitempty"`
}

// MCPConfig lists known servers and which of them to start.
type MCPConfig struct {
	Servers        map[string]MCPServerConfig `yaml:"servers,omitempty" json:"servers,omitempty" validate:"dive"`
	Enabled        []string                   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	StartupTimeout time.Duration              `yaml:"startup_timeout" json:"startup_timeout"`
}

// MetricsConfig controls Prometheus collection and the query service.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddr    string `yaml:"listen_addr" json:"listen_addr" validate:"omitempty,hostname_port"`
	PrometheusURL string `yaml:"prometheus_url,omitempty" json:"prometheus_url,omitempty" validate:"omitempty,url"`
}

// StoreConfig controls the run transcript store.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// LoggingConfig mirrors the DEBUG / DEBUG_DOMAINS switches.
type LoggingConfig struct {
	Debug        bool     `yaml:"debug" json:"debug"`
	DebugDomains []string `yaml:"debug_domains,omitempty" json:"debug_domains,omitempty"`
}

// SystemConfig is the full configuration of one agentflow process. It is passed by value; nothing here is global.
type SystemConfig struct {
	LLM     LLMConfig     `yaml:"llm" json:"llm"`
	Agent   AgentConfig   `yaml:"agent" json:"agent"`
	MCP     MCPConfig     `yaml:"mcp" json:"mcp"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// Default returns the configuration used when no file is given: a local Ollama model, no MCP servers.
func Default() SystemConfig {
	cfg := SystemConfig{
		LLM: LLMConfig{Model: DefaultModel},
	}
	applyDefaults(&cfg)
	return cfg
}

// EnabledServers returns the enabled server configs keyed by name. Names without a config are reported as an error.
func (c *MCPConfig) EnabledServers() (map[string]MCPServerConfig, error) {
	out := make(map[string]MCPServerConfig, len(c.Enabled))
	for _, name := range c.Enabled {
		srv, ok := c.Servers[name]
		if !ok {
			return nil, fmt.Errorf("mcp server %q is enabled but not configured", name)
		}
		out[name] = srv
	}
	return out, nil
}

func applyDefaults(cfg *SystemConfig) {
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel
	}
	if cfg.LLM.Provider == "" {
		if p, err := GetModelProvider(cfg.LLM.Model); err == nil {
			cfg.LLM.Provider = p
		}
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = DefaultTemperature
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = DefaultMaxTokens
		if info, ok := KnownModels[cfg.LLM.Model]; ok && info.MaxOutputTokens < DefaultMaxTokens {
			cfg.LLM.MaxTokens = info.MaxOutputTokens
		}
	}

	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = DefaultMaxSteps
	}
	if cfg.Agent.RequestTimeout == 0 {
		cfg.Agent.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Agent.ParallelTools == 0 {
		cfg.Agent.ParallelTools = DefaultParallelTools
	}

	if cfg.MCP.StartupTimeout == 0 {
		cfg.MCP.StartupTimeout = DefaultMCPStartup
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = DefaultMetricsAddr
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath
	}
}
