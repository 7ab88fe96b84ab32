package agent

import (
	"errors"
	"fmt"
	"net/http"

	"agentflow/pkg/agent/internal/llmimpl/anthropic"
	"agentflow/pkg/agent/internal/llmimpl/google"
	"agentflow/pkg/agent/internal/llmimpl/ollama"
	"agentflow/pkg/agent/internal/llmimpl/openrouter"
	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/llmerrors"
	"agentflow/pkg/agent/middleware/logging"
	"agentflow/pkg/agent/middleware/metrics"
	"agentflow/pkg/agent/middleware/resilience/circuit"
	"agentflow/pkg/agent/middleware/resilience/ratelimit"
	"agentflow/pkg/agent/middleware/resilience/retry"
	"agentflow/pkg/agent/middleware/resilience/timeout"
	"agentflow/pkg/agent/middleware/validation"
	"agentflow/pkg/config"
	"agentflow/pkg/limiter"
	"agentflow/pkg/logx"
)

// ClientOption customizes NewLLMClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	recorder   metrics.Recorder
	logger     *logx.Logger
}

// WithHTTPClient sets the HTTP client used by the provider binding.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithMetricsRecorder adds the metrics middleware with recorder.
func WithMetricsRecorder(r metrics.Recorder) ClientOption {
	return func(o *clientOptions) { o.recorder = r }
}

// WithClientLogger sets the logger of the middleware chain.
func WithClientLogger(l *logx.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// APIKeyName returns the secret that holds the API key for cfg: the configured secret name,
// else the provider's conventional environment variable. Ollama needs none.
func APIKeyName(cfg *config.LLMConfig) string {
	if cfg.APIKeySecret != "" {
		return cfg.APIKeySecret
	}
	switch cfg.Provider {
	case config.ProviderOpenRouter:
		return openrouter.APIKeyEnv
	case config.ProviderAnthropic:
		return anthropic.APIKeyEnv
	case config.ProviderGoogle:
		return google.APIKeyEnv
	default:
		return ""
	}
}

// NewLLMClient builds the provider binding for cfg.LLM and wraps it in the middleware chain:
//
//	logging -> metrics -> validation -> circuit breaker -> retry -> rate limit -> timeout -> provider
//
// Validation and the timeout are always applied. Retry, circuit breaker, rate limit and metrics are opt-in.
// A nil secrets store falls back to environment variables.
func NewLLMClient(cfg *config.SystemConfig, secrets *config.SecretStore, opts ...ClientOption) (llm.LLMClient, error) {
	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logx.NewLogger("llm")
	}
	if secrets == nil {
		secrets = config.NewSecretStore()
	}

	raw, err := newProviderClient(&cfg.LLM, secrets, o.httpClient)
	if err != nil {
		return nil, err
	}

	var (
		metricsMW llm.Middleware
		circuitMW llm.Middleware
		retryMW   llm.Middleware
		limitMW   llm.Middleware
	)
	if o.recorder != nil {
		metricsMW = metrics.Middleware(o.recorder, nil, o.logger)
	}
	if cb := cfg.LLM.CircuitBreaker; cb.Enabled {
		breakerCfg := circuit.DefaultConfig
		if cb.FailureThreshold > 0 {
			breakerCfg.FailureThreshold = cb.FailureThreshold
		}
		if cb.SuccessThreshold > 0 {
			breakerCfg.SuccessThreshold = cb.SuccessThreshold
		}
		if cb.Timeout > 0 {
			breakerCfg.Timeout = cb.Timeout
		}
		circuitMW = circuit.Middleware(circuit.New(breakerCfg))
	}
	if cfg.LLM.Retry.Enabled {
		retryMW = retry.Middleware(retry.NewPolicy(retryConfigs(&cfg.LLM.Retry), cfg.LLM.Retry.MaxAttempts), o.logger)
	}

	if rl := cfg.LLM.RateLimit; rl.Enabled {
		limitMW = ratelimit.Middleware(limiter.New(cfg.LLM.Model, rl.TokensPerMinute, rl.MaxConcurrent), nil, o.logger)
	}

	o.logger.Info("Using %s model %s (timeout %s, retry %t, circuit breaker %t)", cfg.LLM.Provider, cfg.LLM.Model,
		cfg.Agent.RequestTimeout, cfg.LLM.Retry.Enabled, cfg.LLM.CircuitBreaker.Enabled)
	return llm.Chain(raw,
		logging.Middleware(o.logger),
		metricsMW,
		validation.Middleware(),
		circuitMW,
		retryMW,
		limitMW,
		timeout.Middleware(cfg.Agent.RequestTimeout),
	), nil
}

func newProviderClient(cfg *config.LLMConfig, secrets *config.SecretStore, httpClient *http.Client) (llm.LLMClient, error) {
	provider := cfg.Provider
	if provider == "" {
		p, err := config.GetModelProvider(cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to determine provider for model %s: %w", cfg.Model, err)
		}
		provider = p
	}

	apiKey := ""
	if provider != config.ProviderOllama {
		lookup := *cfg
		lookup.Provider = provider
		key, err := secrets.Get(APIKeyName(&lookup))
		if err != nil && !errors.Is(err, config.ErrSecretNotFound) {
			return nil, fmt.Errorf("failed to read API key: %w", err)
		}
		apiKey = key
	}

	switch provider {
	case config.ProviderOllama:
		return ollama.NewClient(cfg.BaseURL, cfg.Model, httpClient), nil
	case config.ProviderOpenRouter:
		return openrouter.NewClient(apiKey, cfg.BaseURL, cfg.Model, httpClient)
	case config.ProviderAnthropic:
		return anthropic.NewClient(apiKey, cfg.BaseURL, cfg.Model, httpClient)
	case config.ProviderGoogle:
		return google.NewClient(apiKey, cfg.BaseURL, cfg.Model, httpClient)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// retryConfigs applies the configured backoff to the retryable error types.
func retryConfigs(rc *config.RetryConfig) map[llmerrors.ErrorType]llmerrors.RetryConfig {
	out := make(map[llmerrors.ErrorType]llmerrors.RetryConfig, len(llmerrors.DefaultRetryConfigs))
	for errType, def := range llmerrors.DefaultRetryConfigs {
		if rc.MaxAttempts > 0 {
			def.MaxRetries = rc.MaxAttempts - 1
		}
		if rc.InitialDelay > 0 {
			def.InitialDelay = rc.InitialDelay
		}
		if rc.MaxDelay > 0 {
			def.MaxDelay = rc.MaxDelay
		}
		if rc.BackoffFactor > 0 {
			def.BackoffFactor = rc.BackoffFactor
		}
		out[errType] = def
	}
	return out
}
