// Package retry provides caller-side retry with exponential backoff for LLM calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"agentflow/pkg/agent/llmerrors"
)

// Policy decides whether and when a failed call is retried.
type Policy struct {
	// Configs holds the backoff profile per error type; types missing here are not retried.
	Configs map[llmerrors.ErrorType]llmerrors.RetryConfig
	// MaxAttempts caps total attempts across all types when positive.
	MaxAttempts int
}

// NewPolicy builds a policy. A nil configs map uses llmerrors.DefaultRetryConfigs.
func NewPolicy(configs map[llmerrors.ErrorType]llmerrors.RetryConfig, maxAttempts int) *Policy {
	if configs == nil {
		configs = llmerrors.DefaultRetryConfigs
	}
	return &Policy{Configs: configs, MaxAttempts: maxAttempts}
}

// ShouldRetry returns the backoff profile for err, if err is retryable after attempt calls.
func (p *Policy) ShouldRetry(err error, attempt int) (llmerrors.RetryConfig, bool) {
	if err == nil || errors.Is(err, context.Canceled) {
		return llmerrors.RetryConfig{}, false
	}
	errType, ok := llmerrors.TypeOf(err)
	if !ok {
		return llmerrors.RetryConfig{}, false
	}
	cfg, ok := p.Configs[errType]
	if !ok || attempt > cfg.MaxRetries {
		return cfg, false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return cfg, false
	}
	return cfg, true
}

// Retryable reports whether err belongs to a type this policy retries at all.
func (p *Policy) Retryable(err error) bool {
	errType, ok := llmerrors.TypeOf(err)
	if !ok {
		return false
	}
	_, ok = p.Configs[errType]
	return ok
}

// Delay computes the wait before retry number n (1-based).
func Delay(cfg llmerrors.RetryConfig, n int) time.Duration {
	if n < 1 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(factor, float64(n-1)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		// +/-10%
		delay += time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay)) //nolint:gosec // jitter only
	}
	return delay
}
