// Package llmerrors classifies LLM client failures into the kinds the agent loop and its callers act on.
package llmerrors

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorType is the kind of a client failure.
type ErrorType int8

const (
	// ErrorTypeNetworkFailure covers dial errors, resets, timeouts and 5xx responses.
	ErrorTypeNetworkFailure ErrorType = iota
	// ErrorTypeRateLimited is a provider-reported throttle (429, quota exceeded).
	ErrorTypeRateLimited
	// ErrorTypeAuthFailure is a missing or rejected credential (401/403).
	ErrorTypeAuthFailure
	// ErrorTypeMalformedResponse is a reply that could not be decoded into a ChatResponse.
	ErrorTypeMalformedResponse
	// ErrorTypeBadRequest is a request the provider refused (unknown model, invalid schema).
	ErrorTypeBadRequest
	// ErrorTypeServiceUnavailable is only produced by the retry middleware once attempts run out.
	ErrorTypeServiceUnavailable
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeNetworkFailure:
		return "network_failure"
	case ErrorTypeRateLimited:
		return "rate_limited"
	case ErrorTypeAuthFailure:
		return "auth_failure"
	case ErrorTypeMalformedResponse:
		return "malformed_response"
	case ErrorTypeBadRequest:
		return "bad_request"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// RetryConfig is the backoff profile the retry middleware uses for one error type.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfigs holds per-type backoff defaults. Types missing here are never retried.
//
//nolint:gochecknoglobals // package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeRateLimited: {
		MaxRetries:    6,
		InitialDelay:  1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeNetworkFailure: {
		MaxRetries:    4,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
}

// Error is a classified client failure.
type Error struct {
	Err        error
	Message    string
	Type       ErrorType
	StatusCode int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type, e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a caller-level retry could succeed.
func (e *Error) IsRetryable() bool {
	return e.Type == ErrorTypeNetworkFailure || e.Type == ErrorTypeRateLimited
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type and whether err was classified at all.
func TypeOf(err error) (ErrorType, bool) {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type, true
	}
	return 0, false
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewServiceUnavailableError wraps the last retryable error once retries are exhausted.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d attempts", attempts),
	}
}

// TypeForStatus maps an HTTP status code onto an error type.
func TypeForStatus(status int) ErrorType {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuthFailure
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimited
	case status >= 500:
		return ErrorTypeNetworkFailure
	case status >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeMalformedResponse
	}
}

// Classify converts an arbitrary transport error into a classified Error.
// Already classified errors pass through unchanged.
func Classify(err error, provider string) error {
	if err == nil {
		return nil
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		// Caller abandoned the call; keep the cancellation visible.
		return NewErrorWithCause(ErrorTypeNetworkFailure, err, provider+" request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeNetworkFailure, err, provider+" request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewErrorWithCause(ErrorTypeNetworkFailure, err, provider+" network error")
	}

	text := strings.ToLower(err.Error())
	switch {
	case containsAny(text, "connection refused", "no such host", "connection reset", "eof", "dial tcp", "timeout"):
		return NewErrorWithCause(ErrorTypeNetworkFailure, err, provider+" not reachable")
	case containsAny(text, "rate limit", "too many requests", "quota"):
		return NewErrorWithCause(ErrorTypeRateLimited, err, provider+" rate limited")
	case containsAny(text, "unauthorized", "invalid api key", "authentication", "forbidden"):
		return NewErrorWithCause(ErrorTypeAuthFailure, err, provider+" rejected credentials")
	case containsAny(text, "cannot unmarshal", "invalid character", "unexpected end of json"):
		return NewErrorWithCause(ErrorTypeMalformedResponse, err, provider+" returned an unparseable response")
	default:
		return NewErrorWithCause(ErrorTypeBadRequest, err, provider+" API error")
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// SanitizePrompt shortens a prompt for logs: first and last portions plus a hash of the whole.
func SanitizePrompt(prompt string, maxChars int) string {
	if len(prompt) <= maxChars {
		return prompt
	}
	halfMax := maxChars / 2
	if halfMax < 100 {
		halfMax = 100
	}
	if halfMax*2 >= len(prompt) {
		return prompt
	}

	hash := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%s...[%d chars, hash:%x]...%s",
		prompt[:halfMax], len(prompt), hash[:8], prompt[len(prompt)-halfMax:])
}
