// Package metrics records request counts, token usage and latency of LLM calls.
package metrics

import "time"

// Observation is one finished LLM call.
type Observation struct {
	Model            string
	TaskID           string
	ErrorType        string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
	Success          bool
}

// Recorder receives observations.
type Recorder interface {
	ObserveRequest(obs Observation)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveRequest(Observation) {}
