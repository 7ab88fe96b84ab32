package tools

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Invocation outcomes reported to a Recorder.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
)

// Recorder observes tool invocations.
type Recorder interface {
	ObserveToolCall(tool, backend, outcome string, elapsed time.Duration)
}

// NoopRecorder discards observations.
type NoopRecorder struct{}

func (NoopRecorder) ObserveToolCall(string, string, string, time.Duration) {}

// PrometheusRecorder exports tool invocation counts and latencies.
type PrometheusRecorder struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the tool metrics on reg (prometheus.DefaultRegisterer when nil).
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tool_calls_total",
				Help: "Tool invocations by tool, backend and outcome",
			},
			[]string{"tool", "backend", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_tool_call_duration_seconds",
				Help:    "Tool invocation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool", "backend"},
		),
	}
}

func (p *PrometheusRecorder) ObserveToolCall(tool, backend, outcome string, elapsed time.Duration) {
	p.calls.WithLabelValues(tool, backend, outcome).Inc()
	p.duration.WithLabelValues(tool, backend).Observe(elapsed.Seconds())
}
