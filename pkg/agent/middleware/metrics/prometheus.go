package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names, shared with the PromQL queries in pkg/metrics.
const (
	RequestsTotalName   = "llm_requests_total"
	TokensTotalName     = "llm_tokens_total"
	RequestDurationName = "llm_request_duration_seconds"
)

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the LLM collectors with reg. A nil reg means the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: RequestsTotalName,
				Help: "Total number of LLM requests by model, task and status",
			},
			[]string{"model", "task_id", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: TokensTotalName,
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "task_id", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    RequestDurationName,
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
	}
}

func (p *PrometheusRecorder) ObserveRequest(obs Observation) {
	status := "success"
	if !obs.Success {
		status = "error"
	}
	p.requestsTotal.WithLabelValues(obs.Model, obs.TaskID, status, obs.ErrorType).Inc()
	if obs.Success {
		p.tokensTotal.WithLabelValues(obs.Model, obs.TaskID, "prompt").Add(float64(obs.PromptTokens))
		p.tokensTotal.WithLabelValues(obs.Model, obs.TaskID, "completion").Add(float64(obs.CompletionTokens))
	}
	p.requestDuration.WithLabelValues(obs.Model).Observe(obs.Duration.Seconds())
}
