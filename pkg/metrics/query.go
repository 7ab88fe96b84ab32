// Package metrics reads per-task usage back from Prometheus.
package metrics

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	llmmetrics "agentflow/pkg/agent/middleware/metrics"
)

// TaskMetrics aggregates the LLM usage of one task.
type TaskMetrics struct {
	TaskID           string `json:"task_id"`
	Model            string `json:"model,omitempty"`
	Requests         int64  `json:"requests"`
	FailedRequests   int64  `json:"failed_requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// ToolUsage aggregates invocations of one tool across all tasks.
type ToolUsage struct {
	Tool   string `json:"tool"`
	Calls  int64  `json:"calls"`
	Errors int64  `json:"errors"`
}

// QueryService runs PromQL queries against a Prometheus server that scrapes agentflow.
type QueryService struct {
	queryAPI v1.API
	now      func() time.Time
}

// NewQueryService creates a query service for the Prometheus server at prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client), now: time.Now}, nil
}

// GetTaskMetrics sums requests and tokens of one task over all models.
func (q *QueryService) GetTaskMetrics(ctx context.Context, taskID string) (*TaskMetrics, error) {
	selector := fmt.Sprintf("task_id=%q", taskID)
	return q.taskMetrics(ctx, taskID, "", selector)
}

// GetTaskMetricsByModel breaks GetTaskMetrics down per model.
func (q *QueryService) GetTaskMetricsByModel(ctx context.Context, taskID string) (map[string]*TaskMetrics, error) {
	vector, err := q.vector(ctx, fmt.Sprintf(`group by (model) (%s{task_id=%q})`, llmmetrics.RequestsTotalName, taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	result := make(map[string]*TaskMetrics, len(vector))
	for _, sample := range vector {
		modelName, ok := sample.Metric["model"]
		if !ok {
			continue
		}
		selector := fmt.Sprintf("task_id=%q, model=%q", taskID, string(modelName))
		m, err := q.taskMetrics(ctx, taskID, string(modelName), selector)
		if err != nil {
			return nil, err
		}
		result[string(modelName)] = m
	}
	return result, nil
}

func (q *QueryService) taskMetrics(ctx context.Context, taskID, modelName, selector string) (*TaskMetrics, error) {
	m := &TaskMetrics{TaskID: taskID, Model: modelName}

	queries := []struct {
		dst   *int64
		name  string
		query string
	}{
		{&m.Requests, "requests", fmt.Sprintf(`sum(%s{%s})`, llmmetrics.RequestsTotalName, selector)},
		{&m.FailedRequests, "failed requests", fmt.Sprintf(`sum(%s{%s, status="error"})`, llmmetrics.RequestsTotalName, selector)},
		{&m.PromptTokens, "prompt tokens", fmt.Sprintf(`sum(%s{%s, type="prompt"})`, llmmetrics.TokensTotalName, selector)},
		{&m.CompletionTokens, "completion tokens", fmt.Sprintf(`sum(%s{%s, type="completion"})`, llmmetrics.TokensTotalName, selector)},
	}
	for _, qq := range queries {
		v, err := q.scalar(ctx, qq.query)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", qq.name, err)
		}
		*qq.dst = v
	}
	m.TotalTokens = m.PromptTokens + m.CompletionTokens
	return m, nil
}

// GetToolUsage returns call and error counts per tool, sorted by tool name.
func (q *QueryService) GetToolUsage(ctx context.Context) ([]ToolUsage, error) {
	calls, err := q.vector(ctx, `sum by (tool) (agent_tool_calls_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	failures, err := q.vector(ctx, `sum by (tool) (agent_tool_calls_total{outcome!="success"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool errors: %w", err)
	}

	byTool := make(map[string]*ToolUsage, len(calls))
	for _, sample := range calls {
		name := string(sample.Metric["tool"])
		byTool[name] = &ToolUsage{Tool: name, Calls: int64(sample.Value)}
	}
	for _, sample := range failures {
		name := string(sample.Metric["tool"])
		if u, ok := byTool[name]; ok {
			u.Errors = int64(sample.Value)
		}
	}

	out := make([]ToolUsage, 0, len(byTool))
	for _, u := range byTool {
		out = append(out, *u)
	}
	slices.SortFunc(out, func(a, b ToolUsage) int { return cmp.Compare(a.Tool, b.Tool) })
	return out, nil
}

func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	result, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return nil, err //nolint:wrapcheck // callers add the query name
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", result.Type())
	}
	return vector, nil
}

// scalar returns the first sample of a sum() query, 0 when the series does not exist.
func (q *QueryService) scalar(ctx context.Context, query string) (int64, error) {
	vector, err := q.vector(ctx, query)
	if err != nil {
		return 0, err
	}
	if len(vector) == 0 {
		return 0, nil
	}
	return int64(vector[0].Value), nil
}
