package persistence

import (
	"errors"
	"time"
)

// ErrRunNotFound is returned when a requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// Run status values.
const (
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// Run is one task executed by the agent.
//
//nolint:govet // fields ordered to match the table
type Run struct {
	ID        string        `json:"id"`
	Task      string        `json:"task"`
	Model     string        `json:"model"`
	Status    string        `json:"status"`
	FinalText string        `json:"final_text,omitempty"`
	Error     string        `json:"error,omitempty"`
	Steps     int           `json:"steps"`
	ToolCalls int           `json:"tool_calls"`
	ToolsUsed []string      `json:"tools_used"`
	Elapsed   time.Duration `json:"elapsed"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status string
	Limit  int
}
