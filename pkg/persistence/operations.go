package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentflow/pkg/agent/msg"
)

// timeLayout has fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// CreateRun records the start of a run.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	toolsUsed, err := encodeStrings(run.ToolsUsed)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task, model, status, tools_used, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Task, run.Model, run.Status, toolsUsed, run.StartedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stores the outcome of a run and replaces its transcript in one transaction.
func (s *Store) FinishRun(ctx context.Context, run *Run, messages []msg.ChatMessage) error {
	if run.EndedAt == nil {
		now := time.Now()
		run.EndedAt = &now
	}
	toolsUsed, err := encodeStrings(run.ToolsUsed)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, final_text = ?, error = ?, steps = ?, tool_calls = ?,
			tools_used = ?, elapsed_ms = ?, ended_at = ?
		WHERE id = ?`,
		run.Status, run.FinalText, run.Error, run.Steps, run.ToolCalls,
		toolsUsed, run.Elapsed.Milliseconds(), run.EndedAt.UTC().Format(timeLayout), run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}

	if err := insertMessages(ctx, tx, run.ID, messages); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}
	s.logger.Debug("Saved run %s (%s, %d messages)", run.ID, run.Status, len(messages))
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, runID string, messages []msg.ChatMessage) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to clear messages of run %s: %w", runID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (run_id, seq, role, content, tool_calls, tool_call_id, is_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // statement close errors are not actionable

	for i := range messages {
		m := &messages[i]
		var calls sql.NullString
		if len(m.ToolCalls) > 0 {
			raw, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to encode tool calls of message %d: %w", i, err)
			}
			calls = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, runID, i, string(m.Role), m.Content, calls, m.ToolCallID, m.IsError); err != nil {
			return fmt.Errorf("failed to insert message %d of run %s: %w", i, runID, err)
		}
	}
	return nil
}

// GetRun returns one run, or ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+" WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	query := selectRuns
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// GetMessages returns the transcript of a run in order.
func (s *Store) GetMessages(ctx context.Context, runID string) ([]msg.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id, is_error
		FROM messages WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages of run %s: %w", runID, err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var out []msg.ChatMessage
	for rows.Next() {
		var (
			m     msg.ChatMessage
			role  string
			calls sql.NullString
		)
		if err := rows.Scan(&role, &m.Content, &calls, &m.ToolCallID, &m.IsError); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = msg.Role(role)
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

// DeleteRun removes a run and its transcript.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE run_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete messages of run %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of run %s: %w", id, err)
	}
	return nil
}

const selectRuns = `
	SELECT id, task, model, status, final_text, error, steps, tool_calls,
		tools_used, elapsed_ms, started_at, ended_at
	FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run       Run
		toolsUsed string
		elapsedMS int64
		startedAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Task, &run.Model, &run.Status, &run.FinalText, &run.Error,
		&run.Steps, &run.ToolCalls, &toolsUsed, &elapsedMS, &startedAt, &endedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with the run id
	}
	if err := json.Unmarshal([]byte(toolsUsed), &run.ToolsUsed); err != nil {
		return nil, fmt.Errorf("failed to decode tools_used: %w", err)
	}
	run.Elapsed = time.Duration(elapsedMS) * time.Millisecond

	var err error
	if run.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(timeLayout, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		run.EndedAt = &t
	}
	return &run, nil
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(raw), nil
}
