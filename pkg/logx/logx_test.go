package logx

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLogFormat(t *testing.T) {
	buf := captureOutput(t)

	logger := NewLogger("toolloop")
	logger.Info("Test message with %s", "formatting")

	output := buf.String()
	assert.Contains(t, output, "[toolloop]")
	assert.Contains(t, output, "INFO")
	assert.Contains(t, output, "Test message with formatting")
	assert.Contains(t, output, "Z")
}

func TestLevels(t *testing.T) {
	buf := captureOutput(t)
	logger := NewLogger("levels")

	logger.Warn("careful")
	logger.Error("broken")

	assert.Contains(t, buf.String(), "WARN")
	assert.Contains(t, buf.String(), "ERROR")
}

func TestDebugGating(t *testing.T) {
	buf := captureOutput(t)
	t.Cleanup(func() { SetDebugConfig(false) })

	logger := NewLogger("registry")

	SetDebugConfig(false)
	logger.Debug("hidden")
	assert.NotContains(t, buf.String(), "hidden")

	SetDebugConfig(true, "toolloop")
	logger.Debug("filtered out")
	assert.NotContains(t, buf.String(), "filtered out")

	SetDebugConfig(true, "registry")
	logger.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "DEBUG")
}

func TestWithFields(t *testing.T) {
	buf := captureOutput(t)

	logger := NewLogger("agent").With(zap.String("task_id", "t-1"))
	logger.Info("run started")

	assert.Contains(t, buf.String(), `"task_id": "t-1"`)
	assert.Equal(t, "agent", logger.Component())
	assert.Equal(t, "other", logger.WithComponent("other").Component())
}

func TestContextDebug(t *testing.T) {
	buf := captureOutput(t)
	SetDebugConfig(true)
	t.Cleanup(func() { SetDebugConfig(false) })

	ctx := ContextWithTaskID(context.Background(), "abc")
	assert.Equal(t, "abc", TaskIDFromContext(ctx))
	assert.Empty(t, TaskIDFromContext(context.Background()))

	Debug(ctx, "mcp", "frame %d", 3)
	assert.Contains(t, buf.String(), "frame 3")
	assert.Contains(t, buf.String(), "abc")
}

func TestWrapAndErrorf(t *testing.T) {
	captureOutput(t)

	base := errors.New("boom")
	wrapped := Wrap(base, "connect")
	require.Error(t, wrapped)
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "connect: boom", wrapped.Error())
	assert.NoError(t, Wrap(nil, "noop"))

	err := Errorf("setup failed: %w", base)
	assert.ErrorIs(t, err, base)
}
