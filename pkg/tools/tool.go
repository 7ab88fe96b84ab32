package tools

import (
	"context"
	"maps"
	"sync"
)

// LocalTool is an in-process capability. Execute must be safe to call from several goroutines.
// Returned values that are not strings are JSON encoded before the model sees them.
type LocalTool interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]any, ec *ExecutionContext) (any, error)
}

// ExecutionContext is a per-task key/value bag shared by the tools of one run.
type ExecutionContext struct {
	mu   sync.RWMutex
	data map[string]any
}

// Well-known ExecutionContext keys.
const (
	ContextKeyOriginalInstruction = "original_instruction"
	ContextKeyTaskID              = "task_id"
)

func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{data: make(map[string]any)}
}

func (c *ExecutionContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *ExecutionContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Snapshot returns a copy of all entries.
func (c *ExecutionContext) Snapshot() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.data)
}

// FuncTool adapts a plain function into a LocalTool.
type FuncTool struct {
	def Definition
	fn  func(ctx context.Context, args map[string]any, ec *ExecutionContext) (any, error)
}

func NewFuncTool(def Definition, fn func(ctx context.Context, args map[string]any, ec *ExecutionContext) (any, error)) *FuncTool {
	return &FuncTool{def: def, fn: fn}
}

func (f *FuncTool) Definition() Definition {
	return f.def
}

func (f *FuncTool) Execute(ctx context.Context, args map[string]any, ec *ExecutionContext) (any, error) {
	return f.fn(ctx, args, ec)
}
