package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/agent/msg"
	"agentflow/pkg/workerpool"
)

func staticTool(name, output string) LocalTool {
	return NewFuncTool(Definition{Name: name, Description: name + " tool"},
		func(context.Context, map[string]any, *ExecutionContext) (any, error) {
			return output, nil
		})
}

type fakeCaller struct {
	mu     sync.Mutex
	calls  []string
	result RemoteResult
	err    error
}

func (f *fakeCaller) CallTool(_ context.Context, name string, _ map[string]any) (RemoteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.result, f.err
}

func TestDuplicateLocalNamesFail(t *testing.T) {
	for i := 0; i < 3; i++ {
		_, err := NewRegistry([]LocalTool{staticTool("dup", "a"), staticTool("dup", "b")}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateTool)
	}
}

func TestRegistryRejectsInvalidTools(t *testing.T) {
	_, err := NewRegistry([]LocalTool{nil}, nil)
	assert.Error(t, err)

	_, err = NewRegistry([]LocalTool{staticTool("", "x")}, nil)
	assert.Error(t, err)

	_, err = NewRegistry(nil, []RemoteTool{{Server: "s", Definition: Definition{Name: "x"}}})
	assert.Error(t, err)
}

func TestRemoteCollisionIsNamespaced(t *testing.T) {
	caller := &fakeCaller{result: RemoteResult{Content: "remote"}}
	r, err := NewRegistry(
		[]LocalTool{staticTool("search", "local")},
		[]RemoteTool{
			{Server: "web", Caller: caller, Definition: Definition{Name: "search"}},
			{Server: "web", Caller: caller, Definition: Definition{Name: "fetch"}},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"search", "web::search", "fetch"}, r.Names())

	res := r.Invoke(context.Background(), msg.ToolCallRequest{ID: "1", Name: "web::search"}, nil)
	assert.False(t, res.IsError)
	assert.Equal(t, "remote", res.Content)
	// The server sees its own tool name.
	assert.Equal(t, []string{"search"}, caller.calls)

	res = r.Invoke(context.Background(), msg.ToolCallRequest{ID: "2", Name: "search"}, nil)
	assert.Equal(t, "local", res.Content)
}

func TestRemoteCollisionAfterNamespacingFails(t *testing.T) {
	caller := &fakeCaller{}
	_, err := NewRegistry(
		[]LocalTool{staticTool("search", "a"), staticTool("web::search", "b")},
		[]RemoteTool{{Server: "web", Caller: caller, Definition: Definition{Name: "search"}}},
	)
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestInvokeUnknownToolYieldsErrorResult(t *testing.T) {
	r, err := NewRegistry(nil, nil)
	require.NoError(t, err)

	res := r.Invoke(context.Background(), msg.ToolCallRequest{ID: "c1", Name: "ghost"}, nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "c1", res.CallID)
	assert.Contains(t, res.Content, "ghost")
	assert.Contains(t, res.Content, "not found")
}

func TestInvokeExecutionFailures(t *testing.T) {
	failing := NewFuncTool(Definition{Name: "fail"}, func(context.Context, map[string]any, *ExecutionContext) (any, error) {
		return nil, errors.New("disk full")
	})
	panicking := NewFuncTool(Definition{Name: "panic"}, func(context.Context, map[string]any, *ExecutionContext) (any, error) {
		panic("boom")
	})
	remote := &fakeCaller{result: RemoteResult{Content: "quota exceeded", IsError: true}}
	broken := &fakeCaller{err: errors.New("pipe closed")}

	r, err := NewRegistry([]LocalTool{failing, panicking}, []RemoteTool{
		{Server: "a", Caller: remote, Definition: Definition{Name: "remote_err"}},
		{Server: "b", Caller: broken, Definition: Definition{Name: "remote_broken"}},
	})
	require.NoError(t, err)

	tests := map[string]string{
		"fail":          "disk full",
		"panic":         "boom",
		"remote_err":    "quota exceeded",
		"remote_broken": "pipe closed",
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			res := r.Invoke(context.Background(), msg.ToolCallRequest{ID: name, Name: name}, nil)
			assert.True(t, res.IsError)
			assert.Equal(t, name, res.CallID)
			assert.Contains(t, res.Content, want)
			assert.Contains(t, res.Content, ErrExecutionFailed.Error())
		})
	}
}

func TestInvokePassesExecutionContext(t *testing.T) {
	var seen any
	tool := NewFuncTool(Definition{Name: "ctx"}, func(_ context.Context, args map[string]any, ec *ExecutionContext) (any, error) {
		seen, _ = ec.Get(ContextKeyOriginalInstruction)
		assert.NotNil(t, args)
		return map[string]int{"n": 1}, nil
	})
	r, err := NewRegistry([]LocalTool{tool}, nil)
	require.NoError(t, err)

	ec := NewExecutionContext()
	ec.Set(ContextKeyOriginalInstruction, "do it")
	res := r.Invoke(context.Background(), msg.ToolCallRequest{ID: "1", Name: "ctx"}, ec)

	assert.False(t, res.IsError)
	assert.Equal(t, `{"n":1}`, res.Content)
	assert.Equal(t, "do it", seen)
}

func TestInvokeAllPreservesRequestOrder(t *testing.T) {
	delays := map[string]time.Duration{"slow": 40 * time.Millisecond, "medium": 20 * time.Millisecond, "fast": 0}
	var running, peak atomic.Int32
	var local []LocalTool
	for name, d := range delays {
		local = append(local, NewFuncTool(Definition{Name: name}, func(context.Context, map[string]any, *ExecutionContext) (any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(d)
			return name, nil
		}))
	}

	pool := workerpool.New(3, 10)
	defer pool.Shutdown()

	for _, opts := range [][]Option{nil, {WithPool(pool)}} {
		peak.Store(0)
		r, err := NewRegistry(local, nil, opts...)
		require.NoError(t, err)

		calls := []msg.ToolCallRequest{
			{ID: "1", Name: "slow"},
			{ID: "2", Name: "ghost"},
			{ID: "3", Name: "fast"},
			{ID: "4", Name: "medium"},
		}
		results := r.InvokeAll(context.Background(), calls, NewExecutionContext())

		require.Len(t, results, 4)
		for i, res := range results {
			assert.Equal(t, calls[i].ID, res.CallID)
		}
		assert.Equal(t, "slow", results[0].Content)
		assert.True(t, results[1].IsError)
		assert.Equal(t, "fast", results[2].Content)
		assert.Equal(t, "medium", results[3].Content)
		assert.Greater(t, peak.Load(), int32(1), "calls should overlap")
	}
}

func TestInvokeAllOnClosedPool(t *testing.T) {
	pool := workerpool.New(1, 1)
	pool.Shutdown()

	r, err := NewRegistry([]LocalTool{staticTool("a", "x")}, nil, WithPool(pool))
	require.NoError(t, err)

	results := r.InvokeAll(context.Background(), []msg.ToolCallRequest{{ID: "1", Name: "a"}, {ID: "2", Name: "a"}}, nil)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content, "not executed")
	}
}

func TestSchemasFollowRegistrationOrder(t *testing.T) {
	r, err := NewRegistry([]LocalTool{staticTool("b", ""), staticTool("a", "")}, nil)
	require.NoError(t, err)

	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "b", schemas[0].Name)
	assert.Equal(t, "a", schemas[1].Name)
	assert.Equal(t, 2, r.Len())

	def, ok := r.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, "a tool", def.Description)
	_, ok = r.Lookup("zzz")
	assert.False(t, ok)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	r, err := NewRegistry([]LocalTool{staticTool("ok", "fine")}, nil, WithRecorder(rec))
	require.NoError(t, err)

	r.Invoke(context.Background(), msg.ToolCallRequest{ID: "1", Name: "ok"}, nil)
	r.Invoke(context.Background(), msg.ToolCallRequest{ID: "2", Name: "ok"}, nil)
	r.Invoke(context.Background(), msg.ToolCallRequest{ID: "3", Name: "missing"}, nil)

	assert.InDelta(t, 2, testutil.ToFloat64(rec.calls.WithLabelValues("ok", "local", OutcomeSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.calls.WithLabelValues("missing", "unknown", OutcomeNotFound)), 0)
}

func TestFormatOutput(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"text", "text"},
		{[]byte("bytes"), "bytes"},
		{42, "42"},
		{map[string]any{"a": true}, `{"a":true}`},
		{time.Duration(0), "0s"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.in), func(t *testing.T) {
			got, err := FormatOutput(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := FormatOutput(make(chan int))
	assert.Error(t, err)
}
