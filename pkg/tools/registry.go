package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"agentflow/pkg/agent/msg"
	"agentflow/pkg/logx"
	"agentflow/pkg/workerpool"
)

var (
	// ErrDuplicateTool fails registry construction when two tools resolve to the same name.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrToolNotFound marks results for names the registry does not know.
	ErrToolNotFound = errors.New("tool not found")
	// ErrExecutionFailed marks results for tools that returned an error or panicked.
	ErrExecutionFailed = errors.New("tool execution failed")
)

// NamespaceSeparator joins server and tool names when a remote tool collides with an existing name.
const NamespaceSeparator = "::"

// RemoteResult is the flattened outcome of a remote tool call.
type RemoteResult struct {
	Content string
	IsError bool
}

// RemoteCaller invokes a tool exposed by a remote server. *mcp.Client implements it.
type RemoteCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (RemoteResult, error)
}

// RemoteTool describes a tool discovered on an MCP server.
type RemoteTool struct {
	Caller     RemoteCaller
	Server     string
	Definition Definition
}

type backendKind int8

const (
	backendLocal backendKind = iota
	backendRemote
)

func (k backendKind) String() string {
	if k == backendRemote {
		return "mcp"
	}
	return "local"
}

type entry struct {
	local  LocalTool
	remote RemoteTool
	def    Definition
	kind   backendKind
}

// Registry maps tool names to backends. It is immutable after NewRegistry and safe for concurrent use.
type Registry struct {
	entries  map[string]*entry
	logger   *logx.Logger
	recorder Recorder
	pool     *workerpool.Pool
	order    []string
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger *logx.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// WithPool runs InvokeAll batches on pool instead of one goroutine per call.
func WithPool(pool *workerpool.Pool) Option {
	return func(r *Registry) { r.pool = pool }
}

// NewRegistry registers local tools first, then remote ones.
// Duplicate local names fail. A remote tool whose name is taken is registered as server::tool,
// and fails only if that name is taken as well.
func NewRegistry(local []LocalTool, remote []RemoteTool, opts ...Option) (*Registry, error) {
	r := &Registry{
		entries:  make(map[string]*entry, len(local)+len(remote)),
		logger:   logx.NewLogger("tools"),
		recorder: NoopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, tool := range local {
		if tool == nil {
			return nil, fmt.Errorf("tool cannot be nil")
		}
		def := tool.Definition()
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.entries[def.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
		}
		r.add(def.Name, &entry{def: def, kind: backendLocal, local: tool})
	}

	for i := range remote {
		rt := remote[i]
		if rt.Caller == nil {
			return nil, fmt.Errorf("remote tool %s has no caller", rt.Definition.Name)
		}
		if err := rt.Definition.Validate(); err != nil {
			return nil, err
		}
		name := rt.Definition.Name
		if _, exists := r.entries[name]; exists {
			name = rt.Server + NamespaceSeparator + rt.Definition.Name
			if _, taken := r.entries[name]; taken {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, name)
			}
			r.logger.Warn("Tool name %s already registered; exposing %s from server %s as %s",
				rt.Definition.Name, rt.Definition.Name, rt.Server, name)
		}
		def := rt.Definition
		def.Name = name
		r.add(name, &entry{def: def, kind: backendRemote, remote: rt})
	}

	return r, nil
}

func (r *Registry) add(name string, e *entry) {
	r.entries[name] = e
	r.order = append(r.order, name)
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schemas returns tool definitions in registration order.
func (r *Registry) Schemas() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].def)
	}
	return out
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	e, ok := r.entries[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.order)
}

// Invoke runs one tool call. Failures of any kind come back as an error-flagged result, never as a Go error.
func (r *Registry) Invoke(ctx context.Context, call msg.ToolCallRequest, ec *ExecutionContext) msg.ToolCallResult {
	start := time.Now()
	e, ok := r.entries[call.Name]
	if !ok {
		r.recorder.ObserveToolCall(call.Name, "unknown", OutcomeNotFound, time.Since(start))
		r.logger.Warn("Model requested unknown tool %q", call.Name)
		return errorResult(call.ID, fmt.Errorf("%w: '%s'", ErrToolNotFound, call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	var (
		content string
		err     error
	)
	switch e.kind {
	case backendLocal:
		content, err = r.invokeLocal(ctx, e.local, args, ec)
	case backendRemote:
		content, err = r.invokeRemote(ctx, e.remote, args)
	default:
		err = fmt.Errorf("unsupported backend %d", e.kind)
	}

	elapsed := time.Since(start)
	if err != nil {
		r.recorder.ObserveToolCall(call.Name, e.kind.String(), OutcomeError, elapsed)
		r.logger.Warn("Tool %s (%s) failed after %s: %v", call.Name, e.kind, elapsed, err)
		return errorResult(call.ID, fmt.Errorf("%w: '%s': %w", ErrExecutionFailed, call.Name, err))
	}
	r.recorder.ObserveToolCall(call.Name, e.kind.String(), OutcomeSuccess, elapsed)
	r.logger.Debug("Tool %s (%s) completed in %s", call.Name, e.kind, elapsed)
	return msg.ToolCallResult{CallID: call.ID, Content: content}
}

func (r *Registry) invokeLocal(ctx context.Context, tool LocalTool, args map[string]any, ec *ExecutionContext) (content string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Tool %s panicked: %v\n%s", tool.Definition().Name, p, debug.Stack())
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if ec == nil {
		ec = NewExecutionContext()
	}
	out, err := tool.Execute(ctx, args, ec)
	if err != nil {
		return "", err
	}
	return FormatOutput(out)
}

func (r *Registry) invokeRemote(ctx context.Context, rt RemoteTool, args map[string]any) (string, error) {
	res, err := rt.Caller.CallTool(ctx, rt.Definition.Name, args)
	if err != nil {
		return "", fmt.Errorf("server %s: %w", rt.Server, err)
	}
	if res.IsError {
		return "", errors.New(res.Content)
	}
	return res.Content, nil
}

// InvokeAll runs calls concurrently and returns results in the order the calls were given.
func (r *Registry) InvokeAll(ctx context.Context, calls []msg.ToolCallRequest, ec *ExecutionContext) []msg.ToolCallResult {
	results := make([]msg.ToolCallResult, len(calls))
	if len(calls) == 1 {
		results[0] = r.Invoke(ctx, calls[0], ec)
		return results
	}

	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		run := func(ctx context.Context) {
			defer wg.Done()
			results[i] = r.Invoke(ctx, calls[i], ec)
		}
		if r.pool == nil {
			go run(ctx)
			continue
		}
		if err := r.pool.Submit(ctx, run); err != nil {
			results[i] = errorResult(calls[i].ID, fmt.Errorf("tool call '%s' not executed: %w", calls[i].Name, err))
			wg.Done()
		}
	}
	wg.Wait()
	return results
}

func errorResult(callID string, err error) msg.ToolCallResult {
	return msg.ToolCallResult{CallID: callID, Content: err.Error(), IsError: true}
}

// FormatOutput renders a tool's return value as the text the model receives.
func FormatOutput(out any) (string, error) {
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode tool output: %w", err)
		}
		return string(raw), nil
	}
}
