// Package toolloop drives the think, act, observe cycle for one task: ask the model, run the tools it
// requests, feed the results back, and stop on a plain answer or when the step limit is spent.
package toolloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/msg"
	"agentflow/pkg/contextmgr"
	"agentflow/pkg/logx"
	"agentflow/pkg/tools"
)

// Defaults applied by Run for zero Config fields.
const (
	DefaultMaxSteps = 10

	DefaultSystemPrompt = "You are a helpful assistant that solves tasks step by step. " +
		"Use the available tools when they help. When you have the final answer, reply with it directly without calling a tool."
)

// debugDomain gates message dumps behind DEBUG_DOMAINS=toolloop.
const debugDomain = "toolloop"

// summarizeView renders the context dump; it tokenizes the whole view.
var summarizeView = contextmgr.Summary //nolint:gochecknoglobals // replaced in tests

// Loop runs tasks against one client and one registry. Both are shared; each Run owns its conversation,
// so a Loop is safe for concurrent runs.
type Loop struct {
	client   llm.LLMClient
	registry *tools.Registry
	logger   *logx.Logger
}

// New creates a Loop. A nil logger gets a "toolloop" component logger.
func New(client llm.LLMClient, registry *tools.Registry, logger *logx.Logger) *Loop {
	if logger == nil {
		logger = logx.NewLogger("toolloop")
	}
	return &Loop{client: client, registry: registry, logger: logger}
}

// Config describes one run.
//
//nolint:govet // fields ordered for readability
type Config struct {
	// Task becomes the first user message.
	Task string

	// SystemPrompt defaults to DefaultSystemPrompt.
	SystemPrompt string

	// MaxSteps bounds the number of model calls. Defaults to DefaultMaxSteps.
	MaxSteps int

	// MaxTokens and Temperature are passed to every request. Zero means the llm defaults.
	MaxTokens   int
	Temperature float32

	// Policy shapes the view of the conversation sent to the model. Defaults to contextmgr.Unbounded.
	Policy contextmgr.Policy

	// ExecContext is shared by the tools of this run. A fresh one is created when nil.
	ExecContext *tools.ExecutionContext

	// OnTransition observes every state change. It runs on the loop goroutine and must not block.
	OnTransition func(from, to State)
}

func (c *Config) applyDefaults() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = llm.DefaultMaxTokens
	}
	if c.Temperature <= 0 {
		c.Temperature = llm.DefaultTemperature
	}
	if c.Policy == nil {
		c.Policy = contextmgr.Unbounded{}
	}
	if c.ExecContext == nil {
		c.ExecContext = tools.NewExecutionContext()
	}
}

// run carries the mutable state of one Run call.
type run struct {
	cfg     *Config
	outcome *Outcome
	resp    llm.ChatResponse
	state   State
}

func (r *run) transition(to State) {
	from := r.state
	r.state = to
	if r.cfg.OnTransition != nil {
		r.cfg.OnTransition(from, to)
	}
}

// Run executes the state machine until Done or Failed. The returned Outcome is never nil once the config
// is valid, so callers can persist the transcript of failed runs too. On failure the error is also
// returned directly: client errors unchanged, a spent step limit as *StepLimitError.
func (l *Loop) Run(ctx context.Context, cfg Config) (*Outcome, error) {
	if cfg.Task == "" {
		return nil, fmt.Errorf("%w: task is empty", ErrInvalidConfig)
	}
	if l.client == nil || l.registry == nil {
		return nil, fmt.Errorf("%w: client and registry are required", ErrInvalidConfig)
	}
	cfg.applyDefaults()
	cfg.ExecContext.Set(tools.ContextKeyOriginalInstruction, cfg.Task)

	r := &run{cfg: &cfg, state: StateInit, outcome: &Outcome{}}
	start := time.Now()
	defer func() { r.outcome.Elapsed = time.Since(start) }()

	toolDefs := l.registry.Schemas()
	r.outcome.Conversation = msg.NewConversation(msg.NewSystem(cfg.SystemPrompt), msg.NewUser(cfg.Task))
	r.transition(StateAwaitingModel)

	for !r.state.Terminal() {
		switch r.state {
		case StateAwaitingModel:
			l.awaitModel(ctx, r, toolDefs)
		case StateExecutingTools:
			l.executeTools(ctx, r)
		default:
			r.fail(fmt.Errorf("unexpected state %s", r.state))
		}
	}

	r.outcome.State = r.state
	if r.state == StateFailed {
		return r.outcome, r.outcome.Err
	}
	l.logger.Info("Task finished after %d steps and %d tool calls", r.outcome.Steps, r.outcome.ToolCalls)
	return r.outcome, nil
}

func (r *run) fail(err error) {
	r.outcome.Err = err
	r.transition(StateFailed)
}

func (l *Loop) awaitModel(ctx context.Context, r *run, toolDefs []tools.Definition) {
	if err := ctx.Err(); err != nil {
		r.fail(fmt.Errorf("%w: %w", ErrGracefulShutdown, err))
		return
	}
	if r.outcome.Steps >= r.cfg.MaxSteps {
		l.logger.Warn("Step limit (%d) reached, model still requesting tools", r.cfg.MaxSteps)
		r.fail(&StepLimitError{MaxSteps: r.cfg.MaxSteps, LastTools: callNames(r.resp.ToolCalls)})
		return
	}

	view := r.cfg.Policy.Shape(r.outcome.Conversation.Messages())
	req := llm.NewChatRequest(view, toolDefs)
	req.MaxTokens = r.cfg.MaxTokens
	req.Temperature = r.cfg.Temperature

	r.outcome.Steps++
	l.logger.Info("Starting LLM call to model '%s' with %d messages, %d tools (step %d/%d)",
		l.client.ModelName(), len(view), len(toolDefs), r.outcome.Steps, r.cfg.MaxSteps)
	if logx.IsDebugEnabledForDomain(debugDomain) {
		logx.Debug(ctx, debugDomain, "Context view: %s", summarizeView(view, nil))
	}

	callStart := time.Now()
	resp, err := l.client.ChatCompletions(ctx, req)
	if err != nil {
		l.logger.Error("LLM call failed after %.3gs: %v", time.Since(callStart).Seconds(), err)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			r.fail(fmt.Errorf("%w: %w", ErrGracefulShutdown, err))
			return
		}
		r.fail(err)
		return
	}
	// Clients built from WrapClient may skip normalization; call ids must be unique before tools run.
	resp = llm.NormalizeResponse(resp)
	r.resp = resp
	l.logger.Info("LLM call completed in %.3gs, response length: %d chars, tool calls: %d",
		time.Since(callStart).Seconds(), len(resp.Content), len(resp.ToolCalls))

	if len(resp.ToolCalls) == 0 {
		if resp.Content != "" {
			// Appending cannot fail for non-tool messages.
			_ = r.outcome.Conversation.Append(msg.NewAssistant(resp.Content, nil))
		}
		r.outcome.FinalText = resp.Content
		r.transition(StateDone)
		return
	}

	if err := r.outcome.Conversation.Append(msg.NewAssistant(resp.Content, resp.ToolCalls)); err != nil {
		r.fail(fmt.Errorf("failed to record assistant turn: %w", err))
		return
	}
	r.transition(StateExecutingTools)
}

func (l *Loop) executeTools(ctx context.Context, r *run) {
	calls := r.resp.ToolCalls
	r.outcome.recordTools(calls)
	l.logger.Info("Processing %d tool calls: %v", len(calls), callNames(calls))

	results := l.registry.InvokeAll(ctx, calls, r.cfg.ExecContext)
	for i := range results {
		if results[i].IsError {
			logx.Debug(ctx, debugDomain, "Tool %s returned error: %s", calls[i].Name, results[i].Content)
		}
		if err := r.outcome.Conversation.Append(msg.NewToolResult(results[i])); err != nil {
			r.fail(fmt.Errorf("failed to record tool result: %w", err))
			return
		}
	}
	r.transition(StateAwaitingModel)
}

func callNames(calls []msg.ToolCallRequest) []string {
	if len(calls) == 0 {
		return nil
	}
	names := make([]string, len(calls))
	for i := range calls {
		names[i] = calls[i].Name
	}
	return names
}
