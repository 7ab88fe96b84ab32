package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"agentflow/pkg/agent/llm"
	"agentflow/pkg/agent/middleware/metrics"
	"agentflow/pkg/agent/msg"
	"agentflow/pkg/agent/toolloop"
	"agentflow/pkg/config"
	"agentflow/pkg/contextmgr"
	"agentflow/pkg/logx"
	"agentflow/pkg/mcp"
	"agentflow/pkg/persistence"
	"agentflow/pkg/tools"
	"agentflow/pkg/workerpool"
)

// ErrSystemShutdown is returned by Run once Shutdown has been called.
var ErrSystemShutdown = errors.New("agentic system is shutting down")

// Option customizes New.
type Option func(*systemOptions)

type systemOptions struct {
	secrets    *config.SecretStore
	registerer prometheus.Registerer
	store      *persistence.Store
	policy     contextmgr.Policy
	logger     *logx.Logger
	connector  mcp.ConnectFunc
	httpClient *http.Client
}

// WithSecrets sets where provider API keys are read. Defaults to environment variables only.
func WithSecrets(s *config.SecretStore) Option {
	return func(o *systemOptions) { o.secrets = s }
}

// WithRegisterer sets where metrics are registered when cfg.Metrics.Enabled. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *systemOptions) { o.registerer = reg }
}

// WithStore persists runs in store. The caller keeps ownership; Shutdown does not close it.
func WithStore(store *persistence.Store) Option {
	return func(o *systemOptions) { o.store = store }
}

// WithContextPolicy replaces the policy derived from cfg.Agent.MaxContextTokens.
func WithContextPolicy(p contextmgr.Policy) Option {
	return func(o *systemOptions) { o.policy = p }
}

func WithLogger(l *logx.Logger) Option {
	return func(o *systemOptions) { o.logger = l }
}

// WithMCPConnector replaces how MCP transports are opened.
func WithMCPConnector(fn mcp.ConnectFunc) Option {
	return func(o *systemOptions) { o.connector = fn }
}

// WithProviderHTTPClient sets the HTTP client of the provider binding built from cfg.
func WithProviderHTTPClient(c *http.Client) Option {
	return func(o *systemOptions) { o.httpClient = c }
}

// RunResult is the answer to one task plus what it took to get there.
type RunResult struct {
	TaskID    string            `json:"task_id"`
	Answer    string            `json:"answer"`
	Steps     int               `json:"steps"`
	ToolCalls int               `json:"tool_calls"`
	ToolsUsed []string          `json:"tools_used"`
	Elapsed   time.Duration     `json:"elapsed"`
	Messages  []msg.ChatMessage `json:"messages,omitempty"`
}

// AgenticSystem owns a model client, the tool registry with its MCP servers and the loop that drives tasks.
// It is safe for concurrent Run calls.
type AgenticSystem struct {
	client   llm.LLMClient
	registry *tools.Registry
	loop     *toolloop.Loop
	mcp      *mcp.Manager
	pool     *workerpool.Pool
	store    *persistence.Store
	policy   contextmgr.Policy
	shutdown *ShutdownManager
	logger   *logx.Logger
	cfg      config.SystemConfig
	runs     sync.WaitGroup
	mu       sync.Mutex
}

// New validates cfg, starts the enabled MCP servers and registers localTools followed by the remote tools.
// A nil client is built from cfg with NewLLMClient. Anything started is stopped again if a later step fails.
func New(ctx context.Context, cfg config.SystemConfig, localTools []tools.LocalTool, client llm.LLMClient, opts ...Option) (*AgenticSystem, error) {
	o := systemOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logx.NewLogger("agent")
	}
	if err := config.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logging.Debug {
		logx.SetDebugConfig(true, cfg.Logging.DebugDomains...)
	}

	var (
		llmRecorder  metrics.Recorder
		toolRecorder tools.Recorder = tools.NoopRecorder{}
	)
	if cfg.Metrics.Enabled {
		llmRecorder = metrics.NewPrometheusRecorder(o.registerer)
		toolRecorder = tools.NewPrometheusRecorder(o.registerer)
	}

	if client == nil {
		built, err := NewLLMClient(&cfg, o.secrets,
			WithHTTPClient(o.httpClient),
			WithMetricsRecorder(llmRecorder),
			WithClientLogger(o.logger.WithComponent("llm")))
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
		client = built
	} else if llmRecorder != nil {
		client = llm.Chain(client, metrics.Middleware(llmRecorder, nil, o.logger))
	}

	manager := mcp.NewManager(cfg.MCP, o.logger.WithComponent("mcp"))
	if o.connector != nil {
		manager.WithConnector(o.connector)
	}
	if err := manager.StartAll(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP servers: %w", err)
	}
	remote, err := manager.Tools(ctx)
	if err != nil {
		_ = manager.StopAll()
		return nil, err
	}

	pool := workerpool.New(cfg.Agent.ParallelTools, 0)
	o.logger.Debug("Tool pool: %d workers, queue of %d", pool.Workers(), pool.Capacity())
	registry, err := tools.NewRegistry(localTools, remote,
		tools.WithLogger(o.logger.WithComponent("tools")),
		tools.WithRecorder(toolRecorder),
		tools.WithPool(pool))
	if err != nil {
		pool.Shutdown()
		_ = manager.StopAll()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	s := &AgenticSystem{
		cfg:      cfg,
		client:   client,
		registry: registry,
		loop:     toolloop.New(client, registry, o.logger.WithComponent("toolloop")),
		mcp:      manager,
		pool:     pool,
		store:    o.store,
		policy:   o.policy,
		shutdown: NewShutdownManager(),
		logger:   o.logger,
	}
	if s.policy == nil {
		s.policy = contextmgr.New(cfg.Agent.MaxContextTokens, cfg.LLM.MaxTokens)
	}

	if s.store == nil && cfg.Store.Enabled {
		store, err := persistence.Open(ctx, cfg.Store.Path)
		if err != nil {
			pool.Shutdown()
			_ = manager.StopAll()
			return nil, fmt.Errorf("failed to open run store: %w", err)
		}
		s.store = store
		s.shutdown.RegisterFunc("store", 0, func(context.Context) error { return store.Close() })
	}

	// Components stop in reverse order: runs drain first, the store closes last.
	s.shutdown.RegisterFunc("mcp", 0, func(context.Context) error { return manager.StopAll() })
	s.shutdown.RegisterFunc("tool-pool", 0, func(context.Context) error {
		pool.Shutdown()
		return nil
	})
	s.shutdown.RegisterFunc("runs", 0, s.waitForRuns)

	s.logger.Info("Agentic system ready: model %s, %d tools (%d remote), max %d steps",
		client.ModelName(), registry.Len(), len(remote), cfg.Agent.MaxSteps)
	return s, nil
}

// PlanAndExecute runs task and returns the final answer.
func (s *AgenticSystem) PlanAndExecute(ctx context.Context, task string) (string, error) {
	res, err := s.Run(ctx, task)
	if err != nil {
		return "", err
	}
	return res.Answer, nil
}

// Run executes task to completion. On failure the partial result is returned together with the error.
func (s *AgenticSystem) Run(ctx context.Context, task string) (*RunResult, error) {
	s.mu.Lock()
	if s.shutdown.IsShuttingDown() {
		s.mu.Unlock()
		return nil, ErrSystemShutdown
	}
	s.runs.Add(1)
	s.mu.Unlock()
	defer s.runs.Done()

	taskID := uuid.NewString()
	ctx = logx.ContextWithTaskID(ctx, taskID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.shutdown.ShutdownContext(), cancel)
	defer stop()

	ec := tools.NewExecutionContext()
	ec.Set(tools.ContextKeyTaskID, taskID)

	record := &persistence.Run{ID: taskID, Task: task, Model: s.client.ModelName()}
	persist := s.store != nil
	if persist {
		if err := s.store.CreateRun(ctx, record); err != nil {
			s.logger.Warn("Failed to record run %s: %v", taskID, err)
			persist = false
		}
	}

	s.logger.Info("Starting task %s", taskID)
	outcome, err := s.loop.Run(ctx, toolloop.Config{
		Task:         task,
		SystemPrompt: s.cfg.Agent.SystemPrompt,
		MaxSteps:     s.cfg.Agent.MaxSteps,
		MaxTokens:    s.cfg.LLM.MaxTokens,
		Temperature:  float32(s.cfg.LLM.Temperature),
		Policy:       s.policy,
		ExecContext:  ec,
	})

	result := &RunResult{TaskID: taskID}
	if outcome != nil {
		result.Answer = outcome.FinalText
		result.Steps = outcome.Steps
		result.ToolCalls = outcome.ToolCalls
		result.ToolsUsed = outcome.ToolsUsed
		result.Elapsed = outcome.Elapsed
		result.Messages = outcome.Messages()
	}

	if persist {
		s.finishRecord(ctx, record, result, err)
	}

	if err != nil {
		s.logger.Warn("Task %s failed after %d steps: %v", taskID, result.Steps, err)
		return result, err
	}
	s.logger.Info("Task %s done in %d steps (%s)", taskID, result.Steps, result.Elapsed.Round(time.Millisecond))
	return result, nil
}

func (s *AgenticSystem) finishRecord(ctx context.Context, record *persistence.Run, result *RunResult, runErr error) {
	record.Status = persistence.RunStatusDone
	if runErr != nil {
		record.Status = persistence.RunStatusFailed
		record.Error = runErr.Error()
	}
	record.FinalText = result.Answer
	record.Steps = result.Steps
	record.ToolCalls = result.ToolCalls
	record.ToolsUsed = result.ToolsUsed
	record.Elapsed = result.Elapsed

	// The run context may already be cancelled; the transcript is still worth keeping.
	if err := s.store.FinishRun(context.WithoutCancel(ctx), record, result.Messages); err != nil {
		s.logger.Warn("Failed to save transcript of run %s: %v", record.ID, err)
	}
}

// AvailableTools lists the registered tool names, local tools first.
func (s *AgenticSystem) AvailableTools() []string {
	return s.registry.Names()
}

// Registry exposes the tool registry, for serving it over MCP.
func (s *AgenticSystem) Registry() *tools.Registry {
	return s.registry
}

// Store returns the run store, or nil when runs are not persisted.
func (s *AgenticSystem) Store() *persistence.Store {
	return s.store
}

// Config returns the validated configuration the system runs with.
func (s *AgenticSystem) Config() config.SystemConfig {
	return s.cfg
}

// Shutdown cancels in-flight runs, waits for them, then stops the MCP servers and closes the store.
// It is safe to call more than once.
func (s *AgenticSystem) Shutdown(ctx context.Context) error {
	return s.shutdown.Shutdown(ctx)
}

func (s *AgenticSystem) waitForRuns(ctx context.Context) error {
	// Run checks IsShuttingDown under mu, so no run can start once this lock is taken.
	s.mu.Lock()
	s.mu.Unlock() //nolint:staticcheck // barrier

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runs still active: %w", ctx.Err())
	}
}
