package mcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"agentflow/pkg/config"
	"agentflow/pkg/logx"
	"agentflow/pkg/tools"
)

// ErrServerNotFound is returned for names that are not configured or not running.
var ErrServerNotFound = errors.New("mcp server not found")

// ConnectFunc opens a transport to one configured server.
type ConnectFunc func(ctx context.Context, name string, srv config.MCPServerConfig, logger *logx.Logger) (Transport, error)

// Manager owns the lifecycle of the configured MCP servers.
type Manager struct {
	clients map[string]*Client
	logger  *logx.Logger
	connect ConnectFunc
	cfg     config.MCPConfig
	mu      sync.Mutex
}

// NewManager creates a manager for cfg. Nothing is started until Start or StartAll.
func NewManager(cfg config.MCPConfig, logger *logx.Logger) *Manager {
	if logger == nil {
		logger = logx.NewLogger("mcp")
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		connect: Connect,
		clients: make(map[string]*Client),
	}
}

// WithConnector replaces how transports are opened. Tests use it to avoid child processes.
func (m *Manager) WithConnector(fn ConnectFunc) *Manager {
	m.connect = fn
	return m
}

// Connect opens the transport for srv: a TCP connection for tcp servers, a child process otherwise.
func Connect(ctx context.Context, _ string, srv config.MCPServerConfig, logger *logx.Logger) (Transport, error) {
	if srv.Kind == config.ServerKindTCP {
		return DialTCP(ctx, srv.Address, srv.AuthToken)
	}
	name, args, err := CommandFor(srv)
	if err != nil {
		return nil, err
	}
	return NewStdioTransport(name, args, srv.Env, logger)
}

// StartAll starts every enabled server. If one fails, the ones already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, name := range m.cfg.Enabled {
		if err := m.Start(ctx, name); err != nil {
			if stopErr := m.StopAll(); stopErr != nil {
				m.logger.Warn("Failed to stop MCP servers after startup error: %v", stopErr)
			}
			return err
		}
	}
	return nil
}

// Start launches one configured server and completes the initialize handshake.
func (m *Manager) Start(ctx context.Context, name string) error {
	srv, ok := m.cfg.Servers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}

	m.mu.Lock()
	_, running := m.clients[name]
	m.mu.Unlock()
	if running {
		return nil
	}

	if m.cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.StartupTimeout)
		defer cancel()
	}

	m.logger.Info("Starting MCP server %s (%s)", name, srv.Kind)
	transport, err := m.connect(ctx, name, srv, m.logger)
	if err != nil {
		return fmt.Errorf("failed to start MCP server %s: %w", name, err)
	}
	client := NewClient(name, transport, m.logger)
	if _, err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to initialize MCP server %s: %w", name, err)
	}

	m.mu.Lock()
	m.clients[name] = client
	m.mu.Unlock()
	return nil
}

// Tools lists the tools of every running server, servers in name order.
func (m *Manager) Tools(ctx context.Context) ([]tools.RemoteTool, error) {
	var out []tools.RemoteTool
	for _, name := range m.ActiveServers() {
		client, ok := m.Client(name)
		if !ok {
			continue
		}
		remote, err := client.RemoteTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools of MCP server %s: %w", name, err)
		}
		m.logger.Debug("MCP server %s exposes %d tools", name, len(remote))
		out = append(out, remote...)
	}
	return out, nil
}

// Client returns the session of a running server.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[name]
	return c, ok
}

// ActiveServers returns the names of running servers, sorted.
func (m *Manager) ActiveServers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.clients))
}

// Stop shuts one server down. Stopping a server that is not running is a no-op.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	client, ok := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.logger.Info("Stopping MCP server %s", name)
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to stop MCP server '%s': %w", name, err)
	}
	return nil
}

// StopAll shuts every running server down and reports all failures.
func (m *Manager) StopAll() error {
	var errs []error
	for _, name := range m.ActiveServers() {
		if err := m.Stop(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
