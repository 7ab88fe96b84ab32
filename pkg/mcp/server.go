package mcp

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"agentflow/pkg/agent/msg"
	"agentflow/pkg/logx"
	"agentflow/pkg/tools"
)

// Server exposes a tools.Registry to MCP clients over TCP or stdio.
type Server struct {
	registry  *tools.Registry
	logger    *logx.Logger
	listener  net.Listener
	cancel    context.CancelFunc
	ready     chan struct{}
	info      Implementation
	addr      string
	authToken string
	port      int
	mu        sync.Mutex
	running   bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthToken replaces the generated token. An empty token disables TCP authentication.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.authToken = token }
}

// WithListenAddr sets the TCP listen address. The default binds an ephemeral loopback port.
func WithListenAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// WithServerInfo sets the name and version reported by initialize.
func WithServerInfo(name, version string) ServerOption {
	return func(s *Server) { s.info = Implementation{Name: name, Version: version} }
}

// NewServer creates a server with a random auth token. Use Token to hand it to clients.
func NewServer(registry *tools.Registry, logger *logx.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = logx.NewLogger("mcp-server")
	}
	s := &Server{
		registry:  registry,
		logger:    logger,
		authToken: generateToken(),
		addr:      "127.0.0.1:0",
		ready:     make(chan struct{}),
		info:      Implementation{Name: "agentflow", Version: "1.0.0"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func generateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// Start listens on TCP and serves connections until Stop is called or ctx ends.
// Port and Addr are valid once Ready is closed.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		s.mu.Unlock()
		cancel()
		_ = listener.Close()
		return fmt.Errorf("unexpected listener address type: %T", listener.Addr())
	}
	s.port = addr.Port
	s.listener = listener
	s.running = true
	close(s.ready)
	s.mu.Unlock()

	s.logger.Info("MCP server listening on %s with %d tools", listener.Addr(), s.registry.Len())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("Failed to accept connection: %v", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

// Ready is closed once Start is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop closes the listener and cancels in-flight connections.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to close listener: %w", err)
		}
	}
	s.logger.Info("MCP server stopped")
	return nil
}

// Port returns the bound TCP port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Addr returns host:port of the listener, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Token returns the auth token TCP clients must present.
func (s *Server) Token() string {
	return s.authToken
}

// ServeStdio serves one session on r/w without authentication, as a child process server does.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	return s.serve(ctx, bufio.NewReader(r), w)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck // best-effort close

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reader := bufio.NewReader(conn)
	if s.authToken != "" && !s.authenticate(reader, conn) {
		return
	}
	if err := s.serve(ctx, reader, conn); err != nil && ctx.Err() == nil {
		s.logger.Debug("Connection ended: %v", err)
	}
}

func (s *Server) authenticate(reader *bufio.Reader, conn net.Conn) bool {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		s.logger.Debug("Failed to read auth message: %v", err)
		return false
	}

	var auth authMessage
	if err := json.Unmarshal(line, &auth); err != nil {
		s.logger.Warn("Invalid auth message format: %v", err)
		s.writeJSON(conn, authResponse{Error: "Invalid auth message format"})
		return false
	}
	if auth.Auth != s.authToken {
		s.logger.Warn("Invalid auth token from client")
		s.writeJSON(conn, authResponse{Error: "Invalid auth token"})
		return false
	}
	return s.writeJSON(conn, authResponse{Authenticated: true})
}

// serve runs one session. Each session gets its own ExecutionContext.
func (s *Server) serve(ctx context.Context, reader *bufio.Reader, w io.Writer) error {
	ec := tools.NewExecutionContext()
	var wmu sync.Mutex
	send := func(resp *Response) {
		wmu.Lock()
		defer wmu.Unlock()
		s.writeJSON(w, resp)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		if ctx.Err() != nil {
			return ctx.Err() //nolint:wrapcheck // context errors pass through
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if len(line) <= 1 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			send(errorResponse(nil, CodeParseError, "Parse error", err.Error()))
			continue
		}
		if req.Method == MethodToolsCall && !req.IsNotification() {
			// Tool calls run concurrently; their responses may arrive out of order.
			wg.Add(1)
			go func() {
				defer wg.Done()
				if resp := s.handleRequest(ctx, &req, ec); resp != nil {
					send(resp)
				}
			}()
			continue
		}
		if resp := s.handleRequest(ctx, &req, ec); resp != nil {
			send(resp)
		}
	}
}

// handleRequest returns nil for notifications.
func (s *Server) handleRequest(ctx context.Context, req *Request, ec *tools.ExecutionContext) *Response {
	if req.JSONRPC != jsonrpcVersion {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidRequest, "Invalid request", "jsonrpc must be \"2.0\"")
	}

	switch req.Method {
	case MethodInitialize:
		return resultResponse(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
			ServerInfo:      s.info,
		})
	case MethodInitialized:
		return nil
	case MethodPing:
		return resultResponse(req.ID, struct{}{})
	case MethodToolsList:
		return resultResponse(req.ID, s.listTools())
	case MethodToolsCall:
		return s.callTool(ctx, req, ec)
	default:
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, CodeMethodNotFound, "Method not found", req.Method)
	}
}

func (s *Server) listTools() ListToolsResult {
	defs := s.registry.Schemas()
	out := make([]Tool, 0, len(defs))
	for i := range defs {
		schema, err := json.Marshal(defs[i].Parameters())
		if err != nil {
			s.logger.Warn("Skipping tool %s: cannot encode schema: %v", defs[i].Name, err)
			continue
		}
		out = append(out, Tool{Name: defs[i].Name, Description: defs[i].Description, InputSchema: schema})
	}
	return ListToolsResult{Tools: out}
}

func (s *Server) callTool(ctx context.Context, req *Request, ec *tools.ExecutionContext) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "Invalid params", err.Error())
	}
	if _, ok := s.registry.Lookup(params.Name); !ok {
		s.logger.Warn("Tool not found: %s", params.Name)
		return errorResponse(req.ID, CodeInvalidParams, "Tool not found", params.Name)
	}

	s.logger.Info("MCP tool call: %s", params.Name)
	result := s.registry.Invoke(ctx, msg.ToolCallRequest{
		ID:        "mcp-" + string(req.ID),
		Name:      params.Name,
		Arguments: params.Arguments,
	}, ec)
	if result.IsError {
		s.logger.Warn("MCP tool %s failed: %s", params.Name, result.Content)
	}
	return resultResponse(req.ID, TextResult(result.Content, result.IsError))
}

func resultResponse(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, CodeInternalError, "Internal error", err.Error())
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: raw}
}

func errorResponse(id json.RawMessage, code int, message, data string) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

func (s *Server) writeJSON(w io.Writer, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal response: %v", err)
		return false
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("Failed to write response: %v", err)
		return false
	}
	return true
}
