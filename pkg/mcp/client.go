package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"agentflow/pkg/logx"
	"agentflow/pkg/tools"
	"agentflow/pkg/version"
)

// ErrClientClosed is returned for calls made after the connection ended.
var ErrClientClosed = errors.New("mcp client closed")

// ClientInfo identifies this client during initialize.
//
//nolint:gochecknoglobals // protocol constant
var ClientInfo = Implementation{Name: "agentflow", Version: version.Version}

// Client is one MCP session over a Transport. Requests may be issued concurrently; responses are matched by id.
type Client struct {
	transport Transport
	logger    *logx.Logger
	pending   map[int64]chan *Response
	done      chan struct{}
	readErr   error
	server    string
	info      InitializeResult
	nextID    atomic.Int64
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewClient starts reading from transport. name labels log lines and errors.
func NewClient(name string, transport Transport, logger *logx.Logger) *Client {
	if logger == nil {
		logger = logx.NewLogger("mcp")
	}
	c := &Client{
		transport: transport,
		logger:    logger,
		server:    name,
		pending:   make(map[int64]chan *Response),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Name returns the server name the client was created with.
func (c *Client) Name() string {
	return c.server
}

// ServerInfo returns what the server reported during Initialize.
func (c *Client) ServerInfo() InitializeResult {
	return c.info
}

// Initialize performs the initialize handshake and sends notifications/initialized.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo,
	}
	var result InitializeResult
	if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
		return nil, err
	}
	if result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("Server %s speaks protocol %s, client speaks %s", c.server, result.ProtocolVersion, ProtocolVersion)
	}
	if err := c.notify(ctx, MethodInitialized, nil); err != nil {
		return nil, err
	}
	c.info = result
	c.logger.Info("Connected to MCP server %s (%s %s)", c.server, result.ServerInfo.Name, result.ServerInfo.Version)
	return &result, nil
}

// ListTools returns every tool the server exposes, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var (
		all    []Tool
		cursor string
	)
	for {
		var page ListToolsResult
		if err := c.call(ctx, MethodToolsList, ListToolsParams{Cursor: cursor}, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// RemoteTools lists the server's tools as registry entries that call back through this client.
func (c *Client) RemoteTools(ctx context.Context) ([]tools.RemoteTool, error) {
	list, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]tools.RemoteTool, 0, len(list))
	for i := range list {
		out = append(out, tools.RemoteTool{
			Server:     c.server,
			Caller:     c,
			Definition: list[i].Definition(),
		})
	}
	return out, nil
}

// CallTool invokes a tool and flattens its content blocks into text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (tools.RemoteResult, error) {
	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args}, &result); err != nil {
		return tools.RemoteResult{}, err
	}
	return tools.RemoteResult{Content: result.Text(), IsError: result.IsError}, nil
}

// Close ends the session and closes the transport. Outstanding calls fail with ErrClientClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.transport.Close()
	})
	<-c.done
	return err
}

// Definition converts a listed tool into a registry definition, keeping the server's schema verbatim.
func (t *Tool) Definition() tools.Definition {
	def := tools.Definition{
		Name:        t.Name,
		Description: t.Description,
		RawSchema:   t.InputSchema,
	}
	if len(t.InputSchema) > 0 {
		var schema tools.InputSchema
		if err := json.Unmarshal(t.InputSchema, &schema); err == nil {
			def.InputSchema = schema
		}
	}
	return def
}

// Text joins the text blocks of a result. Non-text blocks are represented by a placeholder.
func (r *CallToolResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s content]", block.Type))
	}
	return strings.Join(parts, "\n")
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.readErr != nil {
		c.mu.Unlock()
		return fmt.Errorf("%s %s: %w", c.server, method, ErrClientClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	data, err := json.Marshal(Request{
		JSONRPC: jsonrpcVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	if err := c.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("%s %s: %w", c.server, method, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", c.server, method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("%s %s: %w", c.server, method, ErrClientClosed)
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s %s: %w", c.server, method, resp.Error)
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("%s %s: malformed result: %w", c.server, method, err)
		}
		return nil
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	req := Request{JSONRPC: jsonrpcVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s notification: %w", method, err)
	}
	if err := c.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("%s %s: %w", c.server, method, err)
	}
	return nil
}

// incoming is wide enough to tell responses from server-initiated requests.
type incoming struct {
	Error  *Error          `json:"error,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		line, err := c.transport.Receive()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			if !errors.Is(err, ErrTransportClosed) {
				c.logger.Debug("MCP server %s connection ended: %v", c.server, err)
			}
			return
		}

		var in incoming
		if err := json.Unmarshal(line, &in); err != nil {
			c.logger.Warn("MCP server %s sent invalid JSON: %v", c.server, err)
			continue
		}
		if in.Method != "" {
			c.handleServerRequest(&in)
			continue
		}

		id, err := strconv.ParseInt(string(in.ID), 10, 64)
		if err != nil {
			c.logger.Warn("MCP server %s sent response with unexpected id %s", c.server, string(in.ID))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("MCP server %s sent response for unknown id %d", c.server, id)
			continue
		}
		ch <- &Response{JSONRPC: jsonrpcVersion, ID: in.ID, Result: in.Result, Error: in.Error}
	}
}

// handleServerRequest answers pings and rejects anything else the server asks of us. Notifications are dropped.
func (c *Client) handleServerRequest(in *incoming) {
	if len(in.ID) == 0 {
		c.logger.Debug("MCP server %s notification: %s", c.server, in.Method)
		return
	}
	resp := Response{JSONRPC: jsonrpcVersion, ID: in.ID}
	if in.Method == MethodPing {
		resp.Result = json.RawMessage("{}")
	} else {
		resp.Error = &Error{Code: CodeMethodNotFound, Message: "Method not found", Data: in.Method}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.transport.Send(context.Background(), data); err != nil {
		c.logger.Debug("Failed to answer %s from %s: %v", in.Method, c.server, err)
	}
}
