package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"agentflow/pkg/config"
	"agentflow/pkg/logx"
)

// ErrTransportClosed is returned by Send and Receive after Close.
var ErrTransportClosed = errors.New("mcp transport closed")

// Transport moves whole JSON-RPC messages. Receive is only called from one goroutine; Send may be called concurrently.
type Transport interface {
	Send(ctx context.Context, message []byte) error
	Receive() ([]byte, error)
	Close() error
}

// lineTransport frames messages as newline-delimited JSON, the framing of both the stdio and TCP transports.
type lineTransport struct {
	w      io.Writer
	r      *bufio.Reader
	closer func() error
	wmu    sync.Mutex
	once   sync.Once
	closed chan struct{}
}

func newLineTransport(r io.Reader, w io.Writer, closer func() error) *lineTransport {
	return &lineTransport{
		w:      w,
		r:      bufio.NewReader(r),
		closer: closer,
		closed: make(chan struct{}),
	}
}

func (t *lineTransport) Send(ctx context.Context, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err //nolint:wrapcheck // context errors pass through
	}
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	framed := make([]byte, 0, len(message)+1)
	framed = append(framed, message...)
	framed = append(framed, '\n')

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(framed); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (t *lineTransport) Receive() ([]byte, error) {
	for {
		line, err := t.r.ReadBytes('\n')
		if err != nil {
			select {
			case <-t.closed:
				return nil, ErrTransportClosed
			default:
			}
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
				return line, nil
			}
			return nil, err //nolint:wrapcheck // io.EOF must stay comparable
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			return line, nil
		}
	}
}

func (t *lineTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		if t.closer != nil {
			err = t.closer()
		}
	})
	return err
}

// StdioTransport runs an MCP server as a child process and talks to it over stdin/stdout.
// The child is reaped with Process.Wait so exec.Cmd never closes stdout under a pending read; output the
// child wrote before exiting stays readable until Close.
type StdioTransport struct {
	*lineTransport
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *logx.Logger
	done   chan struct{}
}

// CommandFor returns the program and arguments that start a configured server:
// python runs "python -m <module>", node runs "npx -y <package>", command runs as given.
func CommandFor(srv config.MCPServerConfig) (string, []string, error) {
	switch srv.Kind {
	case config.ServerKindPython:
		if srv.Module == "" {
			return "", nil, errors.New("python module name required")
		}
		return "python", append([]string{"-m", srv.Module}, srv.Args...), nil
	case config.ServerKindNode:
		if srv.Package == "" {
			return "", nil, errors.New("node package name required")
		}
		return "npx", append([]string{"-y", srv.Package}, srv.Args...), nil
	case config.ServerKindCommand:
		if srv.Command == "" {
			return "", nil, errors.New("command required")
		}
		return srv.Command, srv.Args, nil
	default:
		return "", nil, fmt.Errorf("server kind %q is not a child process", srv.Kind)
	}
}

// NewStdioTransport starts name with args. env entries are added to the current environment.
// The child's stderr is forwarded to logger at debug level.
func NewStdioTransport(name string, args []string, env map[string]string, logger *logx.Logger) (*StdioTransport, error) {
	if logger == nil {
		logger = logx.NewLogger("mcp")
	}

	cmd := exec.Command(name, args...) //nolint:gosec // command comes from operator config
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	t := &StdioTransport{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr, logger: logger, done: make(chan struct{})}
	t.lineTransport = newLineTransport(stdout, stdin, t.shutdown)
	logger.Info("Started MCP server process %s (pid %d)", name, cmd.Process.Pid)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("[%s stderr] %s", name, scanner.Text())
		}
	}()
	go func() {
		if state, err := cmd.Process.Wait(); err != nil {
			logger.Warn("Waiting for %s failed: %v", name, err)
		} else if !state.Success() {
			logger.Debug("MCP server %s exited: %s", name, state)
		}
		close(t.done)
	}()

	return t, nil
}


// shutdown closes stdin and gives the child a moment to exit before killing it.
func (t *StdioTransport) shutdown() error {
	_ = t.stdin.Close()
	select {
	case <-t.done:
		t.closeOutput()
		return nil
	case <-time.After(2 * time.Second):
	}
	if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill server process: %w", err)
	}
	<-t.done
	t.closeOutput()
	return nil
}

func (t *StdioTransport) closeOutput() {
	_ = t.stdout.Close()
	_ = t.stderr.Close()
}

// TCPTransport talks to a server over a TCP connection with the newline framing the bundled server speaks.
type TCPTransport struct {
	*lineTransport
	conn net.Conn
}

type authMessage struct {
	Auth string `json:"auth"`
}

type authResponse struct {
	Error         string `json:"error,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// DialTCP connects to addr. When token is set it is presented as the first message and must be accepted.
func DialTCP(ctx context.Context, addr, token string) (*TCPTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	t := &TCPTransport{conn: conn}
	t.lineTransport = newLineTransport(conn, conn, conn.Close)

	if token != "" {
		if err := t.authenticate(ctx, token); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *TCPTransport) authenticate(ctx context.Context, token string) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(deadline)
		defer t.conn.SetDeadline(time.Time{}) //nolint:errcheck // best-effort reset
	}

	data, err := json.Marshal(authMessage{Auth: token})
	if err != nil {
		return fmt.Errorf("failed to marshal auth message: %w", err)
	}
	if err := t.Send(ctx, data); err != nil {
		return fmt.Errorf("failed to send auth message: %w", err)
	}
	line, err := t.Receive()
	if err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	var resp authResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("failed to parse auth response: %w", err)
	}
	if !resp.Authenticated {
		if resp.Error != "" {
			return fmt.Errorf("server rejected authentication: %s", resp.Error)
		}
		return errors.New("server rejected authentication")
	}
	return nil
}
