// agentflow-mcp-server exposes the built-in tools over MCP, for other agents and for testing.
//
// Usage:
//
//	agentflow-mcp-server -listen 127.0.0.1:8765 -tools calculator,echo
//	agentflow-mcp-server -stdio
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"agentflow/pkg/logx"
	"agentflow/pkg/mcp"
	"agentflow/pkg/tools"
	"agentflow/pkg/tools/builtin"
	"agentflow/pkg/version"
)

func main() {
	toolList := flag.String("tools", "", "Comma-separated list of tools to expose (default: all built-in tools)")
	listen := flag.String("listen", "127.0.0.1:0", "TCP listen address")
	token := flag.String("token", "", "Auth token TCP clients must send (default: random, printed on start)")
	stdio := flag.Bool("stdio", false, "Serve one session on stdin/stdout instead of TCP")
	flag.Parse()

	// stdout carries the protocol in -stdio mode.
	logx.SetOutput(os.Stderr)
	logger := logx.NewLogger("mcp-server")

	registry, err := newRegistry(*toolList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []mcp.ServerOption{mcp.WithListenAddr(*listen), mcp.WithServerInfo("agentflow-mcp-server", version.Version)}
	if *token != "" {
		opts = append(opts, mcp.WithAuthToken(*token))
	}
	server := mcp.NewServer(registry, logger, opts...)

	if *stdio {
		if err := server.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			logger.Error("Stdio session failed: %v", err)
			os.Exit(1)
		}
		return
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case <-server.Ready():
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("MCP server listening on %s with tools: %v", server.Addr(), registry.Names())
	fmt.Printf("ADDR=%s\nTOKEN=%s\n", server.Addr(), server.Token())

	<-ctx.Done()
	logger.Info("Shutting down...")
	if err := server.Stop(); err != nil {
		logger.Error("Error stopping server: %v", err)
	}
	<-errCh
}

func newRegistry(toolList string) (*tools.Registry, error) {
	all := builtin.Defaults()
	if toolList == "" {
		return tools.NewRegistry(all, nil)
	}

	wanted := strings.Split(toolList, ",")
	for i := range wanted {
		wanted[i] = strings.TrimSpace(wanted[i])
	}
	var selected []tools.LocalTool
	for _, t := range all {
		if slices.Contains(wanted, t.Definition().Name) {
			selected = append(selected, t)
		}
	}
	if len(selected) != len(wanted) {
		names := make([]string, 0, len(all))
		for _, t := range all {
			names = append(names, t.Definition().Name)
		}
		return nil, fmt.Errorf("unknown tool in %q (available: %s)", toolList, strings.Join(names, ", "))
	}
	return tools.NewRegistry(selected, nil)
}
