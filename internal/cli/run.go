package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"agentflow/pkg/agent"
	"agentflow/pkg/config"
	"agentflow/pkg/logx"
	"agentflow/pkg/tools/builtin"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		model      string
		maxSteps   int
		transcript bool
	)

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Answer a task, or read tasks line by line from stdin",
		Long: `Run the agent on a task. All arguments are joined into the task text.

Without arguments, tasks are read from stdin one per line until EOF or "exit".
When metrics are enabled, Prometheus metrics are served while the command runs.`,
		Example: `  agentflow run "what is 2+2, use the calculator tool"
  agentflow run --model qwen3:8b --max-steps 5 "what time is it in Tokyo?"
  agentflow run -o json "summarize the task you were given"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if model != "" {
				provider, err := config.GetModelProvider(model)
				if err != nil {
					return err
				}
				cfg.LLM.Model = model
				cfg.LLM.Provider = provider
			}
			if maxSteps > 0 {
				cfg.Agent.MaxSteps = maxSteps
			}
			secrets, err := opts.loadSecrets(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sys, err := agent.New(ctx, cfg, builtin.Defaults(), nil, agent.WithSecrets(secrets))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := sys.Shutdown(shutdownCtx); err != nil {
					logx.Warnf("Shutdown incomplete: %v", err)
				}
			}()

			if cfg.Metrics.Enabled {
				stopMetrics := serveMetrics(cfg.Metrics.ListenAddr)
				defer stopMetrics()
			}

			out := cmd.OutOrStdout()
			if len(args) > 0 {
				return runTask(ctx, sys, out, opts.output, strings.Join(args, " "), transcript)
			}
			return runInteractive(ctx, sys, opts.lines(), cmd.ErrOrStderr(), out, opts.output, transcript)
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Model to use instead of the configured one")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Model call limit per task (0 keeps the configured value)")
	cmd.Flags().BoolVar(&transcript, "transcript", false, "Include the full conversation in json/yaml output")
	return cmd
}

func runTask(ctx context.Context, sys *agent.AgenticSystem, out io.Writer, format, task string, transcript bool) error {
	res, err := sys.Run(ctx, task)
	if res != nil {
		if !transcript {
			res.Messages = nil
		}
		if printErr := printResult(out, format, res, err); printErr != nil {
			return printErr
		}
	}
	return err
}

func runInteractive(ctx context.Context, sys *agent.AgenticSystem, in io.Reader, prompt, out io.Writer, format string, transcript bool) error {
	fmt.Fprintf(prompt, "Tools: %s\n", strings.Join(sys.AvailableTools(), ", "))
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(prompt, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(prompt)
			return scanner.Err()
		}
		task := strings.TrimSpace(scanner.Text())
		switch task {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := runTask(ctx, sys, out, format, task, transcript); err != nil {
			if ctx.Err() != nil {
				return err
			}
			color.New(color.FgRed).Fprintf(prompt, "Error: %v\n", err)
		}
	}
}

func printResult(w io.Writer, format string, res *agent.RunResult, runErr error) error {
	if format == "json" || format == "yaml" {
		return printOutput(w, format, res, nil, nil)
	}

	if runErr != nil {
		color.New(color.FgRed, color.Bold).Fprintln(w, "Task Failed")
	} else {
		color.New(color.FgGreen, color.Bold).Fprintln(w, "Answer")
	}
	fmt.Fprintln(w, strings.Repeat("-", 60))
	if res.Answer != "" {
		fmt.Fprintln(w, res.Answer)
	}
	tools := "none"
	if len(res.ToolsUsed) > 0 {
		tools = strings.Join(res.ToolsUsed, ", ")
	}
	color.New(color.Faint).Fprintf(w, "task %s: %d steps, %d tool calls (%s), %s\n",
		res.TaskID, res.Steps, res.ToolCalls, tools, res.Elapsed.Round(time.Millisecond))
	return nil
}

// serveMetrics exposes the default Prometheus registry on addr and returns a function that stops it.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Warnf("Metrics server on %s stopped: %v", addr, err)
		}
	}()
	logx.Infof("Serving metrics on http://%s/metrics", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
