package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentflow/pkg/config"
	"agentflow/pkg/metrics"
	"agentflow/pkg/persistence"
)

// taskStats is what stats reports for one task.
type taskStats struct {
	Run     *persistence.Run     `json:"run" yaml:"run"`
	Metrics *metrics.TaskMetrics `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		status string
	)

	cmd := &cobra.Command{
		Use:   "stats [task-id]",
		Short: "Show recorded runs, or the details of one run",
		Long: `Without arguments, list recent runs from the run store.
With a task id, show that run and, when metrics.prometheus_url is set, its token usage from Prometheus.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := persistence.Open(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				runs, err := store.ListRuns(cmd.Context(), persistence.RunFilter{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				return printOutput(out, opts.output, runs,
					[]string{"TASK", "STATUS", "STEPS", "TOOLS", "ELAPSED", "STARTED", "TASK TEXT"},
					func() [][]string {
						rows := make([][]string, 0, len(runs))
						for _, r := range runs {
							rows = append(rows, []string{
								r.ID, r.Status, strconv.Itoa(r.Steps), strings.Join(r.ToolsUsed, ","),
								r.Elapsed.Round(time.Millisecond).String(), r.StartedAt.Local().Format(time.DateTime),
								truncate(r.Task, 48),
							})
						}
						return rows
					})
			}

			run, err := store.GetRun(cmd.Context(), args[0])
			if errors.Is(err, persistence.ErrRunNotFound) {
				return fmt.Errorf("no run with id %s in %s", args[0], cfg.Store.Path)
			}
			if err != nil {
				return err
			}
			stats := taskStats{Run: run}
			if m, err := queryMetrics(cmd, &cfg, run.ID); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Metrics unavailable: %v\n", err)
			} else {
				stats.Metrics = m
			}

			if opts.output == "json" || opts.output == "yaml" {
				return printOutput(out, opts.output, stats, nil, nil)
			}
			return printTaskStats(out, &stats)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list (0 for all)")
	cmd.Flags().StringVar(&status, "status", "", "Only list runs with this status: running|done|failed")
	return cmd
}

func queryMetrics(cmd *cobra.Command, cfg *config.SystemConfig, taskID string) (*metrics.TaskMetrics, error) {
	if cfg.Metrics.PrometheusURL == "" {
		return nil, nil //nolint:nilnil // metrics are optional
	}
	qs, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
	if err != nil {
		return nil, err
	}
	return qs.GetTaskMetrics(cmd.Context(), taskID)
}

func printTaskStats(w io.Writer, s *taskStats) error {
	r := s.Run
	rows := [][]string{
		{"Task ID", r.ID},
		{"Status", r.Status},
		{"Model", r.Model},
		{"Task", r.Task},
		{"Steps", strconv.Itoa(r.Steps)},
		{"Tool calls", strconv.Itoa(r.ToolCalls)},
		{"Tools used", strings.Join(r.ToolsUsed, ", ")},
		{"Elapsed", r.Elapsed.Round(time.Millisecond).String()},
		{"Started", r.StartedAt.Local().Format(time.DateTime)},
	}
	if r.Error != "" {
		rows = append(rows, []string{"Error", r.Error})
	}
	if r.FinalText != "" {
		rows = append(rows, []string{"Answer", truncate(r.FinalText, 200)})
	}
	if m := s.Metrics; m != nil {
		rows = append(rows,
			[]string{"LLM requests", fmt.Sprintf("%d (%d failed)", m.Requests, m.FailedRequests)},
			[]string{"Tokens", fmt.Sprintf("%d prompt + %d completion = %d", m.PromptTokens, m.CompletionTokens, m.TotalTokens)},
		)
	}
	return printTable(w, []string{"FIELD", "VALUE"}, rows)
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
