package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"agentflow/pkg/agent"
	"agentflow/pkg/agent/llm"
	"agentflow/pkg/tools"
	"agentflow/pkg/tools/builtin"
)

// toolInfo is the listing shape of one registered tool.
type toolInfo struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Required    []string       `json:"required,omitempty" yaml:"required,omitempty"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
}

func newToolsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the agent can call",
		Long: `List built-in tools and the tools of every enabled MCP server.
Enabled MCP servers are started to discover their tools. No model is contacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			// Listing needs no model or API key.
			offline := llm.WrapClient(func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
				return llm.ChatResponse{}, errors.New("model calls are disabled while listing tools")
			}, func() string { return cfg.LLM.Model })

			sys, err := agent.New(cmd.Context(), cfg, builtin.Defaults(), offline)
			if err != nil {
				return err
			}
			defer sys.Shutdown(context.Background()) //nolint:errcheck // listing only

			infos := describeTools(sys.Registry().Schemas())
			return printOutput(cmd.OutOrStdout(), opts.output, infos,
				[]string{"NAME", "REQUIRED", "DESCRIPTION"},
				func() [][]string {
					rows := make([][]string, 0, len(infos))
					for _, t := range infos {
						rows = append(rows, []string{t.Name, strings.Join(t.Required, ","), t.Description})
					}
					return rows
				})
		},
	}
}

func describeTools(defs []tools.Definition) []toolInfo {
	out := make([]toolInfo, 0, len(defs))
	for i := range defs {
		out = append(out, toolInfo{
			Name:        defs[i].Name,
			Description: defs[i].Description,
			Required:    defs[i].RequiredParameters(),
			Parameters:  defs[i].Parameters(),
		})
	}
	return out
}
