// Package cli implements the agentflow command line.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"agentflow/pkg/config"
	"agentflow/pkg/logx"
	"agentflow/pkg/version"
)

// PasswordEnv holds the secrets file password for non-interactive use.
const PasswordEnv = "AGENTFLOW_PASSWORD"

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath  string
	secretsPath string
	output      string
	debug       bool

	// stdin is where passwords and interactive tasks are read from.
	stdin  io.Reader
	reader *bufio.Reader
}

// NewRootCmd creates the top-level agentflow command with all subcommands.
func NewRootCmd() *cobra.Command {
	return newRootCmd(os.Stdin)
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	opts := &rootOptions{stdin: stdin}

	cmd := &cobra.Command{
		Use:   "agentflow",
		Short: "Tool-using LLM agent",
		Long: `agentflow answers tasks with a language model that can call tools:
built-in ones and those of any configured MCP server.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.debug {
				logx.SetDebugConfig(true)
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (YAML or JSON); defaults apply when empty")
	cmd.PersistentFlags().StringVar(&opts.secretsPath, "secrets", filepath.Join(".agentflow", config.SecretsFileName), "Encrypted secrets file")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table|json|yaml")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newRunCmd(opts),
		newToolsCmd(opts),
		newConfigCmd(opts),
		newSecretsCmd(opts),
		newStatsCmd(opts),
	)
	return cmd
}

func (o *rootOptions) loadConfig() (config.SystemConfig, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return config.SystemConfig{}, err
	}
	if o.debug {
		cfg.Logging.Debug = true
	}
	return cfg, nil
}

// loadSecrets reads the secrets file when it exists. Without one, keys come from the environment.
func (o *rootOptions) loadSecrets(cmd *cobra.Command) (*config.SecretStore, error) {
	store := config.NewSecretStore()
	if !config.SecretsFileExists(o.secretsPath) {
		return store, nil
	}
	password, err := o.password(cmd, false)
	if err != nil {
		return nil, err
	}
	if err := store.Load(o.secretsPath, password); err != nil {
		return nil, fmt.Errorf("failed to unlock %s: %w", o.secretsPath, err)
	}
	return store, nil
}

// password returns PasswordEnv or prompts for it. With confirm set, the password is asked twice.
func (o *rootOptions) password(cmd *cobra.Command, confirm bool) (string, error) {
	if p := os.Getenv(PasswordEnv); p != "" {
		return p, nil
	}
	first, err := o.readSecret(cmd, "Secrets password: ")
	if err != nil {
		return "", err
	}
	if !confirm {
		return first, nil
	}
	second, err := o.readSecret(cmd, "Confirm password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}

// readSecret reads one line without echo from a terminal, or plainly from a pipe.
func (o *rootOptions) readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	if f, ok := o.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	line, err := o.lines().ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// lines buffers stdin once so prompts and interactive tasks share it.
func (o *rootOptions) lines() *bufio.Reader {
	if o.reader == nil {
		o.reader = bufio.NewReader(o.stdin)
	}
	return o.reader
}
