package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentflow/pkg/config"
)

func newSecretsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secrets file",
		Long: `Provider API keys are looked up in the secrets file first, then in the environment.
The file is encrypted with a password, read from ` + PasswordEnv + ` or prompted for.`,
	}
	cmd.AddCommand(newSecretsSetCmd(opts), newSecretsListCmd(opts))
	return cmd
}

func newSecretsSetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "set NAME",
		Short:   "Store a secret; the value is prompted for",
		Example: `  agentflow secrets set OPENROUTER_API_KEY`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			creating := !config.SecretsFileExists(opts.secretsPath)

			password, err := opts.password(cmd, creating)
			if err != nil {
				return err
			}
			store := config.NewSecretStore()
			if !creating {
				if err := store.Load(opts.secretsPath, password); err != nil {
					return fmt.Errorf("failed to unlock %s: %w", opts.secretsPath, err)
				}
			}

			value, err := opts.readSecret(cmd, fmt.Sprintf("Value for %s: ", name))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value for %s", name)
			}
			store.Set(name, value)
			if err := store.Save(opts.secretsPath, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s to %s\n", name, opts.secretsPath)
			return nil
		},
	}
}

func newSecretsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !config.SecretsFileExists(opts.secretsPath) {
				return fmt.Errorf("no secrets file at %s", opts.secretsPath)
			}
			store, err := opts.loadSecrets(cmd)
			if err != nil {
				return err
			}
			names := store.Names()
			return printOutput(cmd.OutOrStdout(), opts.output, names, []string{"NAME"}, func() [][]string {
				rows := make([][]string, 0, len(names))
				for _, n := range names {
					rows = append(rows, []string{n})
				}
				return rows
			})
		},
	}
}
