package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/inframate/inframate/pkg/config"
	"github.com/inframate/inframate/pkg/policy"
	"github.com/inframate/inframate/pkg/recovery"
	"github.com/inframate/inframate/pkg/workflow"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate the configuration",
		Long: `Validate a configuration file and everything it references.

This command checks:
  - YAML, JSON or CUE syntax and schema conformance
  - Starlark strategy scripts compile
  - Rego policy files compile
  - Step commands parse`,
		Example: `  # Validate the default configuration file
  inframate validate

  # Validate a specific file
  inframate validate ./inframate.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				configPath = args[0]
			}
			cfg, err := loadConfig()
			if err != nil {
				var schemaErr *config.SchemaError
				if errors.As(err, &schemaErr) {
					for _, ve := range schemaErr.Errors {
						fmt.Fprintln(cmd.ErrOrStderr(), ve.String())
					}
				}
				return err
			}

			var problems []error
			for class, path := range cfg.Recovery.Strategies {
				if _, err := recovery.LoadStarlarkStrategy(path); err != nil {
					problems = append(problems, fmt.Errorf("strategy %s: %w", class, err))
				}
			}
			if len(cfg.Policy.Paths) > 0 {
				if _, err := policy.NewLoader(log.Logger).LoadFromPaths(cmd.Context(), cfg.Policy.Paths); err != nil {
					problems = append(problems, fmt.Errorf("policies: %w", err))
				}
			}
			for name, sc := range cfg.Steps {
				if _, err := workflow.NewCommandStep(name, sc.Command, cfg.RepoPath, sc.Timeout.Std()); err != nil {
					problems = append(problems, err)
				}
			}
			if err := errors.Join(problems...); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
	return cmd
}
