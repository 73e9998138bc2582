package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/inframate/inframate/pkg/policy"
	"github.com/inframate/inframate/pkg/runner"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the remediation policy gate",
		Long: `Remediation commands run autonomously only when every enabled Rego policy
allows them. Built-in policies are always loaded; files listed under
policy.paths add to or replace them.`,
	}
	cmd.AddCommand(newPolicyCheckCommand())
	cmd.AddCommand(newPolicyListCommand())
	return cmd
}

func loadPolicyEngine(ctx context.Context) (*policy.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return engine, nil
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		command        string
		classification string
		step           string
		autonomous     bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a command against the policy gate",
		Example: `  inframate policy check --command "terraform init -input=false"
  inframate policy check --command "rm -rf /" --autonomous`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			argv, err := runner.Split(command)
			if err != nil {
				return err
			}
			engine, err := loadPolicyEngine(ctx)
			if err != nil {
				return err
			}

			input := policy.NewInput(command, argv)
			input.Source = "cli"
			input.Classification = classification
			input.Step = step
			input.Autonomous = autonomous

			result, err := engine.Evaluate(ctx, input)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), "", result); err != nil {
				return err
			}
			if !result.Allowed {
				return fmt.Errorf("command denied: %s", result.Reason())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "command line to evaluate")
	cmd.Flags().StringVar(&classification, "classification", "", "failure classification the command remediates")
	cmd.Flags().StringVar(&step, "step", "", "pipeline step the command remediates")
	cmd.Flags().BoolVar(&autonomous, "autonomous", true, "evaluate as an unattended command")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadPolicyEngine(cmd.Context())
			if err != nil {
				return err
			}
			policies := engine.ListPolicies()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), "", policies)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, p.Description)
			}
			return tw.Flush()
		},
	}
}
