package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "inframate",
		Short: "Inframate - self-healing infrastructure pipeline",
		Long: `Inframate runs the analyze, optimize, secure and visualize steps over an
infrastructure repository and recovers from failures on its own.

Failures are classified, retried through per-class strategies with
exponential backoff, optionally diagnosed by an AI solution provider, and
recorded in an auditable recovery report. In autonomous mode, policy-approved
remediation commands run after a recovery.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDotenv()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newHandleCommand(version))
	rootCmd.AddCommand(newDiagnoseCommand())
	rootCmd.AddCommand(newReportCommand(version))
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
