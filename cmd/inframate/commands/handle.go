package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inframate/inframate/pkg/recovery"
)

func newHandleCommand(version string) *cobra.Command {
	var (
		errorType string
		message   string
		severity  string
		step      string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "handle",
		Short: "Handle one failure through the recovery handler",
		Long: `Classify and recover a single failure reported by an external job, then
print the recovery report. Unknown classifications are handled as system
errors. The command exits non-zero when the failure was not recovered.`,
		Example: `  # Recover a Terraform state lock reported by CI
  inframate handle --type terraform_error --message "Error acquiring the state lock"

  # A critical failure gets a single attempt
  inframate handle --type api --message "quota exhausted" --severity critical`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			sev, err := recovery.ParseSeverity(severity)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, appOptions{version: version, withStore: true})
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := a.newHandler()
			if err != nil {
				return err
			}

			data := map[string]any{"source": "cli"}
			if step != "" {
				data["step"] = step
			}
			ec := handler.NewErrorContext(errorType, message, sev, data)
			handler.HandleContext(ctx, ec)

			if a.store != nil {
				if err := a.store.SaveRecovery(ctx, "", ec); err != nil {
					a.logger.Warn().Err(err).Msg("Failed to store recovery record")
				}
			}

			if err := writeJSON(cmd.OutOrStdout(), output, handler.Report()); err != nil {
				return err
			}
			if !ec.Recovered() {
				return fmt.Errorf("%s error was not recovered after %d attempts", ec.Classification, ec.RetryCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&errorType, "type", "t", string(recovery.ClassSystem), "error classification")
	cmd.Flags().StringVarP(&message, "message", "m", "", "error message")
	cmd.Flags().StringVarP(&severity, "severity", "s", string(recovery.SeverityMedium), "error severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&step, "step", "", "pipeline step that failed")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the report to this file instead of stdout")
	_ = cmd.MarkFlagRequired("message")

	return cmd
}
