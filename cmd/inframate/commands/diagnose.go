package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/inframate/inframate/pkg/advisor"
	"github.com/inframate/inframate/pkg/recovery"
)

// RecoveryPlan is the diagnosis written by the diagnose command.
type RecoveryPlan struct {
	ErrorType     string    `json:"error_type"`
	WorkflowName  string    `json:"workflow_name,omitempty"`
	FailedJob     string    `json:"failed_job,omitempty"`
	RootCause     string    `json:"root_cause"`
	Solution      string    `json:"solution"`
	RecoverySteps []string  `json:"recovery_steps"`
	Prevention    string    `json:"prevention"`
	Advisor       string    `json:"advisor"`
	CreatedAt     time.Time `json:"created_at"`
}

func newDiagnoseCommand() *cobra.Command {
	var (
		errorType    string
		message      string
		errorFile    string
		workflowName string
		failedJob    string
		output       string
	)

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Ask the solution provider for a recovery plan",
		Long: `Send a failure to the configured solution provider and write its advice as
a recovery plan. When no provider is configured or the call fails, the
offline rule-based analysis is used instead.`,
		Example: `  inframate diagnose --type infrastructure_tool --message "Error acquiring the state lock"
  inframate diagnose --type permission --error-file job.log --output plan.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if errorFile != "" {
				blob, err := os.ReadFile(errorFile)
				if err != nil {
					return fmt.Errorf("failed to read error file: %w", err)
				}
				message = string(blob)
			}
			if strings.TrimSpace(message) == "" {
				message = "No error logs provided"
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			req := advisor.Request{
				Classification: string(recovery.Normalize(errorType)),
				Message:        message,
				Severity:       string(recovery.SeverityMedium),
				ContextData: map[string]any{
					"workflow_name": workflowName,
					"failed_job":    failedJob,
				},
			}
			sol, name := diagnose(cmd.Context(), cfg.NewAdvisor(), req)

			plan := RecoveryPlan{
				ErrorType:     errorType,
				WorkflowName:  workflowName,
				FailedJob:     failedJob,
				RootCause:     sol.RootCause,
				Solution:      strings.Join(sol.RemediationSteps, "\n"),
				RecoverySteps: sol.RemediationSteps,
				Prevention:    sol.Prevention,
				Advisor:       name,
				CreatedAt:     time.Now().UTC(),
			}
			if plan.RootCause == "" {
				plan.RootCause = "Unknown root cause"
			}
			if plan.Solution == "" {
				plan.Solution = sol.RawText
			}
			if plan.Prevention == "" {
				plan.Prevention = "Implement more comprehensive error handling"
			}
			if plan.RecoverySteps == nil {
				plan.RecoverySteps = []string{}
			}
			return writeJSON(cmd.OutOrStdout(), output, plan)
		},
	}

	cmd.Flags().StringVarP(&errorType, "type", "t", "auto_detect", "error classification")
	cmd.Flags().StringVarP(&message, "message", "m", "", "error message or logs")
	cmd.Flags().StringVar(&errorFile, "error-file", "", "read the error logs from this file")
	cmd.Flags().StringVar(&workflowName, "workflow-name", "", "name of the failed workflow")
	cmd.Flags().StringVar(&failedJob, "failed-job", "", "name of the failed job")
	cmd.Flags().StringVarP(&output, "output", "o", "recovery_plan.json", "recovery plan path (empty for stdout)")

	return cmd
}

// diagnose asks adv and falls back to the offline analysis.
func diagnose(ctx context.Context, adv advisor.Advisor, req advisor.Request) (*advisor.Solution, string) {
	if adv != nil && adv.Available() {
		sol, err := adv.Advise(ctx, req)
		if err == nil && sol != nil {
			return sol, adv.Name()
		}
		log.Warn().Err(err).Str("advisor", adv.Name()).Msg("Solution provider failed; using basic analysis")
	}
	sol, _ := advisor.Basic{}.Advise(ctx, req)
	return sol, advisor.Basic{}.Name()
}
