package commands

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/inframate/inframate/pkg/config"
	"github.com/inframate/inframate/pkg/remediate"
	"github.com/inframate/inframate/pkg/workflow"
)

func newRunCommand(version string) *cobra.Command {
	var (
		repoPath   string
		autonomous bool
		output     string
		injections []string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <analyze|optimize|secure|visualize|auto>",
		Short: "Run a pipeline action with error recovery",
		Long: `Run one pipeline step, or every step in order with "auto".

Each step failure is classified and handed to the recovery handler. In
supervised mode the run halts at the first unrecovered failure; in autonomous
mode it continues and executes policy-approved remediation commands.

The run summary and recovery report are printed as JSON. The command exits
non-zero when the run did not succeed.`,
		Example: `  # Run the full pipeline in the current directory
  inframate run auto

  # Run unattended against another repository
  inframate run auto --repo-path ./infra --autonomous

  # Exercise recovery by injecting a network fault into analyze
  inframate run auto --inject analyze=network --output summary.json`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: append(workflow.Pipeline(), workflow.ActionAuto),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			action := args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("repo-path") {
				cfg.RepoPath = repoPath
			}
			if cmd.Flags().Changed("autonomous") {
				cfg.Autonomous = autonomous
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Timeout = config.Duration(timeout)
			}
			repo, err := filepath.Abs(cfg.RepoPath)
			if err != nil {
				return fmt.Errorf("invalid repo path: %w", err)
			}

			a, err := newApp(ctx, cfg, appOptions{version: version, withStore: true, withPolicy: true, withMetrics: true})
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := a.newHandler()
			if err != nil {
				return err
			}

			mode := workflow.ModeSupervised
			if cfg.Autonomous {
				mode = workflow.ModeAutonomous
			}
			opts := workflow.Options{
				Mode:                mode,
				Timeout:             cfg.Timeout.Std(),
				EscalationThreshold: cfg.EscalationThreshold,
				RepoPath:            repo,
				Remediator: remediate.New(cfg.RemediateConfig(repo), a.policy,
					remediate.WithEvents(a.tel.Events),
					remediate.WithMetrics(a.tel.Metrics),
					remediate.WithLogger(a.logger)),
				Metrics: a.tel.Metrics,
				Tracer:  a.tel.Tracer,
				Events:  a.tel.Events,
				Logger:  a.logger,
			}
			if a.store != nil {
				opts.Store = a.store
			}
			if len(injections) > 0 {
				injector := workflow.NewFaultInjector()
				for _, inj := range injections {
					step, class, err := workflow.ParseInjection(inj)
					if err != nil {
						return err
					}
					injector.Inject(step, class)
				}
				opts.Injector = injector
			}

			wf := workflow.New(handler, opts)
			for _, name := range workflow.Pipeline() {
				sc, ok := cfg.Steps[name]
				if !ok {
					continue
				}
				step, err := workflow.NewCommandStep(name, sc.Command, repo, sc.Timeout.Std())
				if err != nil {
					return err
				}
				if err := wf.Register(name, step.Run); err != nil {
					return err
				}
			}

			a.logger.Info().
				Str("action", action).
				Str("repo_path", repo).
				Str("mode", string(mode)).
				Strs("inject", injections).
				Msg("Running action")

			summary, err := wf.Run(ctx, action)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), output, summary); err != nil {
				return err
			}
			if !summary.Success {
				return fmt.Errorf("run %s finished with status %s (%s)",
					summary.RunID, summary.Status, strings.Join(failedSteps(summary), ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repoPath, "repo-path", ".", "path to the infrastructure repository")
	cmd.Flags().BoolVar(&autonomous, "autonomous", false, "continue past failures and execute approved remediation")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the run summary to this file instead of stdout")
	cmd.Flags().StringSliceVar(&injections, "inject", nil, "inject a one-shot fault (step=classification)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "deadline for the whole run")

	return cmd
}

func failedSteps(s *workflow.Summary) []string {
	names := make([]string, 0, len(s.Failures))
	for _, f := range s.Failures {
		names = append(names, f.Step)
	}
	if len(names) == 0 {
		names = append(names, "no step failures")
	}
	return names
}
