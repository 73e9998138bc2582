package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inframate/inframate/pkg/stores"
)

func newReportCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect stored runs",
		Long:  `List stored workflow runs, show a run's summary and recovery report, print its events, or list handled errors.`,
	}

	cmd.AddCommand(newReportListCommand(version))
	cmd.AddCommand(newReportShowCommand(version))
	cmd.AddCommand(newReportEventsCommand(version))
	cmd.AddCommand(newReportRecoveriesCommand(version))
	return cmd
}

// openStoreApp builds an app that only needs the store.
func openStoreApp(ctx context.Context, version string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Store.Enabled {
		return nil, errors.New("run store is disabled in the configuration")
	}
	cfg.Telemetry.Events.Enabled = false
	return newApp(ctx, cfg, appOptions{version: version, withStore: true})
}

func newReportListCommand(version string) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStoreApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				for _, r := range runs {
					r.Summary = ""
				}
				return writeJSON(cmd.OutOrStdout(), "", runs)
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	return cmd
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tACTION\tMODE\tSTATUS\tSTEPS\tFAILURES\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Action, r.Mode, r.Status, r.StepCount, r.FailureCount,
			r.StartedAt.Local().Format(time.DateTime), duration)
	}
	return tw.Flush()
}

func newReportShowCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run summary with its recovery report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStoreApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.store.GetRunSummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), "", summary)
		},
	}
}

func newReportEventsCommand(version string) *cobra.Command {
	var (
		level string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print the events recorded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStoreApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := stores.EventFilter{RunID: &args[0]}
			if level != "" {
				filter.Level = &level
			}
			events, err := a.store.GetEvents(cmd.Context(), filter, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), "", events)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tLEVEL\tTYPE\tMESSAGE")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					ev.Timestamp.Local().Format(time.TimeOnly), ev.Level, ev.Type, ev.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "only events of this level (info, warning, error)")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum number of events")
	return cmd
}

func newReportRecoveriesCommand(version string) *cobra.Command {
	var (
		runID         string
		limit, offset int
	)

	cmd := &cobra.Command{
		Use:   "recoveries",
		Short: "List handled errors, newest first",
		Long: `List stored recovery records. Without --run-id this includes errors
handled outside a workflow run, such as those from "inframate handle".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStoreApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			var filter *string
			if runID != "" {
				filter = &runID
			}
			recs, err := a.store.ListRecoveries(cmd.Context(), filter, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), "", recs)
			}
			return printRecoveries(cmd.OutOrStdout(), recs)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "only records of this run")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of records to skip")
	return cmd
}

func printRecoveries(w io.Writer, recs []*stores.RecoveryRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRUN\tSTEP\tCLASSIFICATION\tSEVERITY\tRECOVERED\tRETRIES\tOUTCOME\tMESSAGE")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
			r.ID, orDash(r.RunID), orDash(r.Step), r.Classification, r.Severity,
			r.Recovered, r.RetryCount, orDash(r.RecoveryOutcome), r.Message)
	}
	return tw.Flush()
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
