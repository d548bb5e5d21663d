package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atmx/pv-engine/internal/app"
	"github.com/atmx/pv-engine/internal/settlement"
)

// printReport prints whatever report a run produced. A partial batch still
// has a report worth showing before the error.
func printReport[T any](cmd *cobra.Command, report *T, err error) error {
	if report != nil {
		if perr := printJSON(cmd, report); perr != nil {
			return perr
		}
	}
	var batchErr *settlement.BatchError
	if errors.As(err, &batchErr) {
		for _, f := range batchErr.Failures {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", f.UserID, f.Error)
		}
	}
	return err
}

func weeklyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weekly",
		Short: "Weekly pair and matching settlement",
	}

	var strategy string
	run := &cobra.Command{
		Use:   "run [week-key]",
		Short: "Settle a week, e.g. 2025-W11. Re-running a partial week resumes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Settlements.RunWeekly(ctx, args[0], settlement.WeeklyOptions{Strategy: strategy})
				return printReport(cmd, report, err)
			})
		},
	}
	run.Flags().StringVarP(&strategy, "strategy", "s", "", "Carry-flash strategy override for a new run")

	cmd.AddCommand(run)
	return cmd
}

func quarterlyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarterly",
		Short: "Quarterly stockist and leader dividends",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run [quarter-key]",
		Short: "Distribute a quarter's pools, e.g. 2025-Q1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Settlements.RunQuarterly(ctx, args[0])
				return printReport(cmd, report, err)
			})
		},
	})
	return cmd
}

func releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Release held bonuses whose hold period has ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Releaser.ReleaseDue(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"released": n})
			})
		},
	}
}
