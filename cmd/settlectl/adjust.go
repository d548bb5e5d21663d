package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atmx/pv-engine/internal/adjustment"
	"github.com/atmx/pv-engine/internal/app"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/store"
)

func adjustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Open, inspect and finalize adjustment batches",
	}
	cmd.AddCommand(adjustCreateCmd())
	cmd.AddCommand(adjustFinalizeCmd())
	cmd.AddCommand(adjustListCmd())
	cmd.AddCommand(adjustShowCmd())
	return cmd
}

func adjustCreateCmd() *cobra.Command {
	var (
		refund bool
		reason string
		note   string
		actor  string
	)
	cmd := &cobra.Command{
		Use:   "create [reference-type] [reference-id]",
		Short: "Open a manual correction, or a refund batch with --refund",
		Long: `Reference types are order, weekly_settlement and quarterly_settlement.
A refund derives its reason from the related settlement unless --reason is set.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			refType := model.ReferenceType(args[0])
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var (
					res adjustment.CreateResult
					err error
				)
				if refund {
					res, err = a.Adjustments.CreateRefundAdjustment(ctx, adjustment.RefundRequest{
						ReferenceType: refType,
						ReferenceID:   args[1],
						Reason:        model.ReasonType(reason),
						Note:          note,
						ActorID:       actor,
					})
				} else {
					if reason != "" {
						return fmt.Errorf("--reason only applies to refunds")
					}
					res, err = a.Adjustments.CreateManualCorrection(ctx, adjustment.ManualCorrection{
						ReferenceType: refType,
						ReferenceID:   args[1],
						Note:          note,
						ActorID:       actor,
					})
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().BoolVar(&refund, "refund", false, "Open a refund batch instead of a manual correction")
	cmd.Flags().StringVar(&reason, "reason", "", "Force the refund reason (refund_before_finalize, refund_after_finalize)")
	cmd.Flags().StringVar(&note, "note", "", "Operator note stored on the batch")
	cmd.Flags().StringVar(&actor, "actor", "settlectl", "Actor recorded as the creator")
	return cmd
}

func adjustFinalizeCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "finalize [batch-id]",
		Short: "Finalize a batch, writing its reversals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Adjustments.FinalizeAdjustmentBatch(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "settlectl", "Actor recorded as the finalizer")
	return cmd
}

func adjustListCmd() *cobra.Command {
	var f store.AdjustmentFilter
	var refType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List adjustment batches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ReferenceType = model.ReferenceType(refType)
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				batches, err := a.Adjustments.GetAdjustmentBatches(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(cmd, batches)
			})
		},
	}
	cmd.Flags().StringVar(&refType, "reference-type", "", "Filter by reference type")
	cmd.Flags().StringVar(&f.ReferenceID, "reference-id", "", "Filter by reference ID")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "Maximum results")
	return cmd
}

func adjustShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [batch-id]",
		Short: "Show a batch with its audit entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				details, err := a.Adjustments.GetAdjustmentBatchDetails(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, details)
			})
		},
	}
}
