package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/app"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/service/deadletter"
)

var errPurgeNotConfirmed = errors.New("refusing to purge without --yes")

func deadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Reconcile and inspect the dead-letter queue",
	}
	cmd.AddCommand(deadLetterReconcileCmd())
	cmd.AddCommand(deadLetterPurgeCmd())
	cmd.AddCommand(deadLetterStatsCmd())
	return cmd
}

func deadLetterReconcileCmd() *cobra.Command {
	var maxMessages int

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Classify dead-lettered messages and requeue or quarantine them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Reconciler().Reconcile(ctx, maxMessages)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if wantJSON(cmd) {
					return printJSON(out, report)
				}
				printField(out, "processed", report.Processed)
				printField(out, "requeued", report.Requeued)
				printField(out, "failed", report.Failed)
				printField(out, "ignored", report.Ignored)
				printField(out, "resolved", report.Resolved)
				printField(out, "errors", report.Errors)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&maxMessages, "max", deadletter.DefaultMaxMessages, "maximum messages to examine")
	return cmd
}

func deadLetterPurgeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every visible dead-letter message without inspecting it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errPurgeNotConfirmed
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				purged, err := a.Reconciler().Purge(ctx)
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), map[string]int{"purged": purged})
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Purged %d dead-letter messages\n", purged)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}

func deadLetterStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show approximate dead-letter queue depth",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Reconciler().Stats(ctx)
				if err != nil {
					return err
				}
				return printStats(cmd, a.DeadLetter.Name(), stats)
			})
		},
	}
}

func printStats(cmd *cobra.Command, name string, stats queue.Stats) error {
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		return printJSON(out, stats)
	}
	printField(out, "queue", name)
	printField(out, "visible", stats.Visible)
	printField(out, "in flight", stats.InFlight)
	printField(out, "delayed", stats.Delayed)
	return nil
}
