package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/app"
	"github.com/garrettladley/payhook/internal/storage"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and retry stored webhook events",
	}
	cmd.AddCommand(eventsListCmd())
	cmd.AddCommand(eventsGetCmd())
	cmd.AddCommand(eventsRetryCmd())
	cmd.AddCommand(eventsStatsCmd())
	return cmd
}

func eventsListCmd() *cobra.Command {
	var (
		status     string
		eventType  string
		externalID string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := storage.ListFilter{Limit: limit, Offset: offset}
			if status != "" {
				s, err := storage.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &s
			}
			if eventType != "" {
				t := storage.EventType(eventType)
				filter.EventType = &t
			}
			if externalID != "" {
				filter.ExternalID = &externalID
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				page, err := a.Events().List(ctx, filter)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if wantJSON(cmd) {
					return printJSON(out, page)
				}
				for _, e := range page.Events {
					printEventLine(out, e)
				}
				_, _ = fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d of %d events (offset %d)", len(page.Events), page.Total, page.Offset)))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING, PROCESSING, PROCESSED, RETRYING, FAILED)")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by internal event type, e.g. payment.capture")
	cmd.Flags().StringVar(&externalID, "external-id", "", "filter by upstream notification id")
	cmd.Flags().IntVar(&limit, "limit", storage.DefaultListLimit, "page size (max 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func eventsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a single event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				event, err := a.Events().Get(ctx, args[0])
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), event)
				}
				printEvent(cmd.OutOrStdout(), event)
				return nil
			})
		},
	}
}

func eventsRetryCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-enqueue an event for immediate delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				event, err := a.Events().Retry(ctx, args[0], force)
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), event)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Event %s re-enqueued (%s)\n",
					event.ID, statusStyle(event.Status).Render(string(event.Status)))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "reset an exhausted retry budget")
	return cmd
}

func eventsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count events by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				counts, err := a.Events().StatusCounts(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if wantJSON(cmd) {
					return printJSON(out, counts)
				}
				for _, status := range storage.Statuses {
					printField(out, string(status), counts.Counts[status])
				}
				printField(out, "total", counts.Total)
				return nil
			})
		},
	}
}
