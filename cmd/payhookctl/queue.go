package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/app"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the work queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show approximate work queue depth",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Queue.Stats(ctx)
				if err != nil {
					return err
				}
				return printStats(cmd, a.Queue.Name(), stats)
			})
		},
	})
	return cmd
}
