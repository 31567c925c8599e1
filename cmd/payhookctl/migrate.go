package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/app"
	"github.com/garrettladley/payhook/internal/xslog"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending event store migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()
			ctx := xslog.WithLogger(cmd.Context(), logger)

			store, err := app.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied to %s store\n", cfg.Store.Driver)
			return nil
		},
	}
}
