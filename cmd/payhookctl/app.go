package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/app"
	"github.com/garrettladley/payhook/internal/config"
	"github.com/garrettladley/payhook/internal/xslog"
)

// logs go to stderr so command output stays pipeable
func newLogger() *slog.Logger {
	return xslog.NewLoggerFromEnv(os.Stderr)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Read()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return cfg, nil
}

// withApp runs fn against a fully wired App and releases it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger()
	ctx := xslog.WithLogger(cmd.Context(), logger)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
