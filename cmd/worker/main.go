package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/garrettladley/payhook/internal/app"
	"github.com/garrettladley/payhook/internal/config"
	"github.com/garrettladley/payhook/internal/xslog"
	"github.com/joho/godotenv"
)

var errMemoryQueue = errors.New("the standalone worker needs a shared queue; set QUEUE_DRIVER=redis")

func main() {
	_ = godotenv.Load()

	logger := xslog.NewLoggerFromEnv(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", xslog.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	ctx = xslog.WithLogger(ctx, logger)

	cfg, err := config.Read()
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if cfg.Queue.Driver == config.QueueMemory {
		return errMemoryQueue
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	w := a.Worker()
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	logger.InfoContext(ctx, "worker running", xslog.Version())

	<-ctx.Done()
	logger.InfoContext(context.WithoutCancel(ctx), "shutdown signal received, draining in-flight events")
	w.Stop()
	logger.InfoContext(context.WithoutCancel(ctx), "worker stopped")
	return nil
}
