package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garrettladley/payhook/internal/app"
	"github.com/garrettladley/payhook/internal/config"
	"github.com/garrettladley/payhook/internal/server"
	"github.com/garrettladley/payhook/internal/xslog"
	"github.com/joho/godotenv"
)

const (
	keyPort          = "port"
	keyStoreDriver   = "store_driver"
	keyQueueDriver   = "queue_driver"
	keyWorkerEnabled = "worker_enabled"

	shutdownTimeout = 30 * time.Second
)

func main() {
	_ = godotenv.Load()

	logger := xslog.NewLoggerFromEnv(os.Stdout)
	slog.SetDefault(logger)

	ctx := context.Background()
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

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.AdminAPIKey == "" {
		logger.WarnContext(ctx, "ADMIN_API_KEY is not set; operator routes are unauthenticated")
	}

	handler := server.NewRouter(server.Deps{
		Logger:          logger,
		Webhooks:        a.Processor(),
		Events:          a.Events(),
		DeadLetter:      a.Reconciler(),
		Store:           a.Store,
		Queue:           a.Queue,
		RateLimiter:     a.RateLimiter(),
		AdminAPIKey:     cfg.AdminAPIKey,
		SignatureHeader: cfg.Webhook.SignatureHeader,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w := a.Worker()
	if cfg.Worker.Enabled {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting server",
			xslog.Version(),
			slog.String(keyPort, cfg.Port),
			slog.String(keyStoreDriver, string(cfg.Store.Driver)),
			slog.String(keyQueueDriver, string(cfg.Queue.Driver)),
			slog.Bool(keyWorkerEnabled, cfg.Worker.Enabled))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-done:
		logger.InfoContext(ctx, "shutdown signal received, initiating graceful shutdown")
	case err := <-serverErr:
		w.Stop()
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		w.Stop()
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// in-flight handlers finish before the store and queue are closed
	w.Stop()

	logger.InfoContext(ctx, "server stopped")
	return nil
}
