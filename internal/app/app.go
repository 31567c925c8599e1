package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/garrettladley/payhook/internal/audit"
	"github.com/garrettladley/payhook/internal/clock"
	"github.com/garrettladley/payhook/internal/config"
	"github.com/garrettladley/payhook/internal/migrations/postgres"
	"github.com/garrettladley/payhook/internal/queue"
	xredis "github.com/garrettladley/payhook/internal/redis"
	"github.com/garrettladley/payhook/internal/service/deadletter"
	"github.com/garrettladley/payhook/internal/service/events"
	"github.com/garrettladley/payhook/internal/service/idempotency"
	"github.com/garrettladley/payhook/internal/service/webhook"
	"github.com/garrettladley/payhook/internal/service/worker"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xslog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App holds the long-lived dependencies shared by every payhook process.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Clock      clock.Clock
	Store      storage.EventStore
	Queue      queue.Queue
	DeadLetter queue.Queue
	Guard      *idempotency.Guard
	Audit      audit.Sink
	// Redis is nil unless the queue driver is redis.
	Redis *redis.Client

	closers []func() error
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Clock: clock.System()}

	if err := a.initStore(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := a.initQueue(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	a.Guard = idempotency.New(a.Store, a.Clock, idempotency.Config{
		TTL:           cfg.Idempotency.TTL,
		SweepInterval: cfg.Idempotency.SweepInterval,
	})
	a.closers = append(a.closers, func() error {
		a.Guard.Close()
		return nil
	})

	sinks := audit.Multi{audit.NewLogSink(logger)}
	if a.Redis != nil {
		sinks = append(sinks, audit.NewRedisSink(a.Redis, audit.DefaultChannel))
	}
	a.Audit = sinks

	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	store, err := OpenStore(ctx, a.Config, a.Logger)
	if err != nil {
		return err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// OpenStore connects to the configured event store and applies pending
// migrations.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.EventStore, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		logger.InfoContext(ctx, "initializing PostgreSQL store")
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		if err := postgres.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return storage.NewPostgresEventStore(pool), nil
	case config.StoreSQLite:
		logger.InfoContext(ctx, "initializing SQLite store", slog.String("path", cfg.SQLite.Path))
		store, err := storage.OpenSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreMemory:
		logger.WarnContext(ctx, "using in-memory store; events are lost on restart")
		return storage.NewMemoryEventStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalid, cfg.Store.Driver)
	}
}

func (a *App) initQueue(ctx context.Context) error {
	qcfg := queue.Config{
		Name:              a.Config.Queue.Name,
		DeadLetterName:    a.Config.Queue.DLQName,
		VisibilityTimeout: a.Config.Queue.VisibilityTimeout,
		WaitTime:          a.Config.Queue.WaitTime,
		MaxReceiveCount:   a.Config.Queue.MaxReceiveCount,
	}

	switch a.Config.Queue.Driver {
	case config.QueueRedis:
		a.Logger.InfoContext(ctx, "initializing Redis queue", xslog.Queue(qcfg.Name))
		client, err := xredis.New(ctx, xredis.Config{URL: a.Config.Redis.URL})
		if err != nil {
			return err
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)

		q, err := queue.NewRedis(ctx, client, a.Clock, qcfg)
		if err != nil {
			return err
		}
		a.Queue, a.DeadLetter = q, q.DeadLetter()
	case config.QueueMemory:
		a.Logger.WarnContext(ctx, "using in-memory queue; only an in-process worker can consume it", xslog.Queue(qcfg.Name))
		q, err := queue.NewMemory(a.Clock, qcfg)
		if err != nil {
			return err
		}
		a.Queue, a.DeadLetter = q, q.DeadLetter()
	default:
		return fmt.Errorf("%w: unknown queue driver %q", config.ErrInvalid, a.Config.Queue.Driver)
	}
	return nil
}

func (a *App) Processor() *webhook.Processor {
	return webhook.NewProcessor(webhook.Config{
		Secrets:            a.Config.Webhook.Secrets,
		RequireSignature:   a.Config.Webhook.RequireSignature,
		TimestampTolerance: a.Config.Webhook.TimestampTolerance,
		MaxRetries:         a.Config.Worker.MaxRetries,
	}, a.Store, a.Queue, a.Guard, a.Audit, a.Clock)
}

func (a *App) Worker() *worker.Worker {
	return worker.New(worker.Config{
		PollInterval:   a.Config.Worker.PollInterval,
		BatchSize:      a.Config.Worker.BatchSize,
		MaxConcurrency: a.Config.Worker.MaxConcurrency,
		HandlerTimeout: a.Config.Worker.HandlerTimeout,
	}, a.Store, a.Queue, a.Guard, worker.DefaultHandlers(), a.Audit, a.Clock)
}

func (a *App) Events() *events.Service {
	return events.NewService(a.Store, a.Queue, a.Audit, a.Clock)
}

func (a *App) Reconciler() *deadletter.Reconciler {
	return deadletter.New(a.DeadLetter, a.Queue, a.Store, a.Audit, a.Clock)
}

// RateLimiter shares limits through Redis when it is configured and falls
// back to per-process token buckets otherwise.
func (a *App) RateLimiter() storage.RateLimiter {
	if a.Redis != nil {
		return storage.NewRedisRateLimiter(a.Redis, a.Clock, a.Config.RateLimit.Limit, a.Config.RateLimit.Burst)
	}
	limiter := storage.NewMemoryRateLimiter(a.Clock, a.Config.RateLimit.Limit, a.Config.RateLimit.Burst)
	a.closers = append(a.closers, limiter.Close)
	return limiter
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Logger.Error("failed to release resources", xslog.Error(err))
	}
}
