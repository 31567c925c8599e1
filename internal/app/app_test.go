package app

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/garrettladley/payhook/internal/config"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xslog"
)

func testConfig() config.Config {
	return config.Config{
		Env: "development",
		Webhook: config.Webhook{
			Secrets:            map[string]string{"authorizenet": "s3cr3t"},
			RequireSignature:   true,
			TimestampTolerance: 5 * time.Minute,
		},
		Store: config.Store{Driver: config.StoreMemory},
		Queue: config.Queue{
			Driver:            config.QueueMemory,
			Name:              "events",
			DLQName:           "events-dlq",
			VisibilityTimeout: 30 * time.Second,
			MaxReceiveCount:   5,
		},
		Worker: config.Worker{
			PollInterval:   time.Second,
			BatchSize:      10,
			MaxConcurrency: 5,
			MaxRetries:     3,
		},
		RateLimit: config.RateLimit{Limit: 10, Burst: 20},
	}
}

func TestNew_Drivers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(t *testing.T, cfg *config.Config)
		wantRedis bool
	}{
		{
			name:   "memory",
			mutate: func(*testing.T, *config.Config) {},
		},
		{
			name: "sqlite",
			mutate: func(t *testing.T, cfg *config.Config) {
				cfg.Store.Driver = config.StoreSQLite
				cfg.SQLite.Path = filepath.Join(t.TempDir(), "payhook.db")
			},
		},
		{
			name: "redis queue",
			mutate: func(t *testing.T, cfg *config.Config) {
				mr := miniredis.RunT(t)
				cfg.Queue.Driver = config.QueueRedis
				cfg.Redis.URL = "redis://" + mr.Addr()
			},
			wantRedis: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			tt.mutate(t, &cfg)

			ctx := context.Background()
			a, err := New(ctx, cfg, xslog.NewLogger(io.Discard, xslog.LevelInfo))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			t.Cleanup(a.Close)

			if (a.Redis != nil) != tt.wantRedis {
				t.Errorf("Redis client present = %v, want %v", a.Redis != nil, tt.wantRedis)
			}
			if a.DeadLetter == nil || a.DeadLetter.Name() != "events-dlq" {
				t.Fatalf("dead-letter queue not wired")
			}
			if err := a.Store.Ping(ctx); err != nil {
				t.Errorf("Ping() error = %v", err)
			}

			limiter := a.RateLimiter()
			res, err := limiter.Allow(ctx, "198.51.100.7")
			if err != nil || !res.Allowed {
				t.Errorf("Allow() = %+v, %v", res, err)
			}

			result, err := a.Events().StatusCounts(ctx)
			if err != nil {
				t.Fatalf("StatusCounts() error = %v", err)
			}
			if result.Total != 0 {
				t.Errorf("Total = %d, want 0", result.Total)
			}

			report, err := a.Reconciler().Reconcile(ctx, 1)
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if report.Processed != 0 {
				t.Errorf("Processed = %d, want 0", report.Processed)
			}
		})
	}
}

func TestNew_WiresPipeline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := New(ctx, testConfig(), xslog.NewLogger(io.Discard, xslog.LevelInfo))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(a.Close)

	if _, err := a.Queue.Send(ctx, queue.Envelope{EventID: "missing", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	res := a.Worker().Tick(ctx)
	if res.Received != 1 || res.Skipped != 1 {
		t.Errorf("Tick() = %+v, want one skipped message", res)
	}

	if _, err := a.Events().Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Store.Driver = "mongo"
	if _, err := New(context.Background(), cfg, xslog.NewLogger(io.Discard, xslog.LevelInfo)); err == nil {
		t.Fatal("New() succeeded with an unknown store driver")
	}
}
