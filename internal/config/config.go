package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	appenv "github.com/garrettladley/payhook/internal/env"
)

type StoreDriver string

const (
	StorePostgres StoreDriver = "postgres"
	StoreSQLite   StoreDriver = "sqlite"
	StoreMemory   StoreDriver = "memory"
)

type QueueDriver string

const (
	QueueRedis  QueueDriver = "redis"
	QueueMemory QueueDriver = "memory"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Port        string             `env:"PORT" envDefault:"8080"`
	Env         appenv.Environment `env:"ENV" envDefault:"development"`
	AdminAPIKey string             `env:"ADMIN_API_KEY"`
	Webhook     Webhook            `envPrefix:"WEBHOOK_"`
	Store       Store              `envPrefix:"STORE_"`
	Database    Database           `envPrefix:"DATABASE_"`
	SQLite      SQLite             `envPrefix:"SQLITE_"`
	Redis       Redis              `envPrefix:"REDIS_"`
	Queue       Queue              `envPrefix:"QUEUE_"`
	Worker      Worker             `envPrefix:"WORKER_"`
	Idempotency Idempotency        `envPrefix:"IDEMPOTENCY_"`
	RateLimit   RateLimit          `envPrefix:"RATE_"`
}

type Webhook struct {
	// Secrets maps a provider path segment to its signing secret,
	// e.g. WEBHOOK_SECRETS=authorizenet:abc123,sandbox:def456.
	Secrets            map[string]string `env:"SECRETS" envSeparator:"," envKeyValSeparator:":"`
	SignatureHeader    string            `env:"SIGNATURE_HEADER" envDefault:"X-ANET-Signature"`
	RequireSignature   bool              `env:"REQUIRE_SIGNATURE" envDefault:"true"`
	TimestampTolerance time.Duration     `env:"TIMESTAMP_TOLERANCE" envDefault:"5m"`
}

type Store struct {
	Driver StoreDriver `env:"DRIVER" envDefault:"postgres"`
}

type Database struct {
	URL string `env:"URL"`
}

type SQLite struct {
	Path string `env:"PATH" envDefault:"payhook.db"`
}

type Redis struct {
	URL string `env:"URL" envDefault:"redis://localhost:6379/0"`
}

type Queue struct {
	Driver            QueueDriver   `env:"DRIVER" envDefault:"redis"`
	Name              string        `env:"NAME" envDefault:"payhook-events"`
	DLQName           string        `env:"DLQ_NAME" envDefault:"payhook-events-dlq"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"30s"`
	WaitTime          time.Duration `env:"WAIT_TIME" envDefault:"20s"`
	MaxReceiveCount   int           `env:"MAX_RECEIVE_COUNT" envDefault:"5"`
}

type Worker struct {
	Enabled        bool          `env:"ENABLED" envDefault:"true"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"10"`
	MaxConcurrency int           `env:"MAX_CONCURRENCY" envDefault:"5"`
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"3"`
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT" envDefault:"30s"`
}

type Idempotency struct {
	TTL           time.Duration `env:"TTL" envDefault:"60m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
}

type RateLimit struct {
	Limit float64 `env:"LIMIT" envDefault:"10"`
	Burst int     `env:"BURST" envDefault:"20"`
}

func Read() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once so a misconfigured deploy fails
// with the whole list.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case StorePostgres:
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("%w: DATABASE_URL is required for the postgres store", ErrInvalid))
		}
	case StoreSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, fmt.Errorf("%w: SQLITE_PATH is required for the sqlite store", ErrInvalid))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown STORE_DRIVER %q", ErrInvalid, c.Store.Driver))
	}

	switch c.Queue.Driver {
	case QueueRedis, QueueMemory:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown QUEUE_DRIVER %q", ErrInvalid, c.Queue.Driver))
	}

	if len(c.Webhook.Secrets) == 0 {
		errs = append(errs, fmt.Errorf("%w: WEBHOOK_SECRETS must name at least one provider", ErrInvalid))
	}
	for provider, secret := range c.Webhook.Secrets {
		if secret == "" {
			errs = append(errs, fmt.Errorf("%w: empty secret for provider %q", ErrInvalid, provider))
		}
	}
	if c.Env.IsProduction() && c.AdminAPIKey == "" {
		errs = append(errs, fmt.Errorf("%w: ADMIN_API_KEY is required in production", ErrInvalid))
	}
	if c.Worker.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%w: WORKER_MAX_RETRIES must not be negative", ErrInvalid))
	}

	return errors.Join(errs...)
}
