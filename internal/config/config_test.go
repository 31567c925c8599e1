package config

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRead_Defaults(t *testing.T) {
	t.Setenv("WEBHOOK_SECRETS", "authorizenet:abc123,sandbox:def456")
	t.Setenv("DATABASE_URL", "postgres://localhost/payhook")

	cfg, err := Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	wantSecrets := map[string]string{"authorizenet": "abc123", "sandbox": "def456"}
	if diff := cmp.Diff(wantSecrets, cfg.Webhook.Secrets); diff != "" {
		t.Errorf("secrets mismatch (-want +got):\n%s", diff)
	}
	if cfg.Store.Driver != StorePostgres || cfg.Queue.Driver != QueueRedis {
		t.Errorf("drivers = %s/%s", cfg.Store.Driver, cfg.Queue.Driver)
	}
	if cfg.Webhook.TimestampTolerance != 5*time.Minute {
		t.Errorf("TimestampTolerance = %s", cfg.Webhook.TimestampTolerance)
	}
	want := Worker{
		Enabled:        true,
		PollInterval:   5 * time.Second,
		BatchSize:      10,
		MaxConcurrency: 5,
		MaxRetries:     3,
		HandlerTimeout: 30 * time.Second,
	}
	if diff := cmp.Diff(want, cfg.Worker); diff != "" {
		t.Errorf("worker mismatch (-want +got):\n%s", diff)
	}
	if cfg.Idempotency.TTL != time.Hour {
		t.Errorf("Idempotency.TTL = %s", cfg.Idempotency.TTL)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Env:     "development",
			Webhook: Webhook{Secrets: map[string]string{"authorizenet": "s"}},
			Store:   Store{Driver: StoreMemory},
			Queue:   Queue{Driver: QueueMemory},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "postgres without url", mutate: func(c *Config) { c.Store.Driver = StorePostgres }, wantErr: true},
		{name: "postgres with url", mutate: func(c *Config) {
			c.Store.Driver = StorePostgres
			c.Database.URL = "postgres://x"
		}},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Driver = StoreSQLite }, wantErr: true},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Driver = "mongo" }, wantErr: true},
		{name: "unknown queue", mutate: func(c *Config) { c.Queue.Driver = "sqs" }, wantErr: true},
		{name: "no secrets", mutate: func(c *Config) { c.Webhook.Secrets = nil }, wantErr: true},
		{name: "empty secret", mutate: func(c *Config) { c.Webhook.Secrets = map[string]string{"authorizenet": ""} }, wantErr: true},
		{name: "production without admin key", mutate: func(c *Config) { c.Env = "production" }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Worker.MaxRetries = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
		})
	}
}
