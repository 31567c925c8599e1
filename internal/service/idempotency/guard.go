package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/garrettladley/payhook/internal/clock"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/ttlcache"
	"github.com/garrettladley/payhook/internal/xslog"
)

const (
	DefaultTTL           = 60 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Snapshot is the response a duplicate delivery is answered with.
type Snapshot struct {
	EventID string         `json:"eventId"`
	Status  storage.Status `json:"status"`
}

type Result struct {
	IsIdempotent   bool
	ExistingResult *Snapshot
	ShouldProcess  bool
	// Key is the content hash, empty when it could not be computed.
	Key string
}

type Stats struct {
	Results  ttlcache.Stats `json:"results"`
	Messages ttlcache.Stats `json:"messages"`
}

type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// Guard suppresses duplicate deliveries. The durable externalId lookup is
// authoritative; the in-process caches are a best-effort layer beneath it.
type Guard struct {
	store    storage.EventStore
	ttl      time.Duration
	results  *ttlcache.Cache[string, Snapshot]
	messages *ttlcache.Cache[string, struct{}]
}

func New(store storage.EventStore, c clock.Clock, cfg Config) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	g := &Guard{
		store:    store,
		ttl:      cfg.TTL,
		results:  ttlcache.New[string, Snapshot](c),
		messages: ttlcache.New[string, struct{}](c),
	}
	g.results.Start(cfg.SweepInterval)
	g.messages.Start(cfg.SweepInterval)
	return g
}

// Check never fails: lookup errors are logged and treated as a miss so a
// storage hiccup cannot drop a delivery.
func (g *Guard) Check(ctx context.Context, externalID, eventType string, payload []byte) Result {
	logger := xslog.FromContext(ctx)

	event, err := g.store.FindByExternalID(ctx, externalID)
	switch {
	case err == nil:
		return Result{
			IsIdempotent:   true,
			ExistingResult: &Snapshot{EventID: event.ID, Status: event.Status},
			ShouldProcess:  false,
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		logger.WarnContext(ctx, "idempotency lookup failed, treating as new delivery",
			xslog.ExternalID(externalID),
			xslog.Error(err),
		)
	}

	key, err := GenerateKey(externalID, eventType, payload)
	if err != nil {
		logger.WarnContext(ctx, "failed to compute idempotency key",
			xslog.ExternalID(externalID),
			xslog.Error(err),
		)
		return Result{ShouldProcess: true}
	}

	if snap, ok := g.results.Get(key); ok {
		return Result{
			IsIdempotent:   true,
			ExistingResult: &snap,
			ShouldProcess:  false,
			Key:            key,
		}
	}

	return Result{ShouldProcess: true, Key: key}
}

func (g *Guard) StoreResult(key string, snap Snapshot) {
	if key == "" {
		return
	}
	g.results.Set(key, snap, g.ttl)
}

func (g *Guard) MarkMessageProcessed(messageID string) {
	g.messages.Set(messageID, struct{}{}, g.ttl)
}

func (g *Guard) IsMessageProcessed(messageID string) bool {
	_, ok := g.messages.Get(messageID)
	return ok
}

func (g *Guard) CacheStats() Stats {
	return Stats{
		Results:  g.results.Stats(),
		Messages: g.messages.Stats(),
	}
}

func (g *Guard) ClearCache() {
	g.results.Clear()
	g.messages.Clear()
}

func (g *Guard) Close() {
	g.results.Close()
	g.messages.Close()
}
