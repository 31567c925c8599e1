package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateExternalID = errors.New("duplicate external id")
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

type RateLimitResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (RateLimitResult, error)
}

type ListFilter struct {
	EventType  *EventType
	Status     *Status
	ExternalID *string
	Limit      int
	Offset     int
}

// Normalize clamps the page window to sane bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// EventStore is the durable record of every accepted webhook notification.
type EventStore interface {
	// Create inserts a new event.
	// Returns ErrDuplicateExternalID if an event with the same external id exists.
	Create(ctx context.Context, event *WebhookEvent) error

	// FindByID returns ErrNotFound if no event has the id.
	FindByID(ctx context.Context, id string) (*WebhookEvent, error)

	// FindByExternalID returns ErrNotFound if no event has the external id.
	FindByExternalID(ctx context.Context, externalID string) (*WebhookEvent, error)

	// Update persists the mutable fields of an event, keyed by its id.
	Update(ctx context.Context, event *WebhookEvent) error

	// List returns one page of events, newest first, and the total match count.
	List(ctx context.Context, filter ListFilter) ([]WebhookEvent, int, error)

	CountByStatus(ctx context.Context) (map[Status]int, error)

	Ping(ctx context.Context) error

	Close() error
}
