package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/garrettladley/payhook/internal/audit"
	"github.com/garrettladley/payhook/internal/clock"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xslog"
)

var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrAlreadyProcessed = errors.New("event already processed")
	ErrInProgress       = errors.New("event is being processed")
)

type Page struct {
	Events []storage.WebhookEvent `json:"events"`
	Total  int                    `json:"total"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

type StatusCounts struct {
	Counts map[storage.Status]int `json:"counts"`
	Total  int                    `json:"total"`
}

// Service is the read and operator surface over stored events.
type Service struct {
	store storage.EventStore
	queue queue.Queue
	audit audit.Sink
	clock clock.Clock
}

func NewService(store storage.EventStore, q queue.Queue, sink audit.Sink, c clock.Clock) *Service {
	if c == nil {
		c = clock.System()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Service{store: store, queue: q, audit: sink, clock: c}
}

func (s *Service) List(ctx context.Context, filter storage.ListFilter) (Page, error) {
	filter = filter.Normalize()
	events, total, err := s.store.List(ctx, filter)
	if err != nil {
		return Page{}, fmt.Errorf("list events: %w", err)
	}
	return Page{Events: events, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*storage.WebhookEvent, error) {
	event, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return event, nil
}

func (s *Service) StatusCounts(ctx context.Context) (StatusCounts, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count events: %w", err)
	}
	var total int
	for _, n := range counts {
		total += n
	}
	return StatusCounts{Counts: counts, Total: total}, nil
}

// Retry puts an event back on the queue for immediate delivery. force resets
// the retry budget of an event that has used it up.
func (s *Service) Retry(ctx context.Context, id string, force bool) (*storage.WebhookEvent, error) {
	event, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}

	switch event.Status {
	case storage.StatusProcessed:
		return nil, ErrAlreadyProcessed
	case storage.StatusProcessing:
		return nil, ErrInProgress
	}
	if event.RetriesExhausted() && !force {
		return nil, fmt.Errorf("%w: %d/%d, retry with force to reset", ErrRetriesExhausted, event.RetryCount, event.MaxRetries)
	}

	now := s.clock.Now()
	if err := event.TransitionTo(storage.StatusRetrying, now); err != nil {
		return nil, err
	}
	if force {
		event.RetryCount = 0
	}
	event.ClearError()

	if err := s.store.Update(ctx, event); err != nil {
		return nil, fmt.Errorf("update event %s: %w", id, err)
	}
	if _, err := s.queue.Send(ctx, queue.Envelope{
		EventID:   event.ID,
		EventType: string(event.EventType),
		Payload:   event.Payload,
		Timestamp: now,
	}); err != nil {
		return nil, fmt.Errorf("enqueue event %s: %w", id, err)
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionManualRetry,
		EventID:    event.ID,
		ExternalID: event.ExternalID,
		EventType:  string(event.EventType),
		Status:     string(event.Status),
		At:         now,
	})
	xslog.FromContext(ctx).InfoContext(ctx, "manual retry scheduled",
		xslog.EventGroup(event.ID, string(event.EventType), string(event.Status), event.RetryCount),
	)
	return event, nil
}
