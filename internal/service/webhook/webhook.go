package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/garrettladley/payhook/internal/audit"
	"github.com/garrettladley/payhook/internal/clock"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/service/idempotency"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xslog"
	go_json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const DefaultMaxRetries = 3

type Config struct {
	// Secrets maps a provider path segment to its signing secret.
	Secrets            map[string]string
	RequireSignature   bool
	TimestampTolerance time.Duration
	MaxRetries         int
}

type Processor struct {
	validators map[string]*Validator
	store      storage.EventStore
	queue      queue.Queue
	guard      *idempotency.Guard
	audit      audit.Sink
	clock      clock.Clock
	maxRetries int
}

var _ Service = (*Processor)(nil)

func NewProcessor(
	cfg Config,
	store storage.EventStore,
	q queue.Queue,
	guard *idempotency.Guard,
	sink audit.Sink,
	c clock.Clock,
) *Processor {
	if c == nil {
		c = clock.System()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	validators := make(map[string]*Validator, len(cfg.Secrets))
	for provider, secret := range cfg.Secrets {
		validators[provider] = NewValidator(secret, c,
			WithTolerance(cfg.TimestampTolerance),
			WithRequiredSignature(cfg.RequireSignature),
		)
	}

	return &Processor{
		validators: validators,
		store:      store,
		queue:      q,
		guard:      guard,
		audit:      sink,
		clock:      c,
		maxRetries: cfg.MaxRetries,
	}
}

func (p *Processor) ProcessInboundWebhook(ctx context.Context, req ProcessRequest) (Result, error) {
	logger := xslog.FromContext(ctx).With(xslog.Provider(req.Provider))

	validator, ok := p.validators[req.Provider]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}

	var n Notification
	if err := go_json.Unmarshal(req.Body, &n); err != nil {
		p.reject(ctx, req.Provider, "", "malformed body")
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	if res := validator.ValidateWebhook(req.Body, req.Signature, n); !res.Valid {
		p.reject(ctx, req.Provider, n.NotificationID, res.Errors[0])
		logger.WarnContext(ctx, "rejected webhook",
			xslog.ExternalID(n.NotificationID),
			xslog.Reason(res.Errors[0]),
		)
		return Result{}, &ValidationError{Errors: res.Errors}
	}

	check := p.guard.Check(ctx, n.NotificationID, n.EventType, req.Body)
	if check.IsIdempotent {
		p.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionDuplicate,
			EventID:    check.ExistingResult.EventID,
			ExternalID: n.NotificationID,
			Provider:   req.Provider,
			Status:     string(check.ExistingResult.Status),
			At:         p.clock.Now(),
		})
		logger.InfoContext(ctx, "duplicate webhook",
			xslog.EventID(check.ExistingResult.EventID),
			xslog.ExternalID(n.NotificationID),
		)
		return Result{
			EventID:   check.ExistingResult.EventID,
			Status:    check.ExistingResult.Status,
			Duplicate: true,
		}, nil
	}

	eventType := MapEventType(n.EventType)
	if eventType == storage.EventTypeUnclassified {
		logger.WarnContext(ctx, "unrecognized event type, accepting as unclassified",
			xslog.RawEventType(n.EventType),
		)
	}

	now := p.clock.Now()
	event := &storage.WebhookEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		ExternalID: n.NotificationID,
		Payload:    req.Body,
		Status:     storage.StatusPending,
		RetryCount: 0,
		MaxRetries: p.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Signature != "" {
		sig := req.Signature
		event.Signature = &sig
	}

	if err := p.store.Create(ctx, event); err != nil {
		if !errors.Is(err, storage.ErrDuplicateExternalID) {
			return Result{}, fmt.Errorf("failed to persist webhook event: %w", err)
		}
		// lost the race to a concurrent delivery of the same notification
		existing, findErr := p.store.FindByExternalID(ctx, n.NotificationID)
		if findErr != nil {
			return Result{}, fmt.Errorf("failed to load concurrently created event: %w", findErr)
		}
		return Result{EventID: existing.ID, Status: existing.Status, Duplicate: true}, nil
	}

	if _, err := p.queue.Send(ctx, queue.Envelope{
		EventID:   event.ID,
		EventType: string(event.EventType),
		Payload:   event.Payload,
		Timestamp: now,
	}); err != nil {
		// the PENDING row stays for operator retry
		return Result{}, fmt.Errorf("failed to enqueue event %s: %w", event.ID, err)
	}

	p.guard.StoreResult(check.Key, idempotency.Snapshot{EventID: event.ID, Status: event.Status})
	p.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionAccepted,
		EventID:    event.ID,
		ExternalID: event.ExternalID,
		EventType:  string(event.EventType),
		Provider:   req.Provider,
		Status:     string(event.Status),
		At:         now,
	})
	logger.InfoContext(ctx, "accepted webhook",
		xslog.EventID(event.ID),
		xslog.ExternalID(event.ExternalID),
		xslog.EventType(string(event.EventType)),
	)

	return Result{EventID: event.ID, Status: event.Status}, nil
}

func (p *Processor) reject(ctx context.Context, provider, externalID, reason string) {
	p.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionRejected,
		ExternalID: externalID,
		Provider:   provider,
		Reason:     reason,
		At:         p.clock.Now(),
	})
}
