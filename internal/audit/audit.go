package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/garrettladley/payhook/internal/xslog"
)

type Action string

const (
	ActionAccepted       Action = "webhook.accepted"
	ActionDuplicate      Action = "webhook.duplicate"
	ActionRejected       Action = "webhook.rejected"
	ActionProcessed      Action = "event.processed"
	ActionRetryScheduled Action = "event.retry_scheduled"
	ActionFailed         Action = "event.failed"
	ActionManualRetry    Action = "event.manual_retry"
	ActionRequeued       Action = "deadletter.requeued"
	ActionQuarantined    Action = "deadletter.quarantined"
)

type Entry struct {
	Action     Action    `json:"action"`
	EventID    string    `json:"eventId,omitempty"`
	ExternalID string    `json:"externalId,omitempty"`
	EventType  string    `json:"eventType,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Sink records audit entries. Implementations are fire-and-forget: failures
// are logged and never reach the caller.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

type Nop struct{}

func (Nop) Record(context.Context, Entry) {}

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, entry Entry) {
	logger := s.logger
	if logger == nil {
		logger = xslog.FromContext(ctx)
	}
	logger.InfoContext(ctx, "audit",
		slog.String("action", string(entry.Action)),
		xslog.EventID(entry.EventID),
		xslog.ExternalID(entry.ExternalID),
		xslog.EventType(entry.EventType),
		xslog.EventStatus(entry.Status),
		xslog.Reason(entry.Reason),
	)
}

// Multi fans an entry out to every sink.
type Multi []Sink

func (m Multi) Record(ctx context.Context, entry Entry) {
	for _, s := range m {
		s.Record(ctx, entry)
	}
}
