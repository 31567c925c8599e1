package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/garrettladley/payhook/internal/audit"
	"github.com/garrettladley/payhook/internal/clock"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xslog"
)

const DefaultMaxMessages = 100

// Report counts the outcome of one reconciliation pass. Processed is the
// number of dead-letter messages examined.
type Report struct {
	Processed int `json:"processed"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
	Ignored   int `json:"ignored"`
	Resolved  int `json:"resolved"`
	Errors    int `json:"errors"`
}

// Reconciler decides the fate of messages the queue redrove to its
// dead-letter counterpart.
type Reconciler struct {
	dlq    queue.Queue
	target queue.Queue
	store  storage.EventStore
	audit  audit.Sink
	clock  clock.Clock
}

// New returns a Reconciler draining dlq and requeueing onto target.
func New(dlq, target queue.Queue, store storage.EventStore, sink audit.Sink, c clock.Clock) *Reconciler {
	if c == nil {
		c = clock.System()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Reconciler{dlq: dlq, target: target, store: store, audit: sink, clock: c}
}

// Reconcile examines at most maxMessages dead-letter messages. Messages whose
// decision could not be carried out stay on the dead-letter queue for the
// next pass.
func (r *Reconciler) Reconcile(ctx context.Context, maxMessages int) (Report, error) {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	logger := xslog.FromContext(ctx).With(xslog.Queue(r.dlq.Name()))

	var report Report
	for report.Processed < maxMessages {
		msgs, err := r.dlq.Receive(ctx, min(queue.MaxBatchSize, maxMessages-report.Processed))
		if err != nil {
			return report, fmt.Errorf("receive dead-letter messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			report.Processed++
			if err := r.reconcile(ctx, msg, &report); err != nil {
				report.Errors++
				logger.ErrorContext(ctx, "failed to reconcile dead-letter message",
					xslog.MessageID(msg.ID),
					xslog.Error(err),
				)
			}
		}
	}

	logger.InfoContext(ctx, "dead-letter reconciliation completed",
		slog.Int("processed", report.Processed),
		slog.Int("requeued", report.Requeued),
		slog.Int("failed", report.Failed),
		slog.Int("ignored", report.Ignored),
		slog.Int("resolved", report.Resolved),
		slog.Int("errors", report.Errors),
	)
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, msg queue.Message, report *Report) error {
	env, err := queue.ParsePayload(msg)
	if err != nil {
		// a malformed body can never be retried, so there is nothing to decide
		xslog.FromContext(ctx).WarnContext(ctx, "dropping malformed dead-letter message",
			xslog.MessageID(msg.ID),
			xslog.Error(err),
		)
		if err := r.dlq.Delete(ctx, msg.ReceiptHandle); err != nil {
			return fmt.Errorf("delete malformed message: %w", err)
		}
		report.Resolved++
		return nil
	}

	event, err := r.store.FindByID(ctx, env.EventID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := r.dlq.Delete(ctx, msg.ReceiptHandle); err != nil {
			return fmt.Errorf("delete resolved message: %w", err)
		}
		report.Resolved++
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event %s: %w", env.EventID, err)
	}

	logger := xslog.FromContext(ctx).With(xslog.MessageID(msg.ID), xslog.EventID(event.ID))
	decision := Classify(event, r.clock.Now())

	switch decision.Action {
	case ActionIgnore:
		if err := r.dlq.Delete(ctx, msg.ReceiptHandle); err != nil {
			return fmt.Errorf("delete ignored message: %w", err)
		}
		report.Ignored++
		return nil
	case ActionRequeue:
		if err := r.requeue(ctx, event); err != nil {
			return err
		}
		if err := r.dlq.Delete(ctx, msg.ReceiptHandle); err != nil {
			return fmt.Errorf("delete requeued message: %w", err)
		}
		r.record(ctx, audit.ActionRequeued, event, decision.Reason)
		logger.InfoContext(ctx, "requeued dead-lettered event", xslog.Reason(decision.Reason))
		report.Requeued++
		return nil
	default:
		if err := r.quarantine(ctx, event, decision.Reason); err != nil {
			return err
		}
		if err := r.dlq.Delete(ctx, msg.ReceiptHandle); err != nil {
			return fmt.Errorf("delete failed message: %w", err)
		}
		r.record(ctx, audit.ActionQuarantined, event, decision.Reason)
		logger.WarnContext(ctx, "dead-lettered event failed permanently", xslog.Reason(decision.Reason))
		report.Failed++
		return nil
	}
}

// requeue records the retry and sends a fresh envelope. When the send fails
// the event is restored so the next pass classifies it exactly as this one did.
func (r *Reconciler) requeue(ctx context.Context, event *storage.WebhookEvent) error {
	prev := *event
	now := r.clock.Now()
	if err := event.TransitionTo(storage.StatusRetrying, now); err != nil {
		return err
	}
	event.RetryCount = min(event.RetryCount+1, event.MaxRetries)
	event.ClearError()
	if err := r.store.Update(ctx, event); err != nil {
		return fmt.Errorf("update event %s: %w", event.ID, err)
	}
	if _, err := r.target.Send(ctx, queue.Envelope{
		EventID:    event.ID,
		EventType:  string(event.EventType),
		Payload:    event.Payload,
		Timestamp:  now,
		RetryCount: event.RetryCount,
	}); err != nil {
		sendErr := fmt.Errorf("requeue event %s: %w", event.ID, err)
		*event = prev
		if err := r.store.Update(ctx, event); err != nil {
			return errors.Join(sendErr, fmt.Errorf("restore event %s: %w", event.ID, err))
		}
		return sendErr
	}
	return nil
}

func (r *Reconciler) quarantine(ctx context.Context, event *storage.WebhookEvent, reason string) error {
	now := r.clock.Now()
	if event.Status != storage.StatusFailed {
		if err := event.TransitionTo(storage.StatusFailed, now); err != nil {
			return err
		}
	}
	event.UpdatedAt = now
	event.SetError("moved to dead-letter queue: " + reason)
	if err := r.store.Update(ctx, event); err != nil {
		return fmt.Errorf("update event %s: %w", event.ID, err)
	}
	return nil
}

// Purge deletes every visible dead-letter message without looking at it.
// It is meant for incident cleanup only.
func (r *Reconciler) Purge(ctx context.Context) (int, error) {
	var purged int
	for {
		msgs, err := r.dlq.Receive(ctx, queue.MaxBatchSize)
		if err != nil {
			return purged, fmt.Errorf("receive dead-letter messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			if err := r.dlq.Delete(ctx, msg.ReceiptHandle); err != nil {
				return purged, fmt.Errorf("delete dead-letter message %s: %w", msg.ID, err)
			}
			purged++
		}
	}
	xslog.FromContext(ctx).WarnContext(ctx, "purged dead-letter queue",
		xslog.Queue(r.dlq.Name()),
		xslog.Count(purged),
	)
	return purged, nil
}

// Stats reports the approximate dead-letter depth.
func (r *Reconciler) Stats(ctx context.Context) (queue.Stats, error) {
	stats, err := r.dlq.Stats(ctx)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("dead-letter stats: %w", err)
	}
	return stats, nil
}

func (r *Reconciler) record(ctx context.Context, action audit.Action, event *storage.WebhookEvent, reason string) {
	r.audit.Record(ctx, audit.Entry{
		Action:     action,
		EventID:    event.ID,
		ExternalID: event.ExternalID,
		EventType:  string(event.EventType),
		Status:     string(event.Status),
		Reason:     reason,
		At:         r.clock.Now(),
	})
}
