package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/garrettladley/payhook/internal/audit"
	"github.com/garrettladley/payhook/internal/clock"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/service/idempotency"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xslog"
	go_json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultBatchSize      = queue.MaxBatchSize
	DefaultMaxConcurrency = 5
)

type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxConcurrency int
	// HandlerTimeout is a soft limit: a message that exceeds it is logged and
	// left to finish in the background. Zero disables the warning.
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 || c.BatchSize > queue.MaxBatchSize {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.HandlerTimeout < 0 {
		c.HandlerTimeout = 0
	}
	return c
}

// TickResult summarizes one poll cycle. Messages that outlive the soft
// timeout are counted in TimedOut only.
type TickResult struct {
	Received  int `json:"received"`
	Processed int `json:"processed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Malformed int `json:"malformed"`
	TimedOut  int `json:"timedOut"`
	Errors    int `json:"errors"`
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeSkipped
	outcomeMalformed
	outcomeTimedOut
	outcomeError
)

func (r *TickResult) add(o outcome) {
	switch o {
	case outcomeProcessed:
		r.Processed++
	case outcomeRetried:
		r.Retried++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	case outcomeMalformed:
		r.Malformed++
	case outcomeTimedOut:
		r.TimedOut++
	case outcomeError:
		r.Errors++
	}
}

// Worker polls the queue and drives each event through its handler.
type Worker struct {
	cfg      Config
	store    storage.EventStore
	queue    queue.Queue
	guard    *idempotency.Guard
	handlers *HandlerRegistry
	audit    audit.Sink
	clock    clock.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	tickMu   sync.Mutex
	ticks    atomic.Int64
	inflight sync.WaitGroup
}

func New(
	cfg Config,
	store storage.EventStore,
	q queue.Queue,
	guard *idempotency.Guard,
	handlers *HandlerRegistry,
	sink audit.Sink,
	c clock.Clock,
) *Worker {
	if c == nil {
		c = clock.System()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if handlers == nil {
		handlers = DefaultHandlers()
	}
	return &Worker{
		cfg:      cfg.withDefaults(),
		store:    store,
		queue:    q,
		guard:    guard,
		handlers: handlers,
		audit:    sink,
		clock:    c,
	}
}

// Start runs a poll cycle immediately and then once per poll interval until
// ctx is done or Stop is called. Calling Start on a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	logger := xslog.FromContext(ctx)
	if w.done != nil {
		logger.WarnContext(ctx, "worker already running")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel, w.done = cancel, done

	ticker := w.clock.NewTicker(w.cfg.PollInterval)
	logger.InfoContext(ctx, "worker started",
		slog.String("queue", w.queue.Name()),
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Int("batch_size", w.cfg.BatchSize),
		slog.Int("max_concurrency", w.cfg.MaxConcurrency),
	)

	go w.run(loopCtx, ticker, done)
	return nil
}

func (w *Worker) run(ctx context.Context, ticker clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	defer w.release(done)

	w.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			xslog.FromContext(ctx).InfoContext(ctx, "worker stopped")
			return
		case <-ticker.C():
			w.Tick(ctx)
		}
	}
}

// release clears the running state when the loop exits on its own, so a
// cancelled parent context leaves the worker restartable. It is a no-op once
// Stop has taken ownership of done.
func (w *Worker) release(done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != done {
		return
	}
	w.cancel()
	w.cancel, w.done = nil, nil
}

// Stop halts polling and blocks until every in-flight message, including
// ones past the soft timeout, has finished.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	w.inflight.Wait()
}

// Running reports whether the poll loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done != nil
}

// Tick runs one poll cycle. Cycles never overlap: a concurrent call waits for
// the active one to finish.
func (w *Worker) Tick(ctx context.Context) TickResult {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	ctx = xslog.WithAttrs(ctx, xslog.TickID(w.ticks.Add(1)))
	logger := xslog.FromContext(ctx)
	start := w.clock.Now()

	msgs, err := w.queue.Receive(ctx, w.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			logger.ErrorContext(ctx, "failed to receive messages", xslog.Error(err))
			return TickResult{Errors: 1}
		}
		return TickResult{}
	}

	result := TickResult{Received: len(msgs)}
	if len(msgs) == 0 {
		return result
	}

	// stopping the loop must not abandon messages that were already received
	taskCtx := context.WithoutCancel(ctx)
	outcomes := make([]outcome, len(msgs))

	var g errgroup.Group
	g.SetLimit(w.cfg.MaxConcurrency)
	for i, msg := range msgs {
		g.Go(func() error {
			outcomes[i] = w.runMessage(taskCtx, msg)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		result.add(o)
	}

	logger.InfoContext(ctx, "worker tick completed",
		slog.Int("received", result.Received),
		slog.Int("processed", result.Processed),
		slog.Int("retried", result.Retried),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Int("malformed", result.Malformed),
		slog.Int("timed_out", result.TimedOut),
		slog.Int("errors", result.Errors),
		xslog.Duration(w.clock.Now().Sub(start)),
	)
	return result
}

// runMessage processes msg in its own goroutine so a slow handler only costs
// a warning once it passes the soft timeout.
func (w *Worker) runMessage(ctx context.Context, msg queue.Message) outcome {
	var soft clock.Ticker
	if w.cfg.HandlerTimeout > 0 {
		soft = w.clock.NewTicker(w.cfg.HandlerTimeout)
		defer soft.Stop()
	}

	result := make(chan outcome, 1)
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				xslog.FromContext(ctx).ErrorContext(ctx, "panic while processing message",
					xslog.MessageID(msg.ID),
					xslog.ErrorAny(r),
					xslog.Stack(),
				)
				result <- outcomeError
			}
		}()
		result <- w.process(ctx, msg)
	}()

	if soft == nil {
		return <-result
	}
	select {
	case o := <-result:
		return o
	case <-soft.C():
		xslog.FromContext(ctx).WarnContext(ctx, "message processing exceeded soft timeout",
			xslog.MessageID(msg.ID),
			slog.Duration("timeout", w.cfg.HandlerTimeout),
		)
		return outcomeTimedOut
	}
}

func (w *Worker) process(ctx context.Context, msg queue.Message) outcome {
	logger := xslog.FromContext(ctx).With(xslog.MessageID(msg.ID))

	env, err := queue.ParsePayload(msg)
	if err != nil {
		logger.ErrorContext(ctx, "dropping malformed message", xslog.Error(err))
		w.ack(ctx, logger, msg)
		return outcomeMalformed
	}

	logger = logger.With(xslog.EventID(env.EventID))
	ctx = xslog.WithLogger(ctx, logger)

	if w.guard.IsMessageProcessed(msg.ID) {
		logger.DebugContext(ctx, "message already processed")
		w.ack(ctx, logger, msg)
		return outcomeSkipped
	}

	event, err := w.store.FindByID(ctx, env.EventID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.WarnContext(ctx, "no event for message")
		w.ack(ctx, logger, msg)
		return outcomeSkipped
	}
	if err != nil {
		logger.ErrorContext(ctx, "failed to load event", xslog.Error(err))
		return outcomeError
	}

	if event.Status == storage.StatusProcessed {
		logger.DebugContext(ctx, "event already processed")
		w.ack(ctx, logger, msg)
		w.guard.MarkMessageProcessed(msg.ID)
		return outcomeSkipped
	}

	if err := event.TransitionTo(storage.StatusProcessing, w.clock.Now()); err != nil {
		// FAILED events leave that state only through an operator retry
		logger.WarnContext(ctx, "skipping message for event in non-processable state",
			xslog.EventStatus(string(event.Status)),
		)
		w.ack(ctx, logger, msg)
		return outcomeSkipped
	}
	if err := w.store.Update(ctx, event); err != nil {
		logger.ErrorContext(ctx, "failed to mark event processing", xslog.Error(err))
		return outcomeError
	}

	result, handleErr := w.dispatch(ctx, event)
	if handleErr != nil {
		return w.fail(ctx, logger, msg, event, handleErr)
	}
	return w.complete(ctx, logger, msg, event, result)
}

func (w *Worker) dispatch(ctx context.Context, event *storage.WebhookEvent) (result go_json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			xslog.FromContext(ctx).ErrorContext(ctx, "handler panicked", xslog.ErrorAny(r), xslog.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handlers.Lookup(event.EventType)(ctx, event)
}

func (w *Worker) complete(
	ctx context.Context,
	logger *slog.Logger,
	msg queue.Message,
	event *storage.WebhookEvent,
	result go_json.RawMessage,
) outcome {
	now := w.clock.Now()
	if err := event.TransitionTo(storage.StatusProcessed, now); err != nil {
		logger.ErrorContext(ctx, "failed to complete event", xslog.Error(err))
		return outcomeError
	}
	event.ProcessedAt = &now
	event.ProcessingResult = result
	event.ClearError()

	if err := w.store.Update(ctx, event); err != nil {
		// the message stays unacknowledged and is redelivered after the visibility timeout
		logger.ErrorContext(ctx, "failed to persist processed event", xslog.Error(err))
		return outcomeError
	}
	w.ack(ctx, logger, msg)
	w.guard.MarkMessageProcessed(msg.ID)

	w.record(ctx, audit.ActionProcessed, event, "")
	logger.InfoContext(ctx, "processed event", xslog.EventType(string(event.EventType)))
	return outcomeProcessed
}

func (w *Worker) fail(
	ctx context.Context,
	logger *slog.Logger,
	msg queue.Message,
	event *storage.WebhookEvent,
	handleErr error,
) outcome {
	now := w.clock.Now()
	event.RetryCount = min(event.RetryCount+1, event.MaxRetries)
	event.SetError(handleErr.Error())
	logger = logger.With(xslog.RetryCount(event.RetryCount), xslog.Error(handleErr))

	if event.RetryCount >= event.MaxRetries {
		if err := event.TransitionTo(storage.StatusFailed, now); err != nil {
			logger.ErrorContext(ctx, "failed to fail event", slog.String("transition_error", err.Error()))
			return outcomeError
		}
		if err := w.store.Update(ctx, event); err != nil {
			logger.ErrorContext(ctx, "failed to persist failed event", slog.String("store_error", err.Error()))
			return outcomeError
		}
		w.ack(ctx, logger, msg)
		w.record(ctx, audit.ActionFailed, event, handleErr.Error())
		logger.WarnContext(ctx, "event failed permanently")
		return outcomeFailed
	}

	if err := event.TransitionTo(storage.StatusRetrying, now); err != nil {
		logger.ErrorContext(ctx, "failed to schedule retry", slog.String("transition_error", err.Error()))
		return outcomeError
	}
	if err := w.store.Update(ctx, event); err != nil {
		logger.ErrorContext(ctx, "failed to persist retrying event", slog.String("store_error", err.Error()))
		return outcomeError
	}

	// re-enqueue before acknowledging so a crash in between redelivers rather than loses
	if _, err := w.queue.Send(ctx, queue.Envelope{
		EventID:    event.ID,
		EventType:  string(event.EventType),
		Payload:    event.Payload,
		Timestamp:  now,
		RetryCount: event.RetryCount,
	}); err != nil {
		logger.ErrorContext(ctx, "failed to re-enqueue event", slog.String("queue_error", err.Error()))
		return outcomeError
	}
	w.ack(ctx, logger, msg)

	w.record(ctx, audit.ActionRetryScheduled, event, handleErr.Error())
	logger.WarnContext(ctx, "event processing failed, retry scheduled",
		xslog.Delay(queue.Backoff(event.RetryCount)),
	)
	return outcomeRetried
}

func (w *Worker) ack(ctx context.Context, logger *slog.Logger, msg queue.Message) {
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		logger.ErrorContext(ctx, "failed to delete message", xslog.Error(err))
	}
}

func (w *Worker) record(ctx context.Context, action audit.Action, event *storage.WebhookEvent, reason string) {
	w.audit.Record(ctx, audit.Entry{
		Action:     action,
		EventID:    event.ID,
		ExternalID: event.ExternalID,
		EventType:  string(event.EventType),
		Status:     string(event.Status),
		Reason:     reason,
		At:         w.clock.Now(),
	})
}
