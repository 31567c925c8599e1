package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/garrettladley/payhook/internal/audit"
	"github.com/garrettladley/payhook/internal/clock"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/service/idempotency"
	"github.com/garrettladley/payhook/internal/storage"
	go_json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingSink) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recordingSink) actions() []audit.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Action, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	worker   *Worker
	store    *storage.MemoryEventStore
	queue    *queue.MemoryQueue
	guard    *idempotency.Guard
	handlers *HandlerRegistry
	audit    *recordingSink
	clock    *clock.Fake
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()

	fake := clock.NewFake(testNow)
	store := storage.NewMemoryEventStore()
	q, err := queue.NewMemory(fake, queue.Config{
		Name:              "events",
		DeadLetterName:    "events-dlq",
		VisibilityTimeout: 30 * time.Second,
		MaxReceiveCount:   5,
	})
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	guard := idempotency.New(store, fake, idempotency.Config{})
	t.Cleanup(guard.Close)

	handlers := DefaultHandlers()
	sink := &recordingSink{}
	w := New(cfg, store, q, guard, handlers, sink, fake)
	t.Cleanup(w.Stop)

	return fixture{
		worker:   w,
		store:    store,
		queue:    q,
		guard:    guard,
		handlers: handlers,
		audit:    sink,
		clock:    fake,
	}
}

func paymentNotification(id string) []byte {
	return fmt.Appendf(nil,
		`{"notificationId":%q,"eventType":"net.authorize.payment.authcapture.created","eventDate":"2025-06-01T12:00:00Z","webhookId":"0b3ffd1f-9a3f-4d5b-9f0c-9a2ae3d0c5a4","payload":{"responseCode":1,"authCode":"LZ6I19","authAmount":45.00,"entityName":"transaction","id":"60020981676"}}`,
		id)
}

// seed stores a PENDING event and enqueues it, returning the event id and
// message id.
func (f fixture) seed(t *testing.T, eventType storage.EventType, mutate func(*storage.WebhookEvent)) (string, string) {
	t.Helper()
	ctx := context.Background()

	externalID := uuid.NewString()
	event := &storage.WebhookEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		ExternalID: externalID,
		Payload:    paymentNotification(externalID),
		Status:     storage.StatusPending,
		MaxRetries: 3,
		CreatedAt:  f.clock.Now(),
		UpdatedAt:  f.clock.Now(),
	}
	if mutate != nil {
		mutate(event)
	}
	if err := f.store.Create(ctx, event); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	msgID, err := f.queue.Send(ctx, queue.Envelope{
		EventID:   event.ID,
		EventType: string(event.EventType),
		Payload:   event.Payload,
		Timestamp: f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	return event.ID, msgID
}

func (f fixture) event(t *testing.T, id string) *storage.WebhookEvent {
	t.Helper()
	event, err := f.store.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	return event
}

func (f fixture) stats(t *testing.T) queue.Stats {
	t.Helper()
	stats, err := f.queue.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	return stats
}

type countingHandler struct {
	calls atomic.Int32
	fn    Handler
}

func (c *countingHandler) handle(ctx context.Context, event *storage.WebhookEvent) (go_json.RawMessage, error) {
	c.calls.Add(1)
	return c.fn(ctx, event)
}

func failing(msg string) *countingHandler {
	return &countingHandler{fn: func(context.Context, *storage.WebhookEvent) (go_json.RawMessage, error) {
		return nil, errors.New(msg)
	}}
}

func TestTick_ProcessesEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	id, _ := f.seed(t, storage.EventTypePaymentAuthCapture, nil)

	got := f.worker.Tick(context.Background())
	if diff := cmp.Diff(TickResult{Received: 1, Processed: 1}, got); diff != "" {
		t.Fatalf("Tick() mismatch (-want +got):\n%s", diff)
	}

	event := f.event(t, id)
	if event.Status != storage.StatusProcessed {
		t.Fatalf("Status = %s, want PROCESSED", event.Status)
	}
	if event.ProcessedAt == nil || !event.ProcessedAt.Equal(testNow) {
		t.Errorf("ProcessedAt = %v", event.ProcessedAt)
	}
	if event.ErrorMessage != nil {
		t.Errorf("ErrorMessage = %q", *event.ErrorMessage)
	}

	var result transactionResult
	if err := go_json.Unmarshal(event.ProcessingResult, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Handled || result.TransactionID != "60020981676" || result.Action != "auth_captured" {
		t.Errorf("result = %+v", result)
	}

	if diff := cmp.Diff(queue.Stats{}, f.stats(t)); diff != "" {
		t.Errorf("queue not drained (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]audit.Action{audit.ActionProcessed}, f.audit.actions()); diff != "" {
		t.Errorf("audit mismatch (-want +got):\n%s", diff)
	}
}

func TestTick_EmptyQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	if diff := cmp.Diff(TickResult{}, f.worker.Tick(context.Background())); diff != "" {
		t.Fatalf("Tick() mismatch (-want +got):\n%s", diff)
	}
}

func TestTick_RetriesWithBackoffThenFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	h := failing("upstream timeout")
	f.handlers.Register(storage.EventTypePaymentAuthCapture, h.handle)
	id, _ := f.seed(t, storage.EventTypePaymentAuthCapture, nil)
	ctx := context.Background()

	if got := f.worker.Tick(ctx); got.Retried != 1 {
		t.Fatalf("first Tick() = %+v, want one retry", got)
	}
	event := f.event(t, id)
	if event.Status != storage.StatusRetrying || event.RetryCount != 1 {
		t.Fatalf("after first failure: %s/%d", event.Status, event.RetryCount)
	}
	if event.LastError() != "upstream timeout" {
		t.Errorf("ErrorMessage = %q", event.LastError())
	}
	if diff := cmp.Diff(queue.Stats{Delayed: 1}, f.stats(t)); diff != "" {
		t.Fatalf("retry not delayed (-want +got):\n%s", diff)
	}

	// still hidden until the backoff elapses
	if got := f.worker.Tick(ctx); got.Received != 0 {
		t.Fatalf("Tick() before backoff = %+v", got)
	}

	f.clock.Advance(queue.Backoff(1))
	if got := f.worker.Tick(ctx); got.Retried != 1 {
		t.Fatalf("second Tick() = %+v, want one retry", got)
	}
	if event := f.event(t, id); event.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", event.RetryCount)
	}

	f.clock.Advance(queue.Backoff(2))
	if got := f.worker.Tick(ctx); got.Failed != 1 {
		t.Fatalf("third Tick() = %+v, want one failure", got)
	}
	event = f.event(t, id)
	if event.Status != storage.StatusFailed || event.RetryCount != 3 {
		t.Fatalf("after exhaustion: %s/%d", event.Status, event.RetryCount)
	}
	if h.calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", h.calls.Load())
	}
	if diff := cmp.Diff(queue.Stats{}, f.stats(t)); diff != "" {
		t.Errorf("queue not drained (-want +got):\n%s", diff)
	}

	want := []audit.Action{audit.ActionRetryScheduled, audit.ActionRetryScheduled, audit.ActionFailed}
	if diff := cmp.Diff(want, f.audit.actions()); diff != "" {
		t.Errorf("audit mismatch (-want +got):\n%s", diff)
	}
}

func TestTick_RetryCountNeverExceedsMax(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.handlers.Register(storage.EventTypePaymentAuthCapture, failing("boom").handle)
	id, _ := f.seed(t, storage.EventTypePaymentAuthCapture, func(e *storage.WebhookEvent) {
		e.Status = storage.StatusRetrying
		e.RetryCount = 3
	})

	if got := f.worker.Tick(context.Background()); got.Failed != 1 {
		t.Fatalf("Tick() = %+v, want one failure", got)
	}
	event := f.event(t, id)
	if event.Status != storage.StatusFailed {
		t.Errorf("Status = %s, want FAILED", event.Status)
	}
	if event.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", event.RetryCount)
	}
}

func TestTick_Skips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*storage.WebhookEvent)
		status storage.Status
	}{
		{
			name: "already processed",
			mutate: func(e *storage.WebhookEvent) {
				e.Status = storage.StatusProcessed
			},
			status: storage.StatusProcessed,
		},
		{
			name: "failed awaiting operator",
			mutate: func(e *storage.WebhookEvent) {
				e.Status = storage.StatusFailed
				e.RetryCount = 3
			},
			status: storage.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, Config{})
			h := failing("must not run")
			f.handlers.Register(storage.EventTypePaymentAuthCapture, h.handle)
			id, _ := f.seed(t, storage.EventTypePaymentAuthCapture, tt.mutate)

			if diff := cmp.Diff(TickResult{Received: 1, Skipped: 1}, f.worker.Tick(context.Background())); diff != "" {
				t.Fatalf("Tick() mismatch (-want +got):\n%s", diff)
			}
			if h.calls.Load() != 0 {
				t.Errorf("handler ran %d times", h.calls.Load())
			}
			if got := f.event(t, id).Status; got != tt.status {
				t.Errorf("Status = %s, want %s", got, tt.status)
			}
			if diff := cmp.Diff(queue.Stats{}, f.stats(t)); diff != "" {
				t.Errorf("message not acknowledged (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTick_MessageAlreadyProcessed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	id, msgID := f.seed(t, storage.EventTypePaymentAuthCapture, nil)
	f.guard.MarkMessageProcessed(msgID)

	if diff := cmp.Diff(TickResult{Received: 1, Skipped: 1}, f.worker.Tick(context.Background())); diff != "" {
		t.Fatalf("Tick() mismatch (-want +got):\n%s", diff)
	}
	if got := f.event(t, id).Status; got != storage.StatusPending {
		t.Errorf("Status = %s, want untouched PENDING", got)
	}
}

func TestTick_MissingEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.queue.Send(ctx, queue.Envelope{
		EventID:   uuid.NewString(),
		EventType: string(storage.EventTypePaymentCapture),
		Timestamp: testNow,
	}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if diff := cmp.Diff(TickResult{Received: 1, Skipped: 1}, f.worker.Tick(ctx)); diff != "" {
		t.Fatalf("Tick() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(queue.Stats{}, f.stats(t)); diff != "" {
		t.Errorf("message not acknowledged (-want +got):\n%s", diff)
	}
}

func TestTick_MalformedMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.queue.Send(ctx, queue.Envelope{EventType: string(storage.EventTypePaymentCapture), Timestamp: testNow}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if diff := cmp.Diff(TickResult{Received: 1, Malformed: 1}, f.worker.Tick(ctx)); diff != "" {
		t.Fatalf("Tick() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(queue.Stats{}, f.stats(t)); diff != "" {
		t.Errorf("malformed message kept (-want +got):\n%s", diff)
	}
}

func TestTick_UnclassifiedIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	id, _ := f.seed(t, storage.EventTypeUnclassified, nil)

	if got := f.worker.Tick(context.Background()); got.Processed != 1 {
		t.Fatalf("Tick() = %+v, want one processed", got)
	}
	event := f.event(t, id)
	if event.Status != storage.StatusProcessed {
		t.Fatalf("Status = %s", event.Status)
	}
	if string(event.ProcessingResult) != `{"handled":false}` {
		t.Errorf("ProcessingResult = %s", event.ProcessingResult)
	}
}

func TestTick_HandlerPanicIsRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.handlers.Register(storage.EventTypePaymentVoid, func(context.Context, *storage.WebhookEvent) (go_json.RawMessage, error) {
		panic("nil map")
	})
	id, _ := f.seed(t, storage.EventTypePaymentVoid, nil)

	if got := f.worker.Tick(context.Background()); got.Retried != 1 {
		t.Fatalf("Tick() = %+v, want one retry", got)
	}
	event := f.event(t, id)
	if event.Status != storage.StatusRetrying {
		t.Errorf("Status = %s, want RETRYING", event.Status)
	}
	if !strings.Contains(event.LastError(), "handler panic: nil map") {
		t.Errorf("ErrorMessage = %q", event.LastError())
	}
}

func TestTick_SettlesWholeBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrency: 2})
	f.handlers.Register(storage.EventTypePaymentRefund, failing("declined by network").handle)

	var ids []string
	for range 4 {
		id, _ := f.seed(t, storage.EventTypePaymentCapture, nil)
		ids = append(ids, id)
	}
	f.seed(t, storage.EventTypePaymentRefund, nil)

	want := TickResult{Received: 5, Processed: 4, Retried: 1}
	if diff := cmp.Diff(want, f.worker.Tick(context.Background())); diff != "" {
		t.Fatalf("Tick() mismatch (-want +got):\n%s", diff)
	}
	for _, id := range ids {
		if got := f.event(t, id).Status; got != storage.StatusProcessed {
			t.Errorf("event %s status = %s", id, got)
		}
	}
}

func TestTick_SoftTimeoutDoesNotCancelHandler(t *testing.T) {
	t.Parallel()

	const timeout = 10 * time.Second
	f := newFixture(t, Config{HandlerTimeout: timeout})

	started := make(chan struct{})
	release := make(chan struct{})
	f.handlers.Register(storage.EventTypePaymentCapture, func(ctx context.Context, _ *storage.WebhookEvent) (go_json.RawMessage, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return go_json.RawMessage(`{"handled":true}`), nil
	})
	id, _ := f.seed(t, storage.EventTypePaymentCapture, nil)

	results := make(chan TickResult, 1)
	go func() {
		results <- f.worker.Tick(context.Background())
	}()

	<-started
	f.clock.Advance(timeout)

	select {
	case got := <-results:
		if diff := cmp.Diff(TickResult{Received: 1, TimedOut: 1}, got); diff != "" {
			t.Fatalf("Tick() mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Tick() blocked on a slow handler")
	}

	close(release)
	f.worker.Stop()

	if got := f.event(t, id).Status; got != storage.StatusProcessed {
		t.Errorf("Status = %s, want PROCESSED once the slow handler finishes", got)
	}
}

func TestStart_SecondCallIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{PollInterval: time.Second})
	id, _ := f.seed(t, storage.EventTypePaymentAuthCapture, nil)
	ctx := context.Background()
	before := f.clock.Tickers()

	if err := f.worker.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.worker.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := f.clock.Tickers(); got != before+1 {
		t.Errorf("tickers = %d, want %d", got, before+1)
	}
	if !f.worker.Running() {
		t.Error("Running() = false after Start")
	}

	waitFor(t, func() bool { return f.event(t, id).Status == storage.StatusProcessed })

	f.worker.Stop()
	if f.worker.Running() {
		t.Error("Running() = true after Stop")
	}
	if got := f.clock.Tickers(); got != before {
		t.Errorf("tickers after Stop = %d, want %d", got, before)
	}
}

func TestStart_PollsOnInterval(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{PollInterval: time.Second})
	before := f.clock.Tickers()
	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool { return f.clock.Tickers() == before+1 })

	id, _ := f.seed(t, storage.EventTypePaymentCapture, nil)
	waitFor(t, func() bool {
		f.clock.Advance(time.Second)
		return f.event(t, id).Status == storage.StatusProcessed
	})
}

func TestStart_CancelledContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.worker.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}
	if f.worker.Running() {
		t.Error("Running() = true")
	}
}

func TestStart_ParentCancelReleasesWorker(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{PollInterval: time.Minute})
	before := f.clock.Tickers()
	ctx, cancel := context.WithCancel(context.Background())

	if err := f.worker.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()
	waitFor(t, func() bool { return !f.worker.Running() })
	waitFor(t, func() bool { return f.clock.Tickers() == before })

	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if !f.worker.Running() {
		t.Fatal("Running() = false after restart")
	}
	if got := f.clock.Tickers(); got != before+1 {
		t.Errorf("tickers = %d, want %d", got, before+1)
	}

	id, _ := f.seed(t, storage.EventTypePaymentCapture, nil)
	waitFor(t, func() bool {
		f.clock.Advance(time.Minute)
		return f.event(t, id).Status == storage.StatusProcessed
	})
}

func TestStop_WaitsForInflight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{PollInterval: time.Minute})
	started := make(chan struct{})
	release := make(chan struct{})
	f.handlers.Register(storage.EventTypePaymentCapture, func(context.Context, *storage.WebhookEvent) (go_json.RawMessage, error) {
		close(started)
		<-release
		return go_json.RawMessage(`{"handled":true}`), nil
	})
	id, _ := f.seed(t, storage.EventTypePaymentCapture, nil)

	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		f.worker.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop() returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}

	if got := f.event(t, id).Status; got != storage.StatusProcessed {
		t.Errorf("Status = %s, want PROCESSED", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
