package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/garrettladley/payhook/internal/audit"
	"github.com/garrettladley/payhook/internal/clock"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	service *Service
	store   *storage.MemoryEventStore
	queue   *queue.MemoryQueue
}

func newFixture(t *testing.T) fixture {
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
	return fixture{
		service: NewService(store, q, audit.Nop{}, fake),
		store:   store,
		queue:   q,
	}
}

func (f fixture) create(t *testing.T, status storage.Status, retries int, createdAt time.Time) *storage.WebhookEvent {
	t.Helper()
	event := &storage.WebhookEvent{
		ID:         uuid.NewString(),
		EventType:  storage.EventTypePaymentCapture,
		ExternalID: uuid.NewString(),
		Payload:    []byte(`{}`),
		Status:     status,
		RetryCount: retries,
		MaxRetries: 3,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	if status != storage.StatusProcessed {
		event.SetError("gateway timeout")
	}
	if err := f.store.Create(context.Background(), event); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return event
}

func TestListAndCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	for i := range 3 {
		f.create(t, storage.StatusProcessed, 0, testNow.Add(time.Duration(i)*time.Minute))
	}
	failed := f.create(t, storage.StatusFailed, 3, testNow.Add(time.Hour))

	status := storage.StatusFailed
	page, err := f.service.List(ctx, storage.ListFilter{Status: &status})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 1 || len(page.Events) != 1 || page.Events[0].ID != failed.ID {
		t.Fatalf("List() = %+v", page)
	}
	if page.Limit != storage.DefaultListLimit {
		t.Errorf("Limit = %d, want default %d", page.Limit, storage.DefaultListLimit)
	}

	page, err = f.service.List(ctx, storage.ListFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 4 || len(page.Events) != 2 {
		t.Errorf("paged List() total=%d len=%d", page.Total, len(page.Events))
	}

	counts, err := f.service.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts() error = %v", err)
	}
	want := StatusCounts{
		Counts: map[storage.Status]int{
			storage.StatusPending:    0,
			storage.StatusProcessing: 0,
			storage.StatusProcessed:  3,
			storage.StatusRetrying:   0,
			storage.StatusFailed:     1,
		},
		Total: 4,
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("StatusCounts() mismatch (-want +got):\n%s", diff)
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.service.Get(context.Background(), uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    storage.Status
		retries   int
		force     bool
		wantErr   error
		wantCount int
	}{
		{name: "failed below budget", status: storage.StatusFailed, retries: 1, wantCount: 1},
		{name: "pending stuck after enqueue failure", status: storage.StatusPending, wantCount: 0},
		{name: "retrying", status: storage.StatusRetrying, retries: 2, wantCount: 2},
		{name: "exhausted without force", status: storage.StatusFailed, retries: 3, wantErr: ErrRetriesExhausted},
		{name: "exhausted with force", status: storage.StatusFailed, retries: 3, force: true, wantCount: 0},
		{name: "processed", status: storage.StatusProcessed, force: true, wantErr: ErrAlreadyProcessed},
		{name: "processing", status: storage.StatusProcessing, wantErr: ErrInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			ctx := context.Background()
			event := f.create(t, tt.status, tt.retries, testNow)

			got, err := f.service.Retry(ctx, event.ID, tt.force)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Retry() error = %v, want %v", err, tt.wantErr)
				}
				stats, _ := f.queue.Stats(ctx)
				if diff := cmp.Diff(queue.Stats{}, stats); diff != "" {
					t.Errorf("rejected retry enqueued work (-want +got):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatalf("Retry() error = %v", err)
			}
			if got.Status != storage.StatusRetrying || got.RetryCount != tt.wantCount || got.ErrorMessage != nil {
				t.Errorf("Retry() = %s/%d/%q", got.Status, got.RetryCount, got.LastError())
			}

			stored, err := f.store.FindByID(ctx, event.ID)
			if err != nil {
				t.Fatalf("FindByID() error = %v", err)
			}
			if stored.Status != storage.StatusRetrying || stored.RetryCount != tt.wantCount {
				t.Errorf("stored = %s/%d", stored.Status, stored.RetryCount)
			}

			msgs, err := f.queue.Receive(ctx, 10)
			if err != nil {
				t.Fatalf("Receive() error = %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("Receive() = %d messages, want one immediately visible", len(msgs))
			}
			env, err := queue.ParsePayload(msgs[0])
			if err != nil {
				t.Fatalf("ParsePayload() error = %v", err)
			}
			if env.EventID != event.ID {
				t.Errorf("envelope event = %s", env.EventID)
			}
		})
	}
}
