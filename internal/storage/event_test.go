package storage

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusRetrying, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusProcessed, false},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusProcessed, true},
		{StatusProcessing, StatusRetrying, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, false},
		{StatusRetrying, StatusProcessing, true},
		{StatusRetrying, StatusRetrying, true},
		{StatusRetrying, StatusFailed, true},
		{StatusRetrying, StatusProcessed, false},
		{StatusFailed, StatusRetrying, true},
		{StatusFailed, StatusProcessing, false},
		{StatusFailed, StatusPending, false},
		{StatusProcessed, StatusProcessing, false},
		{StatusProcessed, StatusRetrying, false},
		{StatusProcessed, StatusFailed, false},
		{StatusProcessed, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTransitionTo(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	later := created.Add(time.Minute)

	event := WebhookEvent{Status: StatusPending, CreatedAt: created, UpdatedAt: created}
	if err := event.TransitionTo(StatusProcessing, later); err != nil {
		t.Fatalf("TransitionTo(PROCESSING) error = %v", err)
	}
	if event.Status != StatusProcessing {
		t.Errorf("Status = %s, want PROCESSING", event.Status)
	}
	if !event.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt = %v, want %v", event.UpdatedAt, later)
	}

	if err := event.TransitionTo(StatusProcessed, later); err != nil {
		t.Fatalf("TransitionTo(PROCESSED) error = %v", err)
	}
	err := event.TransitionTo(StatusRetrying, later.Add(time.Minute))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("TransitionTo from PROCESSED error = %v, want ErrInvalidTransition", err)
	}
	if event.Status != StatusProcessed {
		t.Errorf("Status = %s after refused transition, want PROCESSED", event.Status)
	}
	if !event.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt changed on refused transition")
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, status := range Statuses {
		got, err := ParseStatus(string(status))
		if err != nil || got != status {
			t.Errorf("ParseStatus(%q) = %q, %v", status, got, err)
		}
	}
	if _, err := ParseStatus("processed"); err == nil {
		t.Error("ParseStatus(lowercase) expected error")
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"fresh", 0, 3, false},
		{"one left", 2, 3, false},
		{"at max", 3, 3, true},
		{"zero budget", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := WebhookEvent{RetryCount: tt.retryCount, MaxRetries: tt.maxRetries}
			if got := e.RetriesExhausted(); got != tt.want {
				t.Errorf("RetriesExhausted() = %v, want %v", got, tt.want)
			}
		})
	}
}
