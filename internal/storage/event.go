package storage

import (
	"errors"
	"fmt"
	"time"

	go_json "github.com/goccy/go-json"
)

var ErrInvalidTransition = errors.New("invalid status transition")

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusRetrying   Status = "RETRYING"
	StatusFailed     Status = "FAILED"
)

var Statuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusProcessed,
	StatusRetrying,
	StatusFailed,
}

func ParseStatus(s string) (Status, error) {
	for _, status := range Statuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown status: %q", s)
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusRetrying, StatusFailed},
	StatusProcessing: {StatusProcessing, StatusProcessed, StatusRetrying, StatusFailed},
	StatusRetrying:   {StatusProcessing, StatusRetrying, StatusFailed},
	// operator retry only
	StatusFailed: {StatusRetrying},
}

func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type EventType string

const (
	EventTypePaymentAuthCapture      EventType = "payment.auth_capture"
	EventTypePaymentAuthorization    EventType = "payment.authorization"
	EventTypePaymentPriorAuthCapture EventType = "payment.prior_auth_capture"
	EventTypePaymentCapture          EventType = "payment.capture"
	EventTypePaymentRefund           EventType = "payment.refund"
	EventTypePaymentVoid             EventType = "payment.void"
	EventTypeFraudHeld               EventType = "payment.fraud_held"
	EventTypeFraudApproved           EventType = "payment.fraud_approved"
	EventTypeFraudDeclined           EventType = "payment.fraud_declined"
	EventTypeSubscriptionCreated     EventType = "subscription.created"
	EventTypeSubscriptionUpdated     EventType = "subscription.updated"
	EventTypeSubscriptionSuspended   EventType = "subscription.suspended"
	EventTypeSubscriptionTerminated  EventType = "subscription.terminated"
	EventTypeSubscriptionCancelled   EventType = "subscription.cancelled"
	EventTypeSubscriptionExpiring    EventType = "subscription.expiring"
	EventTypeCustomerCreated         EventType = "customer.created"
	EventTypeCustomerUpdated         EventType = "customer.updated"
	EventTypeCustomerDeleted         EventType = "customer.deleted"
	EventTypePaymentProfileCreated   EventType = "payment_profile.created"
	EventTypePaymentProfileUpdated   EventType = "payment_profile.updated"
	EventTypePaymentProfileDeleted   EventType = "payment_profile.deleted"

	// EventTypeUnclassified is assigned to upstream kinds this build does not know yet.
	EventTypeUnclassified EventType = "unclassified"
)

type WebhookEvent struct {
	ID               string             `json:"id"`
	EventType        EventType          `json:"eventType"`
	ExternalID       string             `json:"externalId"`
	Payload          go_json.RawMessage `json:"payload"`
	Signature        *string            `json:"signature,omitempty"`
	Status           Status             `json:"status"`
	RetryCount       int                `json:"retryCount"`
	MaxRetries       int                `json:"maxRetries"`
	ProcessedAt      *time.Time         `json:"processedAt,omitempty"`
	ErrorMessage     *string            `json:"errorMessage,omitempty"`
	ProcessingResult go_json.RawMessage `json:"processingResult,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// TransitionTo moves the event to the given status, refusing moves the state
// machine does not allow. PROCESSED events are frozen.
func (e *WebhookEvent) TransitionTo(to Status, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}

// RetriesExhausted reports whether the event has used its whole retry budget.
func (e *WebhookEvent) RetriesExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

func (e *WebhookEvent) SetError(msg string) {
	e.ErrorMessage = &msg
}

func (e *WebhookEvent) ClearError() {
	e.ErrorMessage = nil
}

func (e *WebhookEvent) LastError() string {
	if e.ErrorMessage == nil {
		return ""
	}
	return *e.ErrorMessage
}
