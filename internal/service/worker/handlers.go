package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/garrettladley/payhook/internal/storage"
	go_json "github.com/goccy/go-json"
)

// ErrInvalidPayload marks a delivery whose business payload cannot be applied.
var ErrInvalidPayload = errors.New("invalid payload")

// Handler applies one event and returns a JSON description of the change.
// Handlers must be idempotent: the queue may deliver an event more than once.
type Handler func(ctx context.Context, event *storage.WebhookEvent) (go_json.RawMessage, error)

type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[storage.EventType]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[storage.EventType]Handler)}
}

// DefaultHandlers registers a handler for every known event kind.
func DefaultHandlers() *HandlerRegistry {
	r := NewHandlerRegistry()
	for eventType, action := range paymentActions {
		r.Register(eventType, paymentHandler(action))
	}
	for eventType, decision := range fraudDecisions {
		r.Register(eventType, fraudHandler(decision))
	}
	for eventType, status := range subscriptionStatuses {
		r.Register(eventType, subscriptionHandler(status))
	}
	for eventType, action := range customerActions {
		r.Register(eventType, customerHandler(action))
	}
	for eventType, action := range paymentProfileActions {
		r.Register(eventType, paymentProfileHandler(action))
	}
	return r
}

func (r *HandlerRegistry) Register(eventType storage.EventType, h Handler) {
	r.mu.Lock()
	r.handlers[eventType] = h
	r.mu.Unlock()
}

// Lookup returns the handler for eventType, or a no-op success for kinds
// without one.
func (r *HandlerRegistry) Lookup(eventType storage.EventType) Handler {
	r.mu.RLock()
	h, ok := r.handlers[eventType]
	r.mu.RUnlock()
	if !ok {
		return unhandled
	}
	return h
}

var unhandledResult = go_json.RawMessage(`{"handled":false}`)

func unhandled(context.Context, *storage.WebhookEvent) (go_json.RawMessage, error) {
	return unhandledResult, nil
}

type notification struct {
	NotificationID string         `json:"notificationId"`
	EventType      string         `json:"eventType"`
	Payload        map[string]any `json:"payload"`
}

type entity struct {
	Name string
	ID   string
	raw  map[string]any
}

func parseEntity(event *storage.WebhookEvent) (entity, error) {
	var n notification
	if err := go_json.Unmarshal(event.Payload, &n); err != nil {
		return entity{}, fmt.Errorf("%w: parse notification: %v", ErrInvalidPayload, err)
	}
	if n.Payload == nil {
		return entity{}, fmt.Errorf("%w: missing payload object", ErrInvalidPayload)
	}
	id := stringField(n.Payload, "id")
	if id == "" {
		return entity{}, fmt.Errorf("%w: missing entity id", ErrInvalidPayload)
	}
	return entity{
		Name: stringField(n.Payload, "entityName"),
		ID:   id,
		raw:  n.Payload,
	}, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func numberField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

func encodeResult(v any) (go_json.RawMessage, error) {
	data, err := go_json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handler result: %w", err)
	}
	return data, nil
}

type transactionResult struct {
	Handled       bool     `json:"handled"`
	TransactionID string   `json:"transactionId"`
	Action        string   `json:"action"`
	Amount        *float64 `json:"amount,omitempty"`
	ResponseCode  *float64 `json:"responseCode,omitempty"`
	AuthCode      string   `json:"authCode,omitempty"`
}

var paymentActions = map[storage.EventType]string{
	storage.EventTypePaymentAuthCapture:      "auth_captured",
	storage.EventTypePaymentAuthorization:    "authorized",
	storage.EventTypePaymentPriorAuthCapture: "prior_auth_captured",
	storage.EventTypePaymentCapture:          "captured",
	storage.EventTypePaymentRefund:           "refunded",
	storage.EventTypePaymentVoid:             "voided",
}

func paymentHandler(action string) Handler {
	return func(_ context.Context, event *storage.WebhookEvent) (go_json.RawMessage, error) {
		e, err := parseEntity(event)
		if err != nil {
			return nil, err
		}
		res := transactionResult{
			Handled:       true,
			TransactionID: e.ID,
			Action:        action,
			AuthCode:      stringField(e.raw, "authCode"),
		}
		if amount, ok := numberField(e.raw, "authAmount"); ok {
			res.Amount = &amount
		}
		if code, ok := numberField(e.raw, "responseCode"); ok {
			res.ResponseCode = &code
		}
		return encodeResult(res)
	}
}

type fraudResult struct {
	Handled       bool     `json:"handled"`
	TransactionID string   `json:"transactionId"`
	Decision      string   `json:"decision"`
	Filters       []string `json:"filters,omitempty"`
}

var fraudDecisions = map[storage.EventType]string{
	storage.EventTypeFraudHeld:     "held",
	storage.EventTypeFraudApproved: "approved",
	storage.EventTypeFraudDeclined: "declined",
}

func fraudHandler(decision string) Handler {
	return func(_ context.Context, event *storage.WebhookEvent) (go_json.RawMessage, error) {
		e, err := parseEntity(event)
		if err != nil {
			return nil, err
		}
		res := fraudResult{Handled: true, TransactionID: e.ID, Decision: decision}
		if list, ok := e.raw["fraudList"].([]any); ok {
			for _, item := range list {
				if m, ok := item.(map[string]any); ok {
					if filter := stringField(m, "fraudFilter"); filter != "" {
						res.Filters = append(res.Filters, filter)
					}
				}
			}
		}
		return encodeResult(res)
	}
}

type subscriptionResult struct {
	Handled        bool     `json:"handled"`
	SubscriptionID string   `json:"subscriptionId"`
	Status         string   `json:"status"`
	Name           string   `json:"name,omitempty"`
	Amount         *float64 `json:"amount,omitempty"`
}

var subscriptionStatuses = map[storage.EventType]string{
	storage.EventTypeSubscriptionCreated:    "active",
	storage.EventTypeSubscriptionUpdated:    "active",
	storage.EventTypeSubscriptionSuspended:  "suspended",
	storage.EventTypeSubscriptionTerminated: "terminated",
	storage.EventTypeSubscriptionCancelled:  "cancelled",
	storage.EventTypeSubscriptionExpiring:   "expiring",
}

func subscriptionHandler(status string) Handler {
	return func(_ context.Context, event *storage.WebhookEvent) (go_json.RawMessage, error) {
		e, err := parseEntity(event)
		if err != nil {
			return nil, err
		}
		res := subscriptionResult{
			Handled:        true,
			SubscriptionID: e.ID,
			Status:         status,
			Name:           stringField(e.raw, "name"),
		}
		// the upstream status wins when present
		if upstream := stringField(e.raw, "status"); upstream != "" {
			res.Status = strings.ToLower(upstream)
		}
		if amount, ok := numberField(e.raw, "amount"); ok {
			res.Amount = &amount
		}
		return encodeResult(res)
	}
}

type profileResult struct {
	Handled           bool   `json:"handled"`
	Entity            string `json:"entity"`
	ID                string `json:"id"`
	Action            string `json:"action"`
	CustomerProfileID string `json:"customerProfileId,omitempty"`
	MerchantID        string `json:"merchantCustomerId,omitempty"`
}

var customerActions = map[storage.EventType]string{
	storage.EventTypeCustomerCreated: "created",
	storage.EventTypeCustomerUpdated: "updated",
	storage.EventTypeCustomerDeleted: "deleted",
}

func customerHandler(action string) Handler {
	return func(_ context.Context, event *storage.WebhookEvent) (go_json.RawMessage, error) {
		e, err := parseEntity(event)
		if err != nil {
			return nil, err
		}
		return encodeResult(profileResult{
			Handled:    true,
			Entity:     "customer_profile",
			ID:         e.ID,
			Action:     action,
			MerchantID: stringField(e.raw, "merchantCustomerId"),
		})
	}
}

var paymentProfileActions = map[storage.EventType]string{
	storage.EventTypePaymentProfileCreated: "created",
	storage.EventTypePaymentProfileUpdated: "updated",
	storage.EventTypePaymentProfileDeleted: "deleted",
}

func paymentProfileHandler(action string) Handler {
	return func(_ context.Context, event *storage.WebhookEvent) (go_json.RawMessage, error) {
		e, err := parseEntity(event)
		if err != nil {
			return nil, err
		}
		return encodeResult(profileResult{
			Handled:           true,
			Entity:            "payment_profile",
			ID:                e.ID,
			Action:            action,
			CustomerProfileID: stringField(e.raw, "customerProfileId"),
		})
	}
}
