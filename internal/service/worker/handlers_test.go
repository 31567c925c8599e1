package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/garrettladley/payhook/internal/storage"
	go_json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

func eventWithPayload(eventType storage.EventType, payload string) *storage.WebhookEvent {
	return &storage.WebhookEvent{
		ID:        "5f0c6a4e-3b2d-4f7e-8d1a-2c9b8e7f6a5d",
		EventType: eventType,
		Payload:   go_json.RawMessage(`{"notificationId":"n-1","eventType":"raw","payload":` + payload + `}`),
	}
}

func TestDefaultHandlers_Results(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		eventType storage.EventType
		payload   string
		want      map[string]any
	}{
		{
			name:      "payment capture",
			eventType: storage.EventTypePaymentCapture,
			payload:   `{"responseCode":1,"authCode":"LZ6I19","authAmount":45.5,"entityName":"transaction","id":"60020981676"}`,
			want: map[string]any{
				"handled":       true,
				"transactionId": "60020981676",
				"action":        "captured",
				"amount":        45.5,
				"responseCode":  float64(1),
				"authCode":      "LZ6I19",
			},
		},
		{
			name:      "refund without amount",
			eventType: storage.EventTypePaymentRefund,
			payload:   `{"entityName":"transaction","id":"60020981677"}`,
			want: map[string]any{
				"handled":       true,
				"transactionId": "60020981677",
				"action":        "refunded",
			},
		},
		{
			name:      "fraud held with filters",
			eventType: storage.EventTypeFraudHeld,
			payload:   `{"responseCode":4,"fraudList":[{"fraudFilter":"AmountFilter","fraudAction":"hold"},{"fraudFilter":"VelocityFilter"}],"id":"60020981678"}`,
			want: map[string]any{
				"handled":       true,
				"transactionId": "60020981678",
				"decision":      "held",
				"filters":       []any{"AmountFilter", "VelocityFilter"},
			},
		},
		{
			name:      "subscription upstream status wins",
			eventType: storage.EventTypeSubscriptionUpdated,
			payload:   `{"name":"gold plan","amount":9.99,"status":"Suspended","entityName":"subscription","id":"3155"}`,
			want: map[string]any{
				"handled":        true,
				"subscriptionId": "3155",
				"status":         "suspended",
				"name":           "gold plan",
				"amount":         9.99,
			},
		},
		{
			name:      "subscription cancelled",
			eventType: storage.EventTypeSubscriptionCancelled,
			payload:   `{"entityName":"subscription","id":"3156"}`,
			want: map[string]any{
				"handled":        true,
				"subscriptionId": "3156",
				"status":         "cancelled",
			},
		},
		{
			name:      "customer created",
			eventType: storage.EventTypeCustomerCreated,
			payload:   `{"merchantCustomerId":"cust-42","entityName":"customerProfile","id":"394"}`,
			want: map[string]any{
				"handled":            true,
				"entity":             "customer_profile",
				"id":                 "394",
				"action":             "created",
				"merchantCustomerId": "cust-42",
			},
		},
		{
			name:      "payment profile deleted with numeric id",
			eventType: storage.EventTypePaymentProfileDeleted,
			payload:   `{"customerProfileId":394,"entityName":"customerPaymentProfile","id":694}`,
			want: map[string]any{
				"handled":           true,
				"entity":            "payment_profile",
				"id":                "694",
				"action":            "deleted",
				"customerProfileId": "394",
			},
		},
	}

	handlers := DefaultHandlers()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw, err := handlers.Lookup(tt.eventType)(context.Background(), eventWithPayload(tt.eventType, tt.payload))
			if err != nil {
				t.Fatalf("handler error = %v", err)
			}
			var got map[string]any
			if err := go_json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDefaultHandlers_InvalidPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event *storage.WebhookEvent
	}{
		{
			name:  "missing entity id",
			event: eventWithPayload(storage.EventTypePaymentVoid, `{"entityName":"transaction"}`),
		},
		{
			name:  "no payload object",
			event: &storage.WebhookEvent{EventType: storage.EventTypeCustomerDeleted, Payload: go_json.RawMessage(`{"notificationId":"n-1"}`)},
		},
		{
			name:  "not json",
			event: &storage.WebhookEvent{EventType: storage.EventTypeFraudDeclined, Payload: go_json.RawMessage(`{`)},
		},
	}

	handlers := DefaultHandlers()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := handlers.Lookup(tt.event.EventType)(context.Background(), tt.event)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("error = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestDefaultHandlers_CoverEveryKind(t *testing.T) {
	t.Parallel()

	kinds := []storage.EventType{
		storage.EventTypePaymentAuthCapture,
		storage.EventTypePaymentAuthorization,
		storage.EventTypePaymentPriorAuthCapture,
		storage.EventTypePaymentCapture,
		storage.EventTypePaymentRefund,
		storage.EventTypePaymentVoid,
		storage.EventTypeFraudHeld,
		storage.EventTypeFraudApproved,
		storage.EventTypeFraudDeclined,
		storage.EventTypeSubscriptionCreated,
		storage.EventTypeSubscriptionUpdated,
		storage.EventTypeSubscriptionSuspended,
		storage.EventTypeSubscriptionTerminated,
		storage.EventTypeSubscriptionCancelled,
		storage.EventTypeSubscriptionExpiring,
		storage.EventTypeCustomerCreated,
		storage.EventTypeCustomerUpdated,
		storage.EventTypeCustomerDeleted,
		storage.EventTypePaymentProfileCreated,
		storage.EventTypePaymentProfileUpdated,
		storage.EventTypePaymentProfileDeleted,
	}

	handlers := DefaultHandlers()
	for _, kind := range kinds {
		raw, err := handlers.Lookup(kind)(context.Background(), eventWithPayload(kind, `{"id":"1"}`))
		if err != nil {
			t.Errorf("%s: error = %v", kind, err)
			continue
		}
		if string(raw) == string(unhandledResult) {
			t.Errorf("%s has no handler", kind)
		}
	}
}

func TestLookup_Unregistered(t *testing.T) {
	t.Parallel()

	raw, err := NewHandlerRegistry().Lookup(storage.EventTypeUnclassified)(context.Background(), &storage.WebhookEvent{})
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if string(raw) != `{"handled":false}` {
		t.Errorf("result = %s", raw)
	}
}
