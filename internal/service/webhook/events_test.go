package webhook

import (
	"strings"
	"testing"

	"github.com/garrettladley/payhook/internal/storage"
)

func TestMapEventType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want storage.EventType
	}{
		{"net.authorize.payment.authcapture.created", storage.EventTypePaymentAuthCapture},
		{"net.authorize.payment.authorization.created", storage.EventTypePaymentAuthorization},
		{"net.authorize.payment.priorAuthCapture.created", storage.EventTypePaymentPriorAuthCapture},
		{"net.authorize.payment.capture.created", storage.EventTypePaymentCapture},
		{"net.authorize.payment.refund.created", storage.EventTypePaymentRefund},
		{"net.authorize.payment.void.created", storage.EventTypePaymentVoid},
		{"net.authorize.payment.fraud.held", storage.EventTypeFraudHeld},
		{"net.authorize.payment.fraud.approved", storage.EventTypeFraudApproved},
		{"net.authorize.payment.fraud.declined", storage.EventTypeFraudDeclined},
		{"net.authorize.customer.subscription.created", storage.EventTypeSubscriptionCreated},
		{"net.authorize.customer.subscription.updated", storage.EventTypeSubscriptionUpdated},
		{"net.authorize.customer.subscription.suspended", storage.EventTypeSubscriptionSuspended},
		{"net.authorize.customer.subscription.terminated", storage.EventTypeSubscriptionTerminated},
		{"net.authorize.customer.subscription.cancelled", storage.EventTypeSubscriptionCancelled},
		{"net.authorize.customer.subscription.expiring", storage.EventTypeSubscriptionExpiring},
		{"net.authorize.customer.created", storage.EventTypeCustomerCreated},
		{"net.authorize.customer.updated", storage.EventTypeCustomerUpdated},
		{"net.authorize.customer.deleted", storage.EventTypeCustomerDeleted},
		{"net.authorize.customer.paymentProfile.created", storage.EventTypePaymentProfileCreated},
		{"net.authorize.customer.paymentProfile.updated", storage.EventTypePaymentProfileUpdated},
		{"net.authorize.customer.paymentProfile.deleted", storage.EventTypePaymentProfileDeleted},
		{"NET.AUTHORIZE.PAYMENT.REFUND.CREATED", storage.EventTypePaymentRefund},
		{"  net.authorize.payment.void.created  ", storage.EventTypePaymentVoid},
		{"net.authorize.payment.newthing.created", storage.EventTypeUnclassified},
		{"net.authorize.payment", storage.EventTypeUnclassified},
		{"", storage.EventTypeUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			if got := MapEventType(tt.raw); got != tt.want {
				t.Errorf("MapEventType(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestMapEventType_TableIsComplete(t *testing.T) {
	t.Parallel()

	seen := make(map[storage.EventType]string)
	for raw, eventType := range eventTypes {
		if raw != strings.ToLower(raw) {
			t.Errorf("table key %q is not lowercase", raw)
		}
		if !eventTypePattern.MatchString(raw) {
			t.Errorf("table key %q does not match the eventType pattern", raw)
		}
		if prev, dup := seen[eventType]; dup {
			t.Errorf("%s mapped from both %q and %q", eventType, prev, raw)
		}
		seen[eventType] = raw
	}
	// every kind except the default has exactly one upstream type
	if len(seen) != 21 {
		t.Errorf("table covers %d kinds, want 21", len(seen))
	}
	if _, ok := seen[storage.EventTypeUnclassified]; ok {
		t.Error("unclassified must only be the default")
	}
}
