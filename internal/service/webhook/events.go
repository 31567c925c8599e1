package webhook

import (
	"strings"

	"github.com/garrettladley/payhook/internal/storage"
	go_json "github.com/goccy/go-json"
)

// Notification is the inbound delivery body.
type Notification struct {
	NotificationID string             `json:"notificationId"`
	EventType      string             `json:"eventType"`
	EventDate      string             `json:"eventDate"`
	WebhookID      string             `json:"webhookId"`
	Payload        go_json.RawMessage `json:"payload"`
}

// keys are lowercase, lookups fold case
var eventTypes = map[string]storage.EventType{
	"net.authorize.payment.authcapture.created":      storage.EventTypePaymentAuthCapture,
	"net.authorize.payment.authorization.created":    storage.EventTypePaymentAuthorization,
	"net.authorize.payment.priorauthcapture.created": storage.EventTypePaymentPriorAuthCapture,
	"net.authorize.payment.capture.created":          storage.EventTypePaymentCapture,
	"net.authorize.payment.refund.created":           storage.EventTypePaymentRefund,
	"net.authorize.payment.void.created":             storage.EventTypePaymentVoid,
	"net.authorize.payment.fraud.held":               storage.EventTypeFraudHeld,
	"net.authorize.payment.fraud.approved":           storage.EventTypeFraudApproved,
	"net.authorize.payment.fraud.declined":           storage.EventTypeFraudDeclined,
	"net.authorize.customer.subscription.created":    storage.EventTypeSubscriptionCreated,
	"net.authorize.customer.subscription.updated":    storage.EventTypeSubscriptionUpdated,
	"net.authorize.customer.subscription.suspended":  storage.EventTypeSubscriptionSuspended,
	"net.authorize.customer.subscription.terminated": storage.EventTypeSubscriptionTerminated,
	"net.authorize.customer.subscription.cancelled":  storage.EventTypeSubscriptionCancelled,
	"net.authorize.customer.subscription.expiring":   storage.EventTypeSubscriptionExpiring,
	"net.authorize.customer.created":                 storage.EventTypeCustomerCreated,
	"net.authorize.customer.updated":                 storage.EventTypeCustomerUpdated,
	"net.authorize.customer.deleted":                 storage.EventTypeCustomerDeleted,
	"net.authorize.customer.paymentprofile.created":  storage.EventTypePaymentProfileCreated,
	"net.authorize.customer.paymentprofile.updated":  storage.EventTypePaymentProfileUpdated,
	"net.authorize.customer.paymentprofile.deleted":  storage.EventTypePaymentProfileDeleted,
}

// MapEventType never fails: kinds this build does not know map to
// storage.EventTypeUnclassified.
func MapEventType(raw string) storage.EventType {
	if eventType, ok := eventTypes[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return eventType
	}
	return storage.EventTypeUnclassified
}
