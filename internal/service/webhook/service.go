package webhook

import (
	"context"
	"errors"
	"strings"

	"github.com/garrettladley/payhook/internal/storage"
)

var (
	ErrMalformedBody   = errors.New("malformed webhook body")
	ErrUnknownProvider = errors.New("unknown webhook provider")
)

// ValidationError carries every reason a delivery was rejected.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "webhook validation failed: " + strings.Join(e.Errors, "; ")
}

type ProcessRequest struct {
	Provider  string
	Body      []byte
	Signature string
}

type Result struct {
	EventID   string         `json:"eventId"`
	Status    storage.Status `json:"status"`
	Duplicate bool           `json:"-"`
}

type Service interface {
	// ProcessInboundWebhook validates, deduplicates, persists and enqueues a
	// delivery. Replays of an accepted delivery return the original event.
	// Returns ErrUnknownProvider if no secret is configured for the provider.
	// Returns ErrMalformedBody if the body is not a JSON object.
	// Returns *ValidationError if signature, shape or timestamp checks fail.
	// Any other error means the delivery should be retried by the sender.
	ProcessInboundWebhook(ctx context.Context, req ProcessRequest) (Result, error)
}
