package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"regexp"
	"strings"
	"time"

	"github.com/garrettladley/payhook/internal/clock"
	"github.com/google/uuid"
)

const DefaultTimestampTolerance = 5 * time.Minute

const (
	msgMissingSignature = "missing webhook signature"
	msgInvalidSignature = "invalid webhook signature"
)

// ns.category.action.status, with deeper nesting allowed
// eventDateLayouts are the ISO-8601 forms gateways send. A date without a zone
// is read as UTC. Fractional seconds are accepted by every layout.
var eventDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
	"2006-01-02T15:04:05",
}

var eventTypePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*){3,}$`)

type ValidationResult struct {
	Valid  bool
	Errors []string
}

func valid() ValidationResult {
	return ValidationResult{Valid: true}
}

func invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// GenerateHMAC returns the lowercase hex HMAC of payload under secret.
// Supported algorithms are sha256 and sha512.
func GenerateHMAC(payload []byte, secret, algo string) (string, error) {
	newHash, err := hashFor(algo)
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func hashFor(algo string) (func() hash.Hash, error) {
	switch strings.ToLower(algo) {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm: %q", algo)
	}
}

type Validator struct {
	secret           string
	clock            clock.Clock
	tolerance        time.Duration
	requireSignature bool
}

type ValidatorOption func(*Validator)

func WithTolerance(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// WithRequiredSignature rejects deliveries that carry no signature header.
func WithRequiredSignature(required bool) ValidatorOption {
	return func(v *Validator) {
		v.requireSignature = required
	}
}

func NewValidator(secret string, c clock.Clock, opts ...ValidatorOption) *Validator {
	if c == nil {
		c = clock.System()
	}
	v := &Validator{
		secret:    secret,
		clock:     c,
		tolerance: DefaultTimestampTolerance,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateSignature checks a "{algo}={hex}" header against the HMAC of payload.
// Hex digits are compared case-insensitively in constant time.
func (v *Validator) ValidateSignature(payload []byte, header string) ValidationResult {
	header = strings.TrimSpace(header)
	if header == "" {
		return invalid(msgMissingSignature)
	}

	algo, digest, ok := strings.Cut(header, "=")
	if !ok || digest == "" {
		return invalid(msgInvalidSignature)
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return invalid(msgInvalidSignature)
	}

	newHash, err := hashFor(algo)
	if err != nil {
		return invalid(msgInvalidSignature)
	}
	mac := hmac.New(newHash, []byte(v.secret))
	mac.Write(payload)

	if !hmac.Equal(got, mac.Sum(nil)) {
		return invalid(msgInvalidSignature)
	}
	return valid()
}

// ValidatePayloadShape reports every shape violation individually.
func (v *Validator) ValidatePayloadShape(n Notification) ValidationResult {
	var (
		errs    []string
		missing []string
	)
	if n.NotificationID == "" {
		missing = append(missing, "notificationId")
	}
	if n.EventType == "" {
		missing = append(missing, "eventType")
	}
	if n.EventDate == "" {
		missing = append(missing, "eventDate")
	}
	if n.WebhookID == "" {
		missing = append(missing, "webhookId")
	}
	if len(missing) > 0 {
		errs = append(errs, "missing required fields: "+strings.Join(missing, ", "))
	}

	if n.EventType != "" && !eventTypePattern.MatchString(n.EventType) {
		errs = append(errs, fmt.Sprintf("invalid eventType format: %q", n.EventType))
	}
	if n.NotificationID != "" && !isUUID(n.NotificationID) {
		errs = append(errs, "notificationId must be a UUID")
	}

	if len(errs) > 0 {
		return invalid(errs...)
	}
	return valid()
}

func isUUID(s string) bool {
	return len(s) == 36 && uuid.Validate(s) == nil
}

// ValidateTimestamp rejects unparsable dates and dates further than the
// tolerance from now in either direction.
func (v *Validator) ValidateTimestamp(eventDate string) ValidationResult {
	at, ok := parseEventDate(eventDate)
	if !ok {
		return invalid(fmt.Sprintf("invalid eventDate: %q", eventDate))
	}

	delta := v.clock.Now().Sub(at)
	if delta < 0 {
		delta = -delta
	}
	if delta > v.tolerance {
		return invalid(fmt.Sprintf("eventDate outside tolerance of %s", v.tolerance))
	}
	return valid()
}

func parseEventDate(s string) (time.Time, bool) {
	for _, layout := range eventDateLayouts {
		if at, err := time.Parse(layout, s); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}

// ValidateWebhook runs signature, shape and timestamp checks in that order
// and returns the first failure. A present signature header is always
// verified.
func (v *Validator) ValidateWebhook(raw []byte, signatureHeader string, n Notification) ValidationResult {
	if signatureHeader != "" || v.requireSignature {
		if res := v.ValidateSignature(raw, signatureHeader); !res.Valid {
			return res
		}
	}
	if res := v.ValidatePayloadShape(n); !res.Valid {
		return res
	}
	if n.EventDate != "" {
		if res := v.ValidateTimestamp(n.EventDate); !res.Valid {
			return res
		}
	}
	return valid()
}
