package deadletter

import (
	"fmt"
	"strings"
	"time"

	"github.com/garrettladley/payhook/internal/storage"
)

// MaxEventAge is the age past which a dead-lettered event is not worth retrying.
const MaxEventAge = 24 * time.Hour

type Action string

const (
	ActionIgnore    Action = "ignore"
	ActionRequeue   Action = "requeue"
	ActionPermanent Action = "permanent"
)

type Decision struct {
	Action Action
	Reason string
}

var (
	permanentVocabulary = []string{
		"signature",
		"unauthorized",
		"authentication",
		"forbidden",
		"malformed",
		"invalid payload",
		"parse",
		"validation",
	}
	transientVocabulary = []string{
		"timeout",
		"timed out",
		"connection",
		"network",
		"unavailable",
		"internal",
		"database",
		"econnreset",
		"temporar",
	}
)

// Classify decides what to do with a dead-lettered event. The rules apply in
// order and an unrecognized error fails closed.
func Classify(event *storage.WebhookEvent, now time.Time) Decision {
	if event.Status == storage.StatusProcessed {
		return Decision{Action: ActionIgnore, Reason: "already processed"}
	}
	if event.RetriesExhausted() {
		return Decision{
			Action: ActionPermanent,
			Reason: fmt.Sprintf("retries exhausted (%d/%d)", event.RetryCount, event.MaxRetries),
		}
	}
	if age := now.Sub(event.CreatedAt); age > MaxEventAge {
		return Decision{
			Action: ActionPermanent,
			Reason: fmt.Sprintf("event older than %s", MaxEventAge),
		}
	}

	msg := strings.ToLower(event.LastError())
	if term, ok := matchAny(msg, permanentVocabulary); ok {
		return Decision{Action: ActionPermanent, Reason: "permanent error: " + term}
	}
	if term, ok := matchAny(msg, transientVocabulary); ok {
		return Decision{Action: ActionRequeue, Reason: "transient error: " + term}
	}
	if msg == "" {
		return Decision{Action: ActionPermanent, Reason: "no recorded error"}
	}
	return Decision{Action: ActionPermanent, Reason: "unclassified error"}
}

func matchAny(s string, terms []string) (string, bool) {
	if s == "" {
		return "", false
	}
	for _, term := range terms {
		if strings.Contains(s, term) {
			return term, true
		}
	}
	return "", false
}
