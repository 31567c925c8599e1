package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/garrettladley/payhook/internal/clock"
	go_json "github.com/goccy/go-json"
)

const (
	// MaxBatchSize caps SendBatch chunks and Receive batches.
	MaxBatchSize = 10

	baseDelay = 60 * time.Second
	maxDelay  = 15 * time.Minute
)

var (
	// ErrMalformedMessage marks a message body that is not a valid envelope.
	// It is a format error and must never be retried.
	ErrMalformedMessage = errors.New("malformed queue message")
	ErrInvalidConfig    = errors.New("invalid queue configuration")
)

const (
	AttrEventType  = "eventType"
	AttrEventID    = "eventId"
	AttrTimestamp  = "timestamp"
	AttrRetryCount = "retryCount"
)

// Envelope is the unit of work placed on the queue.
type Envelope struct {
	EventID    string             `json:"eventId"`
	EventType  string             `json:"eventType"`
	Payload    go_json.RawMessage `json:"payload"`
	Timestamp  time.Time          `json:"timestamp"`
	RetryCount int                `json:"retryCount,omitempty"`
}

// Attributes mirrors the routing fields so consumers can filter without
// decoding the body.
func (e Envelope) Attributes() map[string]string {
	return map[string]string{
		AttrEventType:  e.EventType,
		AttrEventID:    e.EventID,
		AttrTimestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		AttrRetryCount: strconv.Itoa(e.RetryCount),
	}
}

type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	ReceiveCount  int
	Attributes    map[string]string
}

// Stats are approximate and may lag concurrent producers and consumers.
type Stats struct {
	Visible  int `json:"visible"`
	InFlight int `json:"inFlight"`
	Delayed  int `json:"delayed"`
}

type Queue interface {
	Name() string

	// Send enqueues env, delayed by Backoff(env.RetryCount), and returns the
	// message id.
	Send(ctx context.Context, env Envelope) (string, error)

	// SendBatch returns the ids of the envelopes that were enqueued. Per-entry
	// failures are logged, never returned.
	SendBatch(ctx context.Context, envs []Envelope) ([]string, error)

	// Receive waits up to the configured wait time for at most maxMessages
	// visible messages. Received messages stay hidden for the visibility timeout.
	Receive(ctx context.Context, maxMessages int) ([]Message, error)

	// Delete acknowledges a message. Unknown or stale handles are a no-op.
	Delete(ctx context.Context, receiptHandle string) error

	Stats(ctx context.Context) (Stats, error)
}

// Backoff returns the delivery delay for an envelope on its n-th retry:
// 2^n minutes, zero for the first attempt, capped at fifteen minutes.
func Backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	// 2^4 minutes already exceeds the cap
	if retryCount >= 4 {
		return maxDelay
	}
	return min(baseDelay*time.Duration(1<<retryCount), maxDelay)
}

// ParsePayload strictly decodes a message body into an Envelope.
func ParsePayload(msg Message) (Envelope, error) {
	var env Envelope
	if err := go_json.Unmarshal(msg.Body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, msg.ID, err)
	}
	if env.EventID == "" {
		return Envelope{}, fmt.Errorf("%w: %s: missing eventId", ErrMalformedMessage, msg.ID)
	}
	return env, nil
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	body, err := go_json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, nil
}

// Config is shared by the Redis and in-memory queues.
type Config struct {
	Name              string
	DeadLetterName    string
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	MaxReceiveCount   int
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.DeadLetterName == "" || c.DeadLetterName == c.Name {
		return fmt.Errorf("%w: dead-letter queue must be set and distinct from %q", ErrInvalidConfig, c.Name)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("%w: visibility timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxReceiveCount <= 0 {
		return fmt.Errorf("%w: max receive count must be positive", ErrInvalidConfig)
	}
	if c.WaitTime < 0 {
		return fmt.Errorf("%w: wait time must not be negative", ErrInvalidConfig)
	}
	return nil
}

func clampMax(maxMessages int) int {
	if maxMessages <= 0 {
		return 1
	}
	return min(maxMessages, MaxBatchSize)
}

// chunk splits envs into slices of at most MaxBatchSize.
func chunk(envs []Envelope) [][]Envelope {
	var out [][]Envelope
	for start := 0; start < len(envs); start += MaxBatchSize {
		out = append(out, envs[start:min(start+MaxBatchSize, len(envs))])
	}
	return out
}

const pollInterval = 250 * time.Millisecond

// longPoll calls try until it yields messages, fails, or wait elapses on c.
func longPoll(ctx context.Context, c clock.Clock, wait time.Duration, try func() ([]Message, error)) ([]Message, error) {
	deadline := c.Now().Add(wait)
	var ticker clock.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		msgs, err := try()
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if !c.Now().Before(deadline) {
			return nil, nil
		}
		if ticker == nil {
			ticker = c.NewTicker(min(pollInterval, wait))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C():
		}
	}
}
