package queue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/garrettladley/payhook/internal/clock"
	"github.com/garrettladley/payhook/internal/xslog"
	"github.com/google/uuid"
)

var _ Queue = (*MemoryQueue)(nil)

type memoryMessage struct {
	id        string
	seq       uint64
	body      []byte
	attrs     map[string]string
	visibleAt time.Time
	inFlight  bool
	receipt   string
	count     int
}

// MemoryQueue has the same delivery semantics as RedisQueue, driven by a
// clock.Clock, for tests and single-process deployments.
type MemoryQueue struct {
	clock clock.Clock
	cfg   Config

	mu       sync.Mutex
	seq      uint64
	messages map[string]*memoryMessage

	deadLetter *MemoryQueue
}

func NewMemory(c clock.Clock, cfg Config) (*MemoryQueue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.System()
	}
	// the dead-letter queue is drained on demand and never long-polls
	dlq := &MemoryQueue{
		clock: c,
		cfg: Config{
			Name:              cfg.DeadLetterName,
			VisibilityTimeout: cfg.VisibilityTimeout,
		},
		messages: make(map[string]*memoryMessage),
	}
	return &MemoryQueue{
		clock:      c,
		cfg:        cfg,
		messages:   make(map[string]*memoryMessage),
		deadLetter: dlq,
	}, nil
}

func (q *MemoryQueue) Name() string {
	return q.cfg.Name
}

// DeadLetter returns the queue that receives messages redriven from q.
// It returns nil for a dead-letter queue itself.
func (q *MemoryQueue) DeadLetter() *MemoryQueue {
	return q.deadLetter
}

func (q *MemoryQueue) Send(_ context.Context, env Envelope) (string, error) {
	body, err := encodeEnvelope(env)
	if err != nil {
		return "", err
	}
	return q.put(uuid.NewString(), body, env.Attributes(), q.clock.Now().Add(Backoff(env.RetryCount))), nil
}

func (q *MemoryQueue) put(id string, body []byte, attrs map[string]string, visibleAt time.Time) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.messages[id] = &memoryMessage{
		id:        id,
		seq:       q.seq,
		body:      body,
		attrs:     attrs,
		visibleAt: visibleAt,
	}
	return id
}

func (q *MemoryQueue) SendBatch(ctx context.Context, envs []Envelope) ([]string, error) {
	logger := xslog.FromContext(ctx)
	ids := make([]string, 0, len(envs))
	for _, batch := range chunk(envs) {
		for _, env := range batch {
			id, err := q.Send(ctx, env)
			if err != nil {
				logger.ErrorContext(ctx, "failed to send batch entry",
					xslog.Queue(q.cfg.Name),
					xslog.EventID(env.EventID),
					xslog.Error(err),
				)
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	maxMessages = clampMax(maxMessages)
	return longPoll(ctx, q.clock, q.cfg.WaitTime, func() ([]Message, error) {
		return q.receiveOnce(maxMessages), nil
	})
}

func (q *MemoryQueue) receiveOnce(maxMessages int) []Message {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	candidates := make([]*memoryMessage, 0, len(q.messages))
	for _, m := range q.messages {
		if m.inFlight && !now.Before(m.visibleAt) {
			m.inFlight = false
			m.receipt = ""
		}
		if !m.inFlight && !now.Before(m.visibleAt) {
			candidates = append(candidates, m)
		}
	}
	slices.SortFunc(candidates, func(a, b *memoryMessage) int {
		if c := a.visibleAt.Compare(b.visibleAt); c != 0 {
			return c
		}
		return int(a.seq) - int(b.seq)
	})
	if len(candidates) > maxMessages {
		candidates = candidates[:maxMessages]
	}

	msgs := make([]Message, 0, len(candidates))
	for _, m := range candidates {
		m.count++
		if q.deadLetter != nil && m.count > q.cfg.MaxReceiveCount {
			delete(q.messages, m.id)
			q.deadLetter.put(m.id, m.body, m.attrs, now)
			continue
		}
		m.inFlight = true
		m.visibleAt = now.Add(q.cfg.VisibilityTimeout)
		m.receipt = fmt.Sprintf("%s:%d:%d", m.id, m.count, now.UnixMilli())
		msgs = append(msgs, Message{
			ID:            m.id,
			Body:          slices.Clone(m.body),
			ReceiptHandle: m.receipt,
			ReceiveCount:  m.count,
			Attributes:    m.attrs,
		})
	}
	return msgs
}

func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	id, _, ok := strings.Cut(receiptHandle, ":")
	if !ok {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if m, exists := q.messages[id]; exists && m.receipt == receiptHandle {
		delete(q.messages, id)
	}
	return nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var stats Stats
	for _, m := range q.messages {
		switch {
		case m.inFlight:
			stats.InFlight++
		case now.Before(m.visibleAt):
			stats.Delayed++
		default:
			stats.Visible++
		}
	}
	return stats, nil
}
