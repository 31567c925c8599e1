package queue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/garrettladley/payhook/internal/clock"
	"github.com/garrettladley/payhook/internal/xslog"
	go_json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed receive.lua
var receiveLua string

//go:embed delete.lua
var deleteLua string

var (
	receiveScript = redis.NewScript(receiveLua)
	deleteScript  = redis.NewScript(deleteLua)
)

var _ Queue = (*RedisQueue)(nil)

type keys struct {
	pending  string
	inflight string
	messages string
	receipts string
	counts   string
}

func keysFor(name string) keys {
	prefix := "queue:" + name + ":"
	return keys{
		pending:  prefix + "pending",
		inflight: prefix + "inflight",
		messages: prefix + "messages",
		receipts: prefix + "receipts",
		counts:   prefix + "counts",
	}
}

type record struct {
	Body       string            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// RedisQueue is an at-least-once queue with visibility timeouts, delayed
// delivery and redrive to a dead-letter queue, built on sorted sets and Lua.
type RedisQueue struct {
	client *redis.Client
	clock  clock.Clock
	cfg    Config
	keys   keys

	deadLetter *RedisQueue
}

// NewRedis verifies the connection and configuration before returning.
func NewRedis(ctx context.Context, client *redis.Client, c clock.Clock, cfg Config) (*RedisQueue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach queue %q: %w", cfg.Name, err)
	}
	if c == nil {
		c = clock.System()
	}

	// the dead-letter queue is drained on demand and never long-polls
	dlq := &RedisQueue{
		client: client,
		clock:  c,
		cfg: Config{
			Name:              cfg.DeadLetterName,
			VisibilityTimeout: cfg.VisibilityTimeout,
		},
		keys: keysFor(cfg.DeadLetterName),
	}
	return &RedisQueue{
		client:     client,
		clock:      c,
		cfg:        cfg,
		keys:       keysFor(cfg.Name),
		deadLetter: dlq,
	}, nil
}

func (q *RedisQueue) Name() string {
	return q.cfg.Name
}

// DeadLetter returns the queue that receives messages redriven from q.
// It returns nil for a dead-letter queue itself.
func (q *RedisQueue) DeadLetter() *RedisQueue {
	return q.deadLetter
}

func (q *RedisQueue) Send(ctx context.Context, env Envelope) (string, error) {
	body, err := encodeEnvelope(env)
	if err != nil {
		return "", err
	}
	return q.send(ctx, body, env.Attributes(), Backoff(env.RetryCount))
}

func (q *RedisQueue) send(ctx context.Context, body []byte, attrs map[string]string, delay time.Duration) (string, error) {
	id := uuid.NewString()
	rec, err := go_json.Marshal(record{Body: string(body), Attributes: attrs})
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue record: %w", err)
	}

	availableAt := q.clock.Now().Add(delay).UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys.messages, id, rec)
		pipe.ZAdd(ctx, q.keys.pending, redis.Z{Score: float64(availableAt), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to send to queue %q: %w", q.cfg.Name, err)
	}
	return id, nil
}

func (q *RedisQueue) SendBatch(ctx context.Context, envs []Envelope) ([]string, error) {
	logger := xslog.FromContext(ctx)
	ids := make([]string, 0, len(envs))

	for _, batch := range chunk(envs) {
		type pending struct {
			id  string
			env Envelope
			cmd *redis.IntCmd
		}

		now := q.clock.Now()
		entries := make([]pending, 0, len(batch))
		pipe := q.client.Pipeline()
		for _, env := range batch {
			body, err := encodeEnvelope(env)
			if err != nil {
				logger.WarnContext(ctx, "skipping unencodable envelope",
					xslog.EventID(env.EventID),
					xslog.Error(err),
				)
				continue
			}
			rec, err := go_json.Marshal(record{Body: string(body), Attributes: env.Attributes()})
			if err != nil {
				logger.WarnContext(ctx, "skipping unencodable envelope",
					xslog.EventID(env.EventID),
					xslog.Error(err),
				)
				continue
			}

			id := uuid.NewString()
			availableAt := now.Add(Backoff(env.RetryCount)).UnixMilli()
			pipe.HSet(ctx, q.keys.messages, id, rec)
			cmd := pipe.ZAdd(ctx, q.keys.pending, redis.Z{Score: float64(availableAt), Member: id})
			entries = append(entries, pending{id: id, env: env, cmd: cmd})
		}

		if len(entries) == 0 {
			continue
		}
		// per-command errors are inspected below
		_, _ = pipe.Exec(ctx)

		for _, e := range entries {
			if err := e.cmd.Err(); err != nil {
				logger.ErrorContext(ctx, "failed to send batch entry",
					xslog.Queue(q.cfg.Name),
					xslog.EventID(e.env.EventID),
					xslog.Error(err),
				)
				continue
			}
			ids = append(ids, e.id)
		}
	}

	if failed := len(envs) - len(ids); failed > 0 {
		logger.WarnContext(ctx, "batch send partially failed",
			xslog.Queue(q.cfg.Name),
			xslog.Count(failed),
			slog.Int("sent", len(ids)),
		)
	}
	return ids, nil
}

func (q *RedisQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	maxMessages = clampMax(maxMessages)
	return longPoll(ctx, q.clock, q.cfg.WaitTime, func() ([]Message, error) {
		return q.receiveOnce(ctx, maxMessages)
	})
}

func (q *RedisQueue) receiveOnce(ctx context.Context, maxMessages int) ([]Message, error) {
	// with redrive disabled the dead-letter keys are placeholders the script
	// never touches
	dlqKeys, maxReceive := q.keys, 0
	if q.deadLetter != nil {
		dlqKeys, maxReceive = q.deadLetter.keys, q.cfg.MaxReceiveCount
	}

	reply, err := receiveScript.Run(ctx, q.client,
		[]string{
			q.keys.pending,
			q.keys.inflight,
			q.keys.messages,
			q.keys.receipts,
			q.keys.counts,
			dlqKeys.pending,
			dlqKeys.messages,
		},
		q.clock.Now().UnixMilli(),
		q.cfg.VisibilityTimeout.Milliseconds(),
		maxMessages,
		maxReceive,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to receive from queue %q: %w", q.cfg.Name, err)
	}

	if len(reply)%4 != 0 {
		return nil, fmt.Errorf("unexpected receive reply length %d", len(reply))
	}

	msgs := make([]Message, 0, len(reply)/4)
	for i := 0; i < len(reply); i += 4 {
		id, _ := reply[i].(string)
		raw, _ := reply[i+1].(string)
		receipt, _ := reply[i+2].(string)
		count, _ := reply[i+3].(int64)

		var rec record
		if err := go_json.Unmarshal([]byte(raw), &rec); err != nil {
			// surface the raw record so the consumer's parse step rejects it
			rec = record{Body: raw}
		}
		msgs = append(msgs, Message{
			ID:            id,
			Body:          []byte(rec.Body),
			ReceiptHandle: receipt,
			ReceiveCount:  int(count),
			Attributes:    rec.Attributes,
		})
	}
	return msgs, nil
}

func (q *RedisQueue) Delete(ctx context.Context, receiptHandle string) error {
	id, _, ok := strings.Cut(receiptHandle, ":")
	if !ok || id == "" {
		return nil
	}

	err := deleteScript.Run(ctx, q.client,
		[]string{
			q.keys.pending,
			q.keys.inflight,
			q.keys.messages,
			q.keys.receipts,
			q.keys.counts,
		},
		id,
		receiptHandle,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to delete from queue %q: %w", q.cfg.Name, err)
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	now := strconv.FormatInt(q.clock.Now().UnixMilli(), 10)

	pipe := q.client.Pipeline()
	visible := pipe.ZCount(ctx, q.keys.pending, "-inf", now)
	delayed := pipe.ZCount(ctx, q.keys.pending, "("+now, "+inf")
	inFlight := pipe.ZCard(ctx, q.keys.inflight)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read stats for queue %q: %w", q.cfg.Name, err)
	}

	return Stats{
		Visible:  int(visible.Val()),
		InFlight: int(inFlight.Val()),
		Delayed:  int(delayed.Val()),
	}, nil
}
