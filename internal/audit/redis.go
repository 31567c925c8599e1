package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/garrettladley/payhook/internal/xslog"
	go_json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "payhook:audit"

var _ Sink = (*RedisSink)(nil)

// RedisSink publishes entries on a pub/sub channel for live consumers.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Record(ctx context.Context, entry Entry) {
	if err := s.Publish(ctx, entry); err != nil {
		xslog.FromContext(ctx).WarnContext(ctx, "failed to publish audit entry",
			slog.String("action", string(entry.Action)),
			xslog.Error(err),
		)
	}
}

func (s *RedisSink) Publish(ctx context.Context, entry Entry) error {
	data, err := go_json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to publish audit entry: %w", err)
	}
	return nil
}

// Subscribe streams entries published on the channel until ctx is done or
// the returned stop func is called.
func (s *RedisSink) Subscribe(ctx context.Context) (<-chan Entry, func(), error) {
	pubsub := s.client.Subscribe(ctx, s.channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	entries := make(chan Entry)

	go func() {
		defer close(entries)
		ch := pubsub.Channel()

		for msg := range ch {
			var entry Entry
			if err := go_json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
				continue
			}

			select {
			case entries <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() {
		_ = pubsub.Close()
	}

	return entries, stop, nil
}
