package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events on Redis pub/sub channels named
// "<prefix>.<execution id>".
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a bus on an existing client. The client is closed by
// Close.
func NewRedisBus(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisBus{client: client, prefix: prefix, logger: logger}
}

// Publish sends evt to the execution's channel.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	data, err := encode(evt)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, subject(b.prefix, evt.ExecutionID), data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe listens on one execution's channel, or on the pattern covering
// all executions when id is uuid.Nil.
func (b *RedisBus) Subscribe(ctx context.Context, id uuid.UUID) (<-chan Event, error) {
	var pubsub *redis.PubSub
	if id == uuid.Nil {
		pubsub = b.client.PSubscribe(ctx, subject(b.prefix, id))
	} else {
		pubsub = b.client.Subscribe(ctx, subject(b.prefix, id))
	}

	// Wait for confirmation that we are subscribed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				evt, err := decode([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn("dropping malformed event",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
