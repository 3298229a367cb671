package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "job"

// RedisConfig configures the stream and consumer group.
type RedisConfig struct {
	Stream   string
	Group    string
	Consumer string
	// ClaimIdle is how long an entry may stay pending before another
	// consumer reclaims it.
	ClaimIdle time.Duration
	// Block bounds each XREADGROUP call so cancellation is noticed.
	Block time.Duration
}

func (c RedisConfig) block() time.Duration {
	if c.Block > 0 {
		return c.Block
	}
	return 2 * time.Second
}

func (c RedisConfig) claimIdle() time.Duration {
	if c.ClaimIdle > 0 {
		return c.ClaimIdle
	}
	return 15 * time.Minute
}

// RedisQueue implements Queue using Redis Streams.
type RedisQueue struct {
	client  redis.UniversalClient
	cfg     RedisConfig
	metrics *Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue wraps a client. Call Ping to fail fast on a bad address.
func NewRedisQueue(client redis.UniversalClient, cfg RedisConfig, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisQueue{client: client, cfg: cfg, logger: logger}
}

// WithMetrics attaches queue metrics.
func (r *RedisQueue) WithMetrics(m *Metrics) *RedisQueue {
	r.metrics = m
	return r
}

// Ping checks the connection.
func (r *RedisQueue) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Enqueue appends msg to the stream with XADD.
func (r *RedisQueue) Enqueue(ctx context.Context, msg *Message) error {
	if r.isClosed() {
		return ErrClosed
	}
	data, err := marshal(msg)
	if err != nil {
		return err
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.Stream,
		Values: map[string]any{payloadField: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis enqueue failed: %w", err)
	}
	if r.metrics != nil {
		r.metrics.EnqueuedTotal.Inc()
	}
	return nil
}

// Consume reads the stream as a member of the consumer group. Stale pending
// entries are reclaimed before new ones are read.
func (r *RedisQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	// "0" so entries added before the group existed are still delivered.
	err := r.client.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)

		claimEvery := r.cfg.claimIdle() / 2
		nextClaim := time.Now()
		for {
			if ctx.Err() != nil {
				return
			}
			if !time.Now().Before(nextClaim) {
				if !r.reclaim(ctx, out) {
					return
				}
				nextClaim = time.Now().Add(claimEvery)
			}

			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.cfg.Group,
				Consumer: r.cfg.Consumer,
				Streams:  []string{r.cfg.Stream, ">"},
				Count:    1,
				Block:    r.cfg.block(),
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("redis read error", slog.String("error", err.Error()))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			for _, stream := range streams {
				for _, xm := range stream.Messages {
					if !r.deliver(ctx, out, xm, false) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// reclaim moves entries idle longer than ClaimIdle to this consumer.
func (r *RedisQueue) reclaim(ctx context.Context, out chan<- Delivery) bool {
	start := "-"
	for {
		msgs, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.cfg.Stream,
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			MinIdle:  r.cfg.claimIdle(),
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			r.logger.Error("reclaiming stale entries failed", slog.String("error", err.Error()))
			return true
		}
		if len(msgs) > 0 {
			r.logger.Info("reclaimed stale entries", slog.Int("count", len(msgs)))
		}
		for _, xm := range msgs {
			if !r.deliver(ctx, out, xm, true) {
				return false
			}
		}
		if next == "0-0" || next == "" || len(msgs) == 0 {
			return true
		}
		start = next
	}
}

// deliver decodes an entry and sends it. Undecodable entries are acked so
// they do not stay pending forever.
func (r *RedisQueue) deliver(ctx context.Context, out chan<- Delivery, xm redis.XMessage, reclaimed bool) bool {
	raw, ok := xm.Values[payloadField].(string)
	if !ok {
		r.logger.Error("invalid message format", slog.String("stream_id", xm.ID))
		_ = r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, xm.ID).Err()
		return true
	}
	msg, err := unmarshal([]byte(raw))
	if err != nil {
		r.logger.Error("failed to unmarshal message",
			slog.String("stream_id", xm.ID),
			slog.String("error", err.Error()),
		)
		_ = r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, xm.ID).Err()
		return true
	}
	if reclaimed && r.metrics != nil {
		r.metrics.ReclaimedTotal.Inc()
	}
	select {
	case out <- Delivery{Message: msg, StreamID: xm.ID, Reclaimed: reclaimed}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Ack confirms processing with XACK.
func (r *RedisQueue) Ack(ctx context.Context, streamID string) error {
	if err := r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, streamID).Err(); err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	return nil
}

// Depth returns the number of entries in the stream.
func (r *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return r.client.XLen(ctx, r.cfg.Stream).Result()
}

// Close closes the client.
func (r *RedisQueue) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.client.Close()
}

func (r *RedisQueue) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
