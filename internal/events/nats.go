package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSBus publishes events on NATS core subjects named
// "<prefix>.<execution id>".
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

var _ Bus = (*NATSBus)(nil)

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL    string
	Prefix string
}

// NewNATSBus connects to NATS.
func NewNATSBus(cfg NATSConfig, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("runbox-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "runbox.executions"
	}
	return &NATSBus{nc: nc, prefix: prefix, logger: logger}, nil
}

// Publish sends evt to the execution's subject.
func (b *NATSBus) Publish(_ context.Context, evt Event) error {
	data, err := encode(evt)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(subject(b.prefix, evt.ExecutionID), data); err != nil {
		return fmt.Errorf("nats publish failed: %w", err)
	}
	return nil
}

// Subscribe listens on one execution's subject, or on the wildcard covering
// all executions when id is uuid.Nil.
func (b *NATSBus) Subscribe(ctx context.Context, id uuid.UUID) (<-chan Event, error) {
	out := make(chan Event, subscriberBuffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	sub, err := b.nc.Subscribe(subject(b.prefix, id), func(msg *nats.Msg) {
		evt, err := decode(msg.Data)
		if err != nil {
			b.logger.Warn("dropping malformed event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- evt:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject(b.prefix, id), err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	return b.nc.Drain()
}
