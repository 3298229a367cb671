// Package queue carries async executions from the HTTP API to workers.
// The Redis implementation uses a stream with a consumer group; pending
// entries whose worker died are reclaimed with XAUTOCLAIM. Payloads carry
// env:// references only, resolved by the worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/secrets"
)

// ErrClosed is returned after the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Message is one queued execution.
type Message struct {
	ID         uuid.UUID               `json:"id"`
	ClientID   string                  `json:"client_id,omitempty"`
	Request    domain.ExecutionRequest `json:"request"`
	EnvRefs    map[string]string       `json:"env_refs,omitempty"`
	EnqueuedAt time.Time               `json:"enqueued_at"`
}

// Validate rejects messages that would put a raw value on the queue.
func (m *Message) Validate() error {
	if m.ID == uuid.Nil {
		return errors.New("message id is required")
	}
	if len(m.Request.EnvVars) > 0 {
		return errors.New("queued requests must carry env references, not values")
	}
	return secrets.CheckReferences(m.EnvRefs)
}

// Delivery is a message handed to a consumer. StreamID identifies it for
// Ack.
type Delivery struct {
	Message
	StreamID  string
	Reclaimed bool
}

// Queue is implemented by RedisQueue and MemoryQueue.
type Queue interface {
	Enqueue(ctx context.Context, msg *Message) error
	// Consume delivers messages until ctx is done, then closes the channel.
	Consume(ctx context.Context) (<-chan Delivery, error)
	Ack(ctx context.Context, streamID string) error
	Close() error
}

func marshal(msg *Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if msg.ID == uuid.Nil {
		return Message{}, errors.New("message without id")
	}
	return msg, nil
}
