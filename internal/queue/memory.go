package queue

import (
	"context"
	"strconv"
	"sync"
)

// MemoryQueue is an in-process Queue for single-binary deployments and
// tests. Unacked messages are lost on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	ch      chan Delivery
	pending map[string]Message
	seq     int
	closed  bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding up to size undelivered messages.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:      make(chan Delivery, size),
		pending: make(map[string]Message),
	}
}

// Enqueue adds msg. It blocks while the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg *Message) error {
	if _, err := marshal(msg); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	id := strconv.Itoa(q.seq)
	q.pending[id] = *msg
	q.mu.Unlock()

	select {
	case q.ch <- Delivery{Message: *msg, StreamID: id}:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, id)
		q.mu.Unlock()
		return ctx.Err()
	}
}

// Consume forwards queued messages until ctx is done.
func (q *MemoryQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-q.ch:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ack forgets a delivered message.
func (q *MemoryQueue) Ack(_ context.Context, streamID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, streamID)
	return nil
}

// Pending returns the number of unacknowledged messages.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting messages.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
