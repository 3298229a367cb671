package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus delivers events within one process.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	next   int
	closed bool
}

type subscriber struct {
	id uuid.UUID
	ch chan Event
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every matching subscriber without blocking.
func (b *MemoryBus) Publish(_ context.Context, evt Event) error {
	if _, err := encode(evt); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, s := range b.subs {
		if s.id != uuid.Nil && s.id != evt.ExecutionID {
			continue
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, id uuid.UUID) (<-chan Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	key := b.next
	b.next++
	s := &subscriber{id: id, ch: make(chan Event, subscriberBuffer)}
	b.subs[key] = s
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[key]; ok {
			delete(b.subs, key)
			close(s.ch)
		}
	}()
	return s.ch, nil
}

// Close closes every subscriber channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for key, s := range b.subs {
		delete(b.subs, key)
		close(s.ch)
	}
	return nil
}
