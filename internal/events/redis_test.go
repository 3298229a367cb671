package events

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(m.Close)
	bus := NewRedisBus(redis.NewClient(&redis.Options{Addr: m.Addr()}), "runbox.test", nil)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

// --- RedisBus ---

func TestRedisBusDeliversToExecutionChannel(t *testing.T) {
	bus := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := uuid.New()
	sub, err := bus.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(ctx, New(uuid.New(), Running)); err != nil {
		t.Fatalf("Publish other: %v", err)
	}
	if err := bus.Publish(ctx, New(id, Running)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	evt := receive(t, sub)
	if evt.ExecutionID != id || evt.Type != Running {
		t.Errorf("event = %+v", evt)
	}

	cancel()
	assertClosed(t, sub)
}

func TestRedisBusPatternSubscription(t *testing.T) {
	bus := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, uuid.Nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	id := uuid.New()
	if err := bus.Publish(ctx, Rejected(id, "image missing")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	evt := receive(t, sub)
	if evt.ExecutionID != id || !evt.Type.Terminal() {
		t.Errorf("event = %+v", evt)
	}
}
