package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/domain"
)

// --- Message ---

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{"ok", Message{ID: uuid.New(), EnvRefs: map[string]string{"TOKEN": "env://RUNBOX_SECRET_TOKEN"}}, ""},
		{"no id", Message{}, "id"},
		{"raw env value", Message{ID: uuid.New(), EnvRefs: map[string]string{"TOKEN": "hunter2"}}, "TOKEN"},
		{"resolved env on request", Message{ID: uuid.New(), Request: domain.ExecutionRequest{EnvVars: domain.EnvVars{"A": "b"}}}, "references"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
			if strings.Contains(err.Error(), "hunter2") {
				t.Error("error leaks the raw value")
			}
		})
	}
}

func TestMarshalStampsEnqueueTime(t *testing.T) {
	msg := &Message{ID: uuid.New(), Request: domain.ExecutionRequest{TestCode: "x", DeclaredLanguage: domain.LanguagePython}}
	data, err := marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if msg.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not set")
	}
	got, err := unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != msg.ID || got.Request.DeclaredLanguage != domain.LanguagePython {
		t.Errorf("got = %+v", got)
	}
	if _, err := unmarshal([]byte(`{"request":{}}`)); err == nil {
		t.Error("expected error for message without id")
	}
}

// --- MemoryQueue ---

func TestMemoryQueueRoundTrip(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	id := uuid.New()
	if err := q.Enqueue(ctx, &Message{ID: id}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var d Delivery
	select {
	case d = <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	if d.ID != id || d.StreamID == "" {
		t.Errorf("delivery = %+v", d)
	}
	if q.Pending() != 1 {
		t.Errorf("pending = %d, want 1", q.Pending())
	}
	if err := q.Ack(ctx, d.StreamID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if q.Pending() != 0 {
		t.Errorf("pending after ack = %d", q.Pending())
	}

	cancel()
	select {
	case _, ok := <-deliveries:
		if ok {
			t.Error("unexpected delivery after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Error("channel not closed after cancel")
	}
}

func TestMemoryQueueRejects(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Enqueue(context.Background(), &Message{ID: uuid.New(), EnvRefs: map[string]string{"K": "raw"}}); err == nil {
		t.Error("expected raw env value to be rejected")
	}
	_ = q.Close()
	if err := q.Enqueue(context.Background(), &Message{ID: uuid.New()}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v", err)
	}
	if _, err := q.Consume(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Consume after Close = %v", err)
	}
}

func TestMemoryQueueEnqueueHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	_ = q.Enqueue(context.Background(), &Message{ID: uuid.New()})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, &Message{ID: uuid.New()}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if q.Pending() != 1 {
		t.Errorf("pending = %d, want 1", q.Pending())
	}
}

func TestRedisConfigDefaults(t *testing.T) {
	var c RedisConfig
	if c.block() != 2*time.Second || c.claimIdle() != 15*time.Minute {
		t.Errorf("defaults = %v, %v", c.block(), c.claimIdle())
	}
}
