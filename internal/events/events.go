// Package events publishes execution lifecycle events (queued, running,
// completed, failed) so HTTP clients can follow an async execution live.
// Three buses are provided: in-process, Redis pub/sub and NATS core subjects.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/domain"
)

// ErrClosed is returned by a bus after Close.
var ErrClosed = errors.New("event bus closed")

// Type is the lifecycle step an event reports.
type Type string

const (
	Queued    Type = "queued"
	Running   Type = "running"
	Completed Type = "completed"
	Failed    Type = "failed"
)

// Terminal reports whether no further event follows for the execution.
func (t Type) Terminal() bool {
	return t == Completed || t == Failed
}

// Event is one lifecycle notification. It never carries test output or
// environment values.
type Event struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	Type        Type            `json:"type"`
	Time        time.Time       `json:"time"`
	Success     *bool           `json:"success,omitempty"`
	Summary     *domain.Summary `json:"summary,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// New builds an event stamped with the current time.
func New(id uuid.UUID, t Type) Event {
	return Event{ExecutionID: id, Type: t, Time: time.Now().UTC()}
}

// Finished builds the terminal event for a result.
func Finished(id uuid.UUID, res *domain.ExecutionResult) Event {
	e := New(id, Completed)
	success := res.Success
	summary := res.Summary
	e.Success = &success
	e.Summary = &summary
	e.DurationMs = res.DurationMs
	return e
}

// Rejected builds the terminal event for an execution that never ran.
func Rejected(id uuid.UUID, msg string) Event {
	e := New(id, Failed)
	e.Error = msg
	return e
}

// Bus fans lifecycle events out to subscribers.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	// Subscribe delivers events for one execution, or for all executions
	// when id is uuid.Nil. The channel is closed when ctx is done.
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan Event, error)
	Close() error
}

// subscriberBuffer is the channel capacity given to each subscriber. A
// subscriber that falls this far behind misses events.
const subscriberBuffer = 32

func subject(prefix string, id uuid.UUID) string {
	if id == uuid.Nil {
		return prefix + ".*"
	}
	return prefix + "." + id.String()
}

func encode(evt Event) ([]byte, error) {
	if evt.ExecutionID == uuid.Nil {
		return nil, fmt.Errorf("event without execution id")
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("event without type")
	}
	return json.Marshal(evt)
}

func decode(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, err
	}
	if evt.ExecutionID == uuid.Nil || evt.Type == "" {
		return Event{}, fmt.Errorf("incomplete event %q", strings.TrimSpace(string(data)))
	}
	return evt, nil
}
