package ratelimit

import (
	"errors"
	"sync"
)

// ErrTooManyConcurrent is returned when a client already has the maximum
// number of executions in flight.
var ErrTooManyConcurrent = errors.New("too many concurrent executions")

// Slots caps the executions a single client may have in flight. Acquire
// never blocks.
type Slots struct {
	mu    sync.Mutex
	max   int
	inUse map[string]int
}

// NewSlots creates a ceiling of max per client. max <= 0 means unlimited.
func NewSlots(max int) *Slots {
	return &Slots{max: max, inUse: make(map[string]int)}
}

// Acquire takes a slot for clientID. The returned release func must be
// called exactly once; extra calls are ignored.
func (s *Slots) Acquire(clientID string) (release func(), err error) {
	if s.max <= 0 {
		return func() {}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[clientID] >= s.max {
		return nil, ErrTooManyConcurrent
	}
	s.inUse[clientID]++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.inUse[clientID] <= 1 {
				delete(s.inUse, clientID)
				return
			}
			s.inUse[clientID]--
		})
	}, nil
}

// InUse returns the number of slots clientID currently holds.
func (s *Slots) InUse(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse[clientID]
}
