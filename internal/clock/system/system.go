// Package system provides clock implementations for the pipeline stages.
package system

import (
	"sync"
	"time"
)

// Clock implements pipeline.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Stepping is a deterministic clock that advances by a fixed step on every call.
// Reports built with it have reproducible timestamps.
type Stepping struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewStepping returns a clock whose first reading is start.
func NewStepping(start time.Time, step time.Duration) *Stepping {
	return &Stepping{next: start.UTC(), step: step}
}

// Now returns the current reading and advances the clock.
func (s *Stepping) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.next
	s.next = s.next.Add(s.step)
	return now
}
