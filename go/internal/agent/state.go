package agent

import (
	"sync"
	"time"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/events"
)

// TimerState is the client's read-only mirror of the server session. Ticks
// apply last-writer-wins on server timestamp; between ticks the display
// extrapolates locally without ever writing back to the authoritative value.
type TimerState struct {
	mu       sync.RWMutex
	lastTick *events.TimerTickPayload
	appliedAt time.Time
}

func NewTimerState() *TimerState {
	return &TimerState{}
}

// Apply merges a tick. Stale ticks (server timestamp not newer than the
// current one) are dropped and false is returned.
func (s *TimerState) Apply(tick events.TimerTickPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastTick != nil && !tick.ServerTimestamp.After(s.lastTick.ServerTimestamp) {
		return false
	}
	t := tick
	s.lastTick = &t
	s.appliedAt = time.Now()
	return true
}

// Reset clears the mirror, typically after a stop or day rollover.
func (s *TimerState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTick = nil
	s.appliedAt = time.Time{}
}

// Seconds returns the displayed counter: the last server value plus local
// extrapolation while running. The extrapolated portion is display-only.
func (s *TimerState) Seconds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastTick == nil {
		return 0
	}
	secs := s.lastTick.AttendedSeconds
	if s.lastTick.IsRunning {
		secs += int(time.Since(s.appliedAt).Seconds())
	}
	return secs
}

// Running reports the last known running flag.
func (s *TimerState) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick != nil && s.lastTick.IsRunning
}

// Last returns a copy of the last applied tick, or nil.
func (s *TimerState) Last() *events.TimerTickPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastTick == nil {
		return nil
	}
	t := *s.lastTick
	return &t
}
