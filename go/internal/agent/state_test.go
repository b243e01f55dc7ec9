package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/events"
)

func serverTick(seconds int, running bool, at time.Time) events.TimerTickPayload {
	return events.TimerTickPayload{
		StudentID:       "s1",
		AttendedSeconds: seconds,
		IsRunning:       running,
		ServerTimestamp: at,
	}
}

func TestTimerStateAppliesNewerTick(t *testing.T) {
	s := NewTimerState()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	assert.True(t, s.Apply(serverTick(10, true, now)))
	assert.True(t, s.Apply(serverTick(11, true, now.Add(time.Second))))
	assert.True(t, s.Running())
	assert.GreaterOrEqual(t, s.Seconds(), 11)
}

func TestTimerStateDropsStaleTick(t *testing.T) {
	s := NewTimerState()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	assert.True(t, s.Apply(serverTick(50, true, now.Add(5*time.Second))))
	// the delayed older tick loses; its value must not surface
	assert.False(t, s.Apply(serverTick(10, true, now)))
	assert.GreaterOrEqual(t, s.Seconds(), 50)
}

func TestTimerStateStoppedDoesNotExtrapolate(t *testing.T) {
	s := NewTimerState()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	s.Apply(serverTick(30, false, now))
	assert.Equal(t, 30, s.Seconds())
	assert.False(t, s.Running())
}

func TestTimerStateReset(t *testing.T) {
	s := NewTimerState()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	s.Apply(serverTick(30, true, now))
	s.Reset()
	assert.Equal(t, 0, s.Seconds())
	assert.Nil(t, s.Last())

	// after a reset any tick applies again
	assert.True(t, s.Apply(serverTick(1, true, now)))
}
