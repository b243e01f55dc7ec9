package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/events"
)

func tick(studentID string, seconds int, at time.Time) events.TimerTickPayload {
	return events.TimerTickPayload{
		StudentID:       studentID,
		AttendedSeconds: seconds,
		IsRunning:       true,
		ServerTimestamp: at,
	}
}

func TestRosterAppliesNewerTicks(t *testing.T) {
	r := NewRosterState()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	assert.True(t, r.Apply("5:CSE", tick("s1", 10, now)))
	assert.True(t, r.Apply("5:CSE", tick("s1", 11, now.Add(time.Second))))

	snap := r.Snapshot("5:CSE")
	assert.Len(t, snap, 1)
}

func TestRosterDropsStaleAndDuplicateTicks(t *testing.T) {
	r := NewRosterState()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	assert.True(t, r.Apply("5:CSE", tick("s1", 11, now.Add(time.Second))))
	// a delayed redelivery of an older tick must not roll the view back
	assert.False(t, r.Apply("5:CSE", tick("s1", 10, now)))
	// same timestamp is not strictly newer
	assert.False(t, r.Apply("5:CSE", tick("s1", 11, now.Add(time.Second))))
}

func TestRosterSnapshotIsPerClass(t *testing.T) {
	r := NewRosterState()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	r.Apply("5:CSE", tick("s1", 10, now))
	r.Apply("5:CSE", tick("s2", 20, now))
	r.Apply("3:ECE", tick("s3", 30, now))

	assert.Len(t, r.Snapshot("5:CSE"), 2)
	assert.Len(t, r.Snapshot("3:ECE"), 1)
	assert.Empty(t, r.Snapshot("7:MECH"))
}

func TestRosterRemove(t *testing.T) {
	r := NewRosterState()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	r.Apply("5:CSE", tick("s1", 10, now))
	r.Remove("5:CSE", "s1")
	assert.Empty(t, r.Snapshot("5:CSE"))

	// removal resets the LWW horizon for the student
	assert.True(t, r.Apply("5:CSE", tick("s1", 0, now)))
}
