package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// State is the session state machine position. Exactly one of attending or
// paused_for_verification can be true at a time per student; stopped and idle
// are mutually exclusive with both.
type State string

const (
	StateIdle                  State = "idle"
	StateAttending             State = "attending"
	StatePausedForVerification State = "paused_for_verification"
	StatePausedOfflineExpired  State = "paused_offline_expired"
	StateStopped               State = "stopped"
)

var (
	// ErrInvalidTransition means the requested transition is not allowed
	// from the session's current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrNotFound means no session exists for the student today.
	ErrNotFound = errors.New("session not found")
)

// AttendanceSession is the canonical server-owned record for one
// (student, lecture-occurrence). Clients hold read-only mirrors refreshed via
// timer ticks. AttendedSeconds never decreases except on day rollover and
// never exceeds the lecture window length.
type AttendanceSession struct {
	ID           uuid.UUID
	StudentID    string
	EnrollmentNo string
	Semester     string
	Branch       string

	LectureSubject string
	LectureRoom    string
	LectureStart   time.Time
	LectureEnd     time.Time

	State            State
	AttendedSeconds  int
	SessionStartTime time.Time
	LastTickAt       time.Time
	LastHeartbeatAt  time.Time
	PausedByRingID   uuid.UUID // zero when the pause has no ring attached

	Day       string // YYYY-MM-DD, server-local; sessions are day-scoped
	UpdatedAt time.Time
}

// Running reports whether the timer is accruing.
func (s *AttendanceSession) Running() bool {
	return s.State == StateAttending
}

// WindowSeconds is the maximum attendable time for this lecture.
func (s *AttendanceSession) WindowSeconds() int {
	return int(s.LectureEnd.Sub(s.LectureStart).Seconds())
}

// Student is the roster entry a session belongs to.
type Student struct {
	ID           string
	EnrollmentNo string
	Name         string
	Semester     string
	Branch       string
}

// Lecture is one scheduled occurrence from the timetable.
type Lecture struct {
	Subject string
	Room    string
	Start   time.Time
	End     time.Time
}

// DayOf formats t as the day key sessions are scoped by.
func DayOf(t time.Time) string {
	return t.Format("2006-01-02")
}
