package events

import (
	"time"
)

// Event types carried on the attendance bus. The websocket gateway maps them
// one-to-one onto the wire events pushed to students and teachers.
const (
	TypeTimerTick                  = "timer_broadcast"
	TypeSessionStateChanged        = "session_state_changed"
	TypeRingNotification           = "random_ring_notification"
	TypeRingTeacherAccepted        = "random_ring_teacher_accepted"
	TypeRingTeacherRejected        = "random_ring_teacher_rejected"
	TypeRingStudentVerified        = "random_ring_student_verified"
	TypeRingVerifiedAfterRejection = "random_ring_face_verified_after_rejection"
	TypeReconciliationApplied      = "reconciliation_applied"
)

// TimerTickPayload is the authoritative elapsed-time broadcast. Consumers
// apply a tick only if ServerTimestamp is strictly newer than the last tick
// applied for the same student.
type TimerTickPayload struct {
	StudentID        string    `json:"studentId"`
	EnrollmentNo     string    `json:"enrollmentNo"`
	AttendedSeconds  int       `json:"attendedSeconds"`
	IsRunning        bool      `json:"isRunning"`
	LectureSubject   string    `json:"lectureSubject"`
	LectureRoom      string    `json:"lectureRoom"`
	LectureStartTime time.Time `json:"lectureStartTime"`
	LectureEndTime   time.Time `json:"lectureEndTime"`
	ServerTimestamp  time.Time `json:"serverTimestamp"`
}

// SessionStateChangedPayload announces a state machine transition.
type SessionStateChangedPayload struct {
	StudentID string    `json:"studentId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// RingNotificationPayload is pushed to a targeted student when a random ring
// pauses their session.
type RingNotificationPayload struct {
	RandomRingID string    `json:"randomRingId"`
	StudentID    string    `json:"studentId"`
	TimerPaused  bool      `json:"timerPaused"`
	Deadline     time.Time `json:"deadline"`
}

// RingActionPayload carries teacher accept/reject decisions and student
// verification outcomes for a single ring target.
type RingActionPayload struct {
	RandomRingID string    `json:"randomRingId"`
	StudentID    string    `json:"studentId"`
	Action       string    `json:"action,omitempty"`
	Deadline     time.Time `json:"deadline,omitempty"`
	At           time.Time `json:"at"`
}

// ReconciliationAppliedPayload echoes the server's accepted offline credit.
type ReconciliationAppliedPayload struct {
	StudentID       string `json:"studentId"`
	AcceptedSeconds int    `json:"acceptedSeconds"`
	RandomRingMissed bool  `json:"randomRingMissed,omitempty"`
	TeacherAccepted  bool  `json:"teacherAccepted,omitempty"`
}
