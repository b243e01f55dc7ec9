package ring

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TeacherAction is the teacher's decision on one target.
type TeacherAction string

const (
	ActionPending  TeacherAction = "pending"
	ActionAccepted TeacherAction = "accepted"
	ActionRejected TeacherAction = "rejected"
)

// Outcome is the terminal resolution of one target. A target stays pending
// through a teacher rejection; only verification, acceptance, or expiry
// closes it.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeVerified Outcome = "verified"
	OutcomeAccepted Outcome = "accepted"
	OutcomeExpired  Outcome = "expired"
)

var (
	// ErrChallengeExpired means the target's deadline lapsed before the
	// attempted action.
	ErrChallengeExpired = errors.New("ring challenge expired")
	// ErrTargetNotFound means no such (challenge, student) pair exists.
	ErrTargetNotFound = errors.New("ring target not found")
)

// Challenge is one random ring initiated by a teacher against N students of
// a class. It is fully resolved when every target is terminal; no global
// lock blocks unrelated students.
type Challenge struct {
	ID        uuid.UUID
	TeacherID string
	Semester  string
	Branch    string
	CreatedAt time.Time
	Deadline  time.Time
}

// Target is one student's entry in a challenge. PauseSeconds is the attended
// counter frozen at the moment the session paused; an expiry caps time there.
type Target struct {
	ChallengeID    uuid.UUID
	StudentID      string
	TeacherAction  TeacherAction
	Verified       bool
	Outcome        Outcome
	PauseSeconds   int
	PausedAt       time.Time
	SecondDeadline time.Time // set when the teacher rejects; zero otherwise
	ResolvedAt     time.Time
}

// EffectiveDeadline is when this target expires if nothing else happens: the
// post-rejection deadline when one was set, the challenge deadline otherwise.
func (t *Target) EffectiveDeadline(challengeDeadline time.Time) time.Time {
	if !t.SecondDeadline.IsZero() {
		return t.SecondDeadline
	}
	return challengeDeadline
}

// DueTarget is a target whose effective deadline has passed, as claimed by
// the expiry scheduler.
type DueTarget struct {
	ChallengeID uuid.UUID
	StudentID   string
}

// WindowTarget is a target joined with its challenge deadline, as returned
// to the reconciliation service.
type WindowTarget struct {
	Target
	ChallengeDeadline time.Time
}

// Missed reports whether this target counts as an unanswered ring at instant
// now: already expired, or still pending past its effective deadline.
func (w *WindowTarget) Missed(now time.Time) bool {
	if w.Outcome == OutcomeExpired {
		return true
	}
	return w.Outcome == OutcomePending && now.After(w.EffectiveDeadline(w.ChallengeDeadline))
}
