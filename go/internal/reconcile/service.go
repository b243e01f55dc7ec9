package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/events"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/metrics"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/ring"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/session"
)

// DefaultCapSeconds is the hard cap on any single offline claim (2 hours).
const DefaultCapSeconds = 7200

// Claim is a client's offline record: never a source of truth, only a claim
// to be validated. The server derives the claimed duration itself from the
// two timestamps.
type Claim struct {
	StudentID        string
	OfflineStart     time.Time
	OfflineEnd       time.Time
	LastKnownSeconds int
	LectureSubject   string
}

// Result is echoed back so the client corrects its local state to the
// server's accepted value, never its own claim. A rejected or capped claim is
// informational, not an error.
type Result struct {
	Success          bool
	AcceptedSeconds  int
	TotalSeconds     int
	RandomRingMissed bool
	TeacherAccepted  bool
}

// RingHistory is the slice of the ring service reconciliation consults.
type RingHistory interface {
	TargetsInWindow(ctx context.Context, studentID string, from, to time.Time) ([]*ring.WindowTarget, error)
}

// Service merges an offline buffer record into the canonical session. It
// shares the session controller's per-student lock, so a merge is ordered
// strictly after any ring resolution for the same student and window.
type Service struct {
	sessions   *session.Service
	rings      RingHistory
	pub        events.Publisher
	capSeconds int
}

// NewService creates the reconciliation service.
func NewService(sessions *session.Service, rings RingHistory, pub events.Publisher, capSeconds int) *Service {
	if capSeconds <= 0 {
		capSeconds = DefaultCapSeconds
	}
	return &Service{sessions: sessions, rings: rings, pub: pub, capSeconds: capSeconds}
}

// Apply validates and applies one claim exactly once. State and seconds move
// together in a single repository write under the student lock.
func (s *Service) Apply(ctx context.Context, claim Claim) (Result, error) {
	var result Result
	err := s.sessions.WithStudentLock(claim.StudentID, func() error {
		now := s.sessions.Clock().Now()
		repo := s.sessions.Repo()

		sess, err := repo.GetByStudentAndDay(ctx, claim.StudentID, session.DayOf(now))
		if err != nil {
			if err == session.ErrNotFound {
				metrics.ReconciliationResults.WithLabelValues("no_session").Inc()
				result = Result{Success: true}
				return nil
			}
			return err
		}

		claimed := int(claim.OfflineEnd.Sub(claim.OfflineStart).Seconds())
		if claimed < 0 {
			claimed = 0
		}
		capped := claimed
		wasCapped := false
		if capped > s.capSeconds {
			capped = s.capSeconds
			wasCapped = true
		}

		// authoritative events during the window come first
		targets, err := s.rings.TargetsInWindow(ctx, claim.StudentID, claim.OfflineStart, claim.OfflineEnd)
		if err != nil {
			return err
		}
		var missed *ring.WindowTarget
		teacherAccepted := false
		for _, t := range targets {
			if t.Missed(now) {
				missed = t
				break
			}
			if t.Outcome == ring.OutcomeAccepted {
				teacherAccepted = true
			}
		}

		if missed != nil {
			// a ring went unanswered while offline: the expiry already
			// froze the canonical counter at the pause point, so this
			// claim credits nothing. Echoing zero keeps AcceptedSeconds
			// meaning "newly applied by this merge" even on stale replays.
			metrics.ReconciliationResults.WithLabelValues("ring_missed").Inc()
			result = Result{
				Success:          true,
				AcceptedSeconds:  0,
				TotalSeconds:     sess.AttendedSeconds,
				RandomRingMissed: true,
			}
			s.echo(ctx, sess, result)
			return nil
		}

		accepted := capped
		total := sess.AttendedSeconds + accepted
		if max := sess.WindowSeconds(); total > max {
			accepted -= total - max
			if accepted < 0 {
				accepted = 0
			}
			total = max
		}

		sess.AttendedSeconds = sess.AttendedSeconds + accepted
		sess.LastTickAt = now
		if wasCapped && sess.State == session.StateAttending {
			// over-cap claims park the session until a fresh gated start
			sess.State = session.StatePausedOfflineExpired
		}
		if err := repo.Update(ctx, sess); err != nil {
			return err
		}

		switch {
		case teacherAccepted:
			metrics.ReconciliationResults.WithLabelValues("teacher_accepted").Inc()
		case wasCapped:
			metrics.ReconciliationResults.WithLabelValues("capped").Inc()
		default:
			metrics.ReconciliationResults.WithLabelValues("full").Inc()
		}

		result = Result{
			Success:         true,
			AcceptedSeconds: accepted,
			TotalSeconds:    sess.AttendedSeconds,
			TeacherAccepted: teacherAccepted,
		}
		s.echo(ctx, sess, result)
		return nil
	})
	return result, err
}

func (s *Service) echo(ctx context.Context, sess *session.AttendanceSession, result Result) {
	if s.pub == nil {
		return
	}
	payload := events.ReconciliationAppliedPayload{
		StudentID:        sess.StudentID,
		AcceptedSeconds:  result.AcceptedSeconds,
		RandomRingMissed: result.RandomRingMissed,
		TeacherAccepted:  result.TeacherAccepted,
	}
	classKey := events.ClassKey(sess.Semester, sess.Branch)
	if err := s.pub.Publish(ctx, events.TypeReconciliationApplied, sess.StudentID, classKey, payload); err != nil {
		log.Error().Err(err).Str("student_id", sess.StudentID).Msg("publish reconciliation echo failed")
	}
}
