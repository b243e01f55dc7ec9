package ring

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/events"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/gate"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/metrics"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/session"
)

// Repository is what the ring service needs from storage.
type Repository interface {
	CreateChallenge(ctx context.Context, c *Challenge) error
	InsertTarget(ctx context.Context, t *Target) error
	GetChallenge(ctx context.Context, id uuid.UUID) (*Challenge, error)
	GetTarget(ctx context.Context, challengeID uuid.UUID, studentID string) (*Target, error)
	ResolveTarget(ctx context.Context, challengeID uuid.UUID, studentID string, outcome Outcome, verified bool, action TeacherAction, at time.Time) (bool, error)
	MarkRejected(ctx context.Context, challengeID uuid.UUID, studentID string, secondDeadline time.Time) (bool, error)
	NextDeadline(ctx context.Context) (*time.Time, error)
	DueTargets(ctx context.Context, now time.Time, limit int) ([]DueTarget, error)
	TargetsInWindow(ctx context.Context, studentID string, from, to time.Time) ([]*WindowTarget, error)
}

// SessionControl is the slice of the session controller the ring drives.
type SessionControl interface {
	PauseForRing(ctx context.Context, studentID string, ringID uuid.UUID) (int, error)
	ResumeFromRing(ctx context.Context, studentID string, ringID uuid.UUID, reason string) error
	StopFrozenByRing(ctx context.Context, studentID string, ringID uuid.UUID) error
	ListAttendingByClass(ctx context.Context, semester, branch string) ([]*session.AttendanceSession, error)
	Restore(ctx context.Context, studentID string) (*session.AttendanceSession, *session.Student, error)
}

// Service runs the random ring subprotocol: create-and-pause, dual-path
// resolution (student face re-verify racing teacher accept/reject), and
// deadline expiry. Resolution is apply-once via the repository CAS.
type Service struct {
	repo     Repository
	sessions SessionControl
	gate     gate.Evaluator
	pub      events.Publisher
	clock    clockwork.Clock

	deadline       time.Duration
	secondDeadline time.Duration

	wakeCh chan struct{}
}

// NewService creates the ring service.
func NewService(repo Repository, sessions SessionControl, g gate.Evaluator, pub events.Publisher, clock clockwork.Clock, deadline, secondDeadline time.Duration) *Service {
	if deadline <= 0 {
		deadline = 300 * time.Second
	}
	if secondDeadline <= 0 {
		secondDeadline = 120 * time.Second
	}
	return &Service{
		repo:           repo,
		sessions:       sessions,
		gate:           g,
		pub:            pub,
		clock:          clock,
		deadline:       deadline,
		secondDeadline: secondDeadline,
		wakeCh:         make(chan struct{}, 1),
	}
}

// Create builds a challenge for a class. typ "all" targets every attending
// student; "random" samples count of them. Each target's session pauses and
// the student is notified.
func (s *Service) Create(ctx context.Context, teacherID, semester, branch, typ string, count int) (*Challenge, []string, error) {
	attending, err := s.sessions.ListAttendingByClass(ctx, semester, branch)
	if err != nil {
		return nil, nil, fmt.Errorf("list attending sessions: %w", err)
	}
	if len(attending) == 0 {
		return nil, nil, fmt.Errorf("no attending sessions for %s/%s", semester, branch)
	}

	if typ == "random" && count > 0 && count < len(attending) {
		rand.Shuffle(len(attending), func(i, j int) {
			attending[i], attending[j] = attending[j], attending[i]
		})
		attending = attending[:count]
	}

	now := s.clock.Now()
	challenge := &Challenge{
		ID:        uuid.New(),
		TeacherID: teacherID,
		Semester:  semester,
		Branch:    branch,
		CreatedAt: now,
		Deadline:  now.Add(s.deadline),
	}
	if err := s.repo.CreateChallenge(ctx, challenge); err != nil {
		return nil, nil, fmt.Errorf("create challenge: %w", err)
	}

	classKey := events.ClassKey(semester, branch)
	var selected []string
	for _, sess := range attending {
		pauseSeconds, err := s.sessions.PauseForRing(ctx, sess.StudentID, challenge.ID)
		if err != nil {
			// the student stopped or was paused between the list and
			// now; skip rather than fail the whole ring
			log.Warn().Err(err).Str("student_id", sess.StudentID).Msg("skipping ring target")
			continue
		}
		target := &Target{
			ChallengeID:   challenge.ID,
			StudentID:     sess.StudentID,
			TeacherAction: ActionPending,
			Outcome:       OutcomePending,
			PauseSeconds:  pauseSeconds,
			PausedAt:      now,
		}
		if err := s.repo.InsertTarget(ctx, target); err != nil {
			// unwind the pause so the student is not left frozen behind a
			// target row that never existed
			if rerr := s.sessions.ResumeFromRing(ctx, sess.StudentID, challenge.ID, "ring_target_failed"); rerr != nil {
				log.Error().Err(rerr).Str("student_id", sess.StudentID).Msg("unwinding failed ring target")
			}
			return nil, nil, fmt.Errorf("insert target: %w", err)
		}
		selected = append(selected, sess.StudentID)

		s.publish(ctx, events.TypeRingNotification, sess.StudentID, classKey, events.RingNotificationPayload{
			RandomRingID: challenge.ID.String(),
			StudentID:    sess.StudentID,
			TimerPaused:  true,
			Deadline:     challenge.Deadline,
		})
	}

	s.wake()
	log.Info().
		Str("ring_id", challenge.ID.String()).
		Str("teacher_id", teacherID).
		Int("targets", len(selected)).
		Msg("random ring created")
	return challenge, selected, nil
}

// StudentVerify resolves a target through the student face path. The gate is
// re-evaluated in full; a stale pass from before the pause is never reused.
// Returns how long the student took to respond.
func (s *Service) StudentVerify(ctx context.Context, ringID uuid.UUID, studentID string) (time.Duration, error) {
	challenge, target, err := s.load(ctx, ringID, studentID)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	switch target.Outcome {
	case OutcomeVerified, OutcomeAccepted:
		// already resolved in the student's favor: a no-op confirmation,
		// same as losing the CAS race below
		return target.ResolvedAt.Sub(target.PausedAt), nil
	case OutcomeExpired:
		return 0, ErrChallengeExpired
	}
	if target.TeacherAction == ActionRejected {
		// rejected targets go through the verify-after-rejection window
		return 0, ErrChallengeExpired
	}
	if now.After(challenge.Deadline) {
		return 0, ErrChallengeExpired
	}

	if err := s.reverify(ctx, studentID); err != nil {
		return 0, err
	}

	applied, err := s.repo.ResolveTarget(ctx, ringID, studentID, OutcomeVerified, true, ActionPending, now)
	if err != nil {
		return 0, err
	}
	if !applied {
		// someone else resolved first; no-op confirmation
		return now.Sub(target.PausedAt), nil
	}
	metrics.RingOutcomes.WithLabelValues(string(OutcomeVerified)).Inc()
	if err := s.sessions.ResumeFromRing(ctx, studentID, ringID, "ring_verified"); err != nil {
		return 0, err
	}
	s.publish(ctx, events.TypeRingStudentVerified, studentID, events.ClassKey(challenge.Semester, challenge.Branch), events.RingActionPayload{
		RandomRingID: ringID.String(),
		StudentID:    studentID,
		At:           now,
	})
	return now.Sub(target.PausedAt), nil
}

// VerifyAfterRejection is the student's second chance after a teacher
// rejection, inside the shorter post-rejection window.
func (s *Service) VerifyAfterRejection(ctx context.Context, ringID uuid.UUID, studentID string) (time.Duration, error) {
	challenge, target, err := s.load(ctx, ringID, studentID)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	switch target.Outcome {
	case OutcomeVerified, OutcomeAccepted:
		return target.ResolvedAt.Sub(target.PausedAt), nil
	case OutcomeExpired:
		return 0, ErrChallengeExpired
	}
	if target.TeacherAction != ActionRejected || target.SecondDeadline.IsZero() {
		return 0, ErrTargetNotFound
	}
	if now.After(target.SecondDeadline) {
		return 0, ErrChallengeExpired
	}

	if err := s.reverify(ctx, studentID); err != nil {
		return 0, err
	}

	applied, err := s.repo.ResolveTarget(ctx, ringID, studentID, OutcomeVerified, true, ActionRejected, now)
	if err != nil {
		return 0, err
	}
	if !applied {
		return now.Sub(target.PausedAt), nil
	}
	metrics.RingOutcomes.WithLabelValues(string(OutcomeVerified)).Inc()
	if err := s.sessions.ResumeFromRing(ctx, studentID, ringID, "ring_verified_after_rejection"); err != nil {
		return 0, err
	}
	s.publish(ctx, events.TypeRingVerifiedAfterRejection, studentID, events.ClassKey(challenge.Semester, challenge.Branch), events.RingActionPayload{
		RandomRingID: ringID.String(),
		StudentID:    studentID,
		At:           now,
	})
	return now.Sub(target.PausedAt), nil
}

// ApplyTeacherAction handles teacher accept/reject for one target. A
// duplicate action after resolution is a no-op.
func (s *Service) ApplyTeacherAction(ctx context.Context, ringID uuid.UUID, studentID, action string) error {
	challenge, target, err := s.load(ctx, ringID, studentID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	classKey := events.ClassKey(challenge.Semester, challenge.Branch)

	switch action {
	case string(ActionAccepted):
		applied, err := s.repo.ResolveTarget(ctx, ringID, studentID, OutcomeAccepted, target.Verified, ActionAccepted, now)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		metrics.RingOutcomes.WithLabelValues(string(OutcomeAccepted)).Inc()
		if err := s.sessions.ResumeFromRing(ctx, studentID, ringID, "teacher_accepted"); err != nil {
			return err
		}
		s.publish(ctx, events.TypeRingTeacherAccepted, studentID, classKey, events.RingActionPayload{
			RandomRingID: ringID.String(),
			StudentID:    studentID,
			Action:       action,
			At:           now,
		})
		return nil

	case string(ActionRejected):
		second := now.Add(s.secondDeadline)
		applied, err := s.repo.MarkRejected(ctx, ringID, studentID, second)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		s.publish(ctx, events.TypeRingTeacherRejected, studentID, classKey, events.RingActionPayload{
			RandomRingID: ringID.String(),
			StudentID:    studentID,
			Action:       action,
			Deadline:     second,
			At:           now,
		})
		s.wake()
		return nil

	default:
		return fmt.Errorf("unknown teacher action %q", action)
	}
}

// ExpireTarget is called by the scheduler when an effective deadline lapses
// unresolved. The CAS makes a race with a late verification harmless.
func (s *Service) ExpireTarget(ctx context.Context, ringID uuid.UUID, studentID string) error {
	now := s.clock.Now()
	applied, err := s.repo.ResolveTarget(ctx, ringID, studentID, OutcomeExpired, false, ActionPending, now)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	metrics.RingOutcomes.WithLabelValues(string(OutcomeExpired)).Inc()
	log.Info().
		Str("ring_id", ringID.String()).
		Str("student_id", studentID).
		Msg("ring target expired, stopping session frozen at pause point")
	return s.sessions.StopFrozenByRing(ctx, studentID, ringID)
}

// TargetsInWindow exposes ring history for the reconciliation service.
func (s *Service) TargetsInWindow(ctx context.Context, studentID string, from, to time.Time) ([]*WindowTarget, error) {
	return s.repo.TargetsInWindow(ctx, studentID, from, to)
}

func (s *Service) load(ctx context.Context, ringID uuid.UUID, studentID string) (*Challenge, *Target, error) {
	challenge, err := s.repo.GetChallenge(ctx, ringID)
	if err != nil {
		return nil, nil, err
	}
	target, err := s.repo.GetTarget(ctx, ringID, studentID)
	if err != nil {
		return nil, nil, err
	}
	return challenge, target, nil
}

// reverify runs the full security gate against the student's current lecture
// room.
func (s *Service) reverify(ctx context.Context, studentID string) error {
	sess, _, err := s.sessions.Restore(ctx, studentID)
	if err != nil {
		return err
	}
	if sess == nil {
		return session.ErrNotFound
	}
	result, err := s.gate.Evaluate(ctx, studentID, sess.LectureRoom)
	if err != nil {
		return err
	}
	if !result.Allowed() {
		metrics.GateDenials.WithLabelValues(result.Reason).Inc()
		return gate.ErrDenied{Reason: result.Reason}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, studentID, classKey string, payload any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, eventType, studentID, classKey, payload); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("publish ring event failed")
	}
}

// wake nudges the deadline scheduler; a full channel means a wake is already
// pending.
func (s *Service) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// WakeCh is consumed by the scheduler.
func (s *Service) WakeCh() <-chan struct{} { return s.wakeCh }
