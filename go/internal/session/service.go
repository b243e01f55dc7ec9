package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/clocksync"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/events"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/gate"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/metrics"
)

// Repository is what the controller needs from storage.
type Repository interface {
	GetByStudentAndDay(ctx context.Context, studentID, day string) (*AttendanceSession, error)
	Create(ctx context.Context, s *AttendanceSession) error
	Update(ctx context.Context, s *AttendanceSession) error
	ListByStates(ctx context.Context, day string, states ...State) ([]*AttendanceSession, error)
	ListAttendingByClass(ctx context.Context, day, semester, branch string) ([]*AttendanceSession, error)
	ListStale(ctx context.Context, today string) ([]*AttendanceSession, error)
	Student(ctx context.Context, studentID string) (*Student, error)
	ActiveLecture(ctx context.Context, semester, branch string, at time.Time) (*Lecture, error)
}

// Presence reports whether a student's push channel is currently connected.
// The tick loop freezes accrual for disconnected students: their offline time
// is only ever credited through reconciliation, never twice.
type Presence interface {
	IsConnected(studentID string) bool
}

// Service is the per-student session controller. Transitions for one student
// are serialized through a keyed mutex; different students proceed in
// parallel. Every write mutates state and attended_seconds together.
type Service struct {
	repo     Repository
	gate     gate.Evaluator
	oracle   *clocksync.Oracle
	pub      events.Publisher
	clock    clockwork.Clock
	presence Presence // nil means every student counts as connected

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// SetPresence attaches the push-channel presence source.
func (s *Service) SetPresence(p Presence) { s.presence = p }

// NewService creates the controller.
func NewService(repo Repository, g gate.Evaluator, oracle *clocksync.Oracle, pub events.Publisher, clock clockwork.Clock) *Service {
	return &Service{
		repo:   repo,
		gate:   g,
		oracle: oracle,
		pub:    pub,
		clock:  clock,
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithStudentLock runs fn holding the student's serialization point. Shared
// with the reconciliation service so offline merges observe the same ordering
// as live transitions.
func (s *Service) WithStudentLock(studentID string, fn func() error) error {
	s.mu.Lock()
	l, ok := s.locks[studentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[studentID] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

// Repo exposes storage to sibling services that share the lock.
func (s *Service) Repo() Repository { return s.repo }

// Clock exposes the controller clock.
func (s *Service) Clock() clockwork.Clock { return s.clock }

// Start gates and runs idle -> attending. A session already attending is a
// duplicate transition and returns unchanged. Tamper blocks gating entirely.
func (s *Service) Start(ctx context.Context, studentID, claimedRoom string, deviceTime time.Time) (*AttendanceSession, error) {
	if err := s.oracle.CheckTamper(studentID, deviceTime); err != nil {
		return nil, err
	}

	result, err := s.gate.Evaluate(ctx, studentID, claimedRoom)
	if err != nil {
		return nil, fmt.Errorf("gate evaluation: %w", err)
	}
	if !result.Allowed() {
		metrics.GateDenials.WithLabelValues(result.Reason).Inc()
		return nil, gate.ErrDenied{Reason: result.Reason}
	}

	var out *AttendanceSession
	err = s.WithStudentLock(studentID, func() error {
		student, err := s.repo.Student(ctx, studentID)
		if err != nil {
			return err
		}
		if student == nil {
			return gate.ErrDenied{Reason: gate.ReasonNoActiveLecture}
		}

		now := s.clock.Now()
		lecture, err := s.repo.ActiveLecture(ctx, student.Semester, student.Branch, now)
		if err != nil {
			return err
		}
		if lecture == nil || lecture.Room != claimedRoom {
			metrics.GateDenials.WithLabelValues(gate.ReasonNoActiveLecture).Inc()
			return gate.ErrDenied{Reason: gate.ReasonNoActiveLecture}
		}

		sess, err := s.repo.GetByStudentAndDay(ctx, studentID, DayOf(now))
		if err != nil && err != ErrNotFound {
			return err
		}

		if sess == nil {
			sess = &AttendanceSession{
				ID:               uuid.New(),
				StudentID:        student.ID,
				EnrollmentNo:     student.EnrollmentNo,
				Semester:         student.Semester,
				Branch:           student.Branch,
				LectureSubject:   lecture.Subject,
				LectureRoom:      lecture.Room,
				LectureStart:     lecture.Start,
				LectureEnd:       lecture.End,
				State:            StateAttending,
				SessionStartTime: now,
				LastTickAt:       now,
				Day:              DayOf(now),
			}
			if err := s.repo.Create(ctx, sess); err != nil {
				return err
			}
			metrics.ActiveSessions.Inc()
			s.announce(ctx, sess, string(StateIdle), "started")
			out = sess
			return nil
		}

		switch sess.State {
		case StateAttending:
			// duplicate transition, no-op
			out = sess
			return nil
		case StateIdle, StatePausedOfflineExpired:
			from := sess.State
			sess.State = StateAttending
			sess.LastTickAt = now
			sess.PausedByRingID = uuid.Nil
			if err := s.repo.Update(ctx, sess); err != nil {
				return err
			}
			metrics.ActiveSessions.Inc()
			s.announce(ctx, sess, string(from), "resumed")
			out = sess
			return nil
		case StatePausedForVerification:
			if sess.PausedByRingID != uuid.Nil {
				// ring pauses resolve through the ring protocol only
				return ErrInvalidTransition
			}
			// gate-failure pause: the fresh gate pass above authorizes
			// the resume
			sess.State = StateAttending
			sess.LastTickAt = now
			if err := s.repo.Update(ctx, sess); err != nil {
				return err
			}
			metrics.ActiveSessions.Inc()
			s.announce(ctx, sess, string(StatePausedForVerification), "gate_repass")
			out = sess
			return nil
		default:
			// stopped stays stopped until day rollover
			return ErrInvalidTransition
		}
	})
	return out, err
}

// Stop runs attending|paused_for_verification -> stopped. Stopping an already
// stopped or absent session is a no-op.
func (s *Service) Stop(ctx context.Context, studentID, reason string) (*AttendanceSession, error) {
	var out *AttendanceSession
	err := s.WithStudentLock(studentID, func() error {
		now := s.clock.Now()
		sess, err := s.repo.GetByStudentAndDay(ctx, studentID, DayOf(now))
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		out = sess
		if sess.State == StateStopped || sess.State == StateIdle {
			return nil
		}
		if sess.State == StateAttending {
			s.accrueLocked(sess, now)
			metrics.ActiveSessions.Dec()
		}
		from := sess.State
		sess.State = StateStopped
		sess.PausedByRingID = uuid.Nil
		if err := s.repo.Update(ctx, sess); err != nil {
			return err
		}
		s.announce(ctx, sess, string(from), reason)
		return nil
	})
	return out, err
}

// PauseForRing runs attending -> paused_for_verification for a ring target
// and returns the frozen attended seconds (the pause point).
func (s *Service) PauseForRing(ctx context.Context, studentID string, ringID uuid.UUID) (int, error) {
	var pauseSeconds int
	err := s.WithStudentLock(studentID, func() error {
		now := s.clock.Now()
		sess, err := s.repo.GetByStudentAndDay(ctx, studentID, DayOf(now))
		if err != nil {
			return err
		}
		if sess.State == StatePausedForVerification && sess.PausedByRingID == ringID {
			pauseSeconds = sess.AttendedSeconds
			return nil
		}
		if sess.State != StateAttending {
			return ErrInvalidTransition
		}
		s.accrueLocked(sess, now)
		sess.State = StatePausedForVerification
		sess.PausedByRingID = ringID
		if err := s.repo.Update(ctx, sess); err != nil {
			return err
		}
		metrics.ActiveSessions.Dec()
		pauseSeconds = sess.AttendedSeconds
		s.announce(ctx, sess, string(StateAttending), "random_ring")
		return nil
	})
	return pauseSeconds, err
}

// PauseForGateFailure pauses an attending session after a periodic re-check
// failed. The pause carries no ring id; the student resumes via a fresh
// gated start.
func (s *Service) PauseForGateFailure(ctx context.Context, studentID, reason string) error {
	return s.WithStudentLock(studentID, func() error {
		now := s.clock.Now()
		sess, err := s.repo.GetByStudentAndDay(ctx, studentID, DayOf(now))
		if err != nil {
			return err
		}
		if sess.State != StateAttending {
			return nil
		}
		s.accrueLocked(sess, now)
		sess.State = StatePausedForVerification
		if err := s.repo.Update(ctx, sess); err != nil {
			return err
		}
		metrics.ActiveSessions.Dec()
		s.announce(ctx, sess, string(StateAttending), reason)
		return nil
	})
}

// ResumeFromRing runs paused_for_verification -> attending once a ring target
// resolved in the student's favor. Resuming an already attending session is a
// no-op confirmation.
func (s *Service) ResumeFromRing(ctx context.Context, studentID string, ringID uuid.UUID, reason string) error {
	return s.WithStudentLock(studentID, func() error {
		now := s.clock.Now()
		sess, err := s.repo.GetByStudentAndDay(ctx, studentID, DayOf(now))
		if err != nil {
			return err
		}
		if sess.State == StateAttending {
			return nil
		}
		if sess.State != StatePausedForVerification {
			return ErrInvalidTransition
		}
		if sess.PausedByRingID != uuid.Nil && sess.PausedByRingID != ringID {
			return ErrInvalidTransition
		}
		sess.State = StateAttending
		sess.PausedByRingID = uuid.Nil
		sess.LastTickAt = now
		if err := s.repo.Update(ctx, sess); err != nil {
			return err
		}
		metrics.ActiveSessions.Inc()
		s.announce(ctx, sess, string(StatePausedForVerification), reason)
		return nil
	})
}

// StopFrozenByRing stops a session whose ring deadline lapsed. Attended
// seconds stay at the pause checkpoint; a target already resolved by another
// path makes this a no-op.
func (s *Service) StopFrozenByRing(ctx context.Context, studentID string, ringID uuid.UUID) error {
	return s.WithStudentLock(studentID, func() error {
		now := s.clock.Now()
		sess, err := s.repo.GetByStudentAndDay(ctx, studentID, DayOf(now))
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if sess.State != StatePausedForVerification || sess.PausedByRingID != ringID {
			return nil
		}
		sess.State = StateStopped
		sess.PausedByRingID = uuid.Nil
		if err := s.repo.Update(ctx, sess); err != nil {
			return err
		}
		s.announce(ctx, sess, string(StatePausedForVerification), "ring_expired")
		return nil
	})
}

// RecordHeartbeat bumps the advisory heartbeat timestamp. It never raises
// AttendedSeconds.
func (s *Service) RecordHeartbeat(ctx context.Context, studentID string) error {
	return s.WithStudentLock(studentID, func() error {
		now := s.clock.Now()
		sess, err := s.repo.GetByStudentAndDay(ctx, studentID, DayOf(now))
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		sess.LastHeartbeatAt = now
		return s.repo.Update(ctx, sess)
	})
}

// Restore returns the current session projection for app restart, together
// with the roster entry. A student without a session today is idle.
func (s *Service) Restore(ctx context.Context, studentID string) (*AttendanceSession, *Student, error) {
	student, err := s.repo.Student(ctx, studentID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.repo.GetByStudentAndDay(ctx, studentID, DayOf(s.clock.Now()))
	if err != nil {
		if err == ErrNotFound {
			return nil, student, nil
		}
		return nil, nil, err
	}
	return sess, student, nil
}

// ListAttendingByClass lists attending sessions for a class today.
func (s *Service) ListAttendingByClass(ctx context.Context, semester, branch string) ([]*AttendanceSession, error) {
	return s.repo.ListAttendingByClass(ctx, DayOf(s.clock.Now()), semester, branch)
}

// AccrueAll advances every attending session's counter and broadcasts a tick
// for each. Sessions whose lecture window ended stop.
func (s *Service) AccrueAll(ctx context.Context) {
	now := s.clock.Now()
	sessions, err := s.repo.ListByStates(ctx, DayOf(now), StateAttending)
	if err != nil {
		log.Error().Err(err).Msg("listing attending sessions for accrual")
		return
	}
	for _, sess := range sessions {
		studentID := sess.StudentID
		err := s.WithStudentLock(studentID, func() error {
			// re-read under the lock; a transition may have raced the list
			cur, err := s.repo.GetByStudentAndDay(ctx, studentID, DayOf(now))
			if err != nil {
				return err
			}
			if cur.State != StateAttending {
				return nil
			}
			if s.presence != nil && !s.presence.IsConnected(studentID) {
				// channel unreachable: slide the accrual cursor forward
				// without credit so reconnect cannot self-credit the gap
				cur.LastTickAt = s.clock.Now()
				return s.repo.Update(ctx, cur)
			}
			s.accrueLocked(cur, s.clock.Now())
			if !cur.Running() {
				// window end stopped it inside accrue
				metrics.ActiveSessions.Dec()
			}
			if err := s.repo.Update(ctx, cur); err != nil {
				return err
			}
			s.emitTick(ctx, cur)
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("student_id", studentID).Msg("tick accrual failed")
		}
	}
}

// RolloverSweep stops live sessions left over from previous days. The state
// machine itself resets to idle because session state is day-scoped: a new
// day has no row, which reads as idle.
func (s *Service) RolloverSweep(ctx context.Context) {
	today := DayOf(s.clock.Now())
	stale, err := s.repo.ListStale(ctx, today)
	if err != nil {
		log.Error().Err(err).Msg("listing stale sessions")
		return
	}
	for _, sess := range stale {
		studentID := sess.StudentID
		_ = s.WithStudentLock(studentID, func() error {
			if sess.State == StateAttending {
				metrics.ActiveSessions.Dec()
			}
			from := sess.State
			sess.State = StateStopped
			sess.PausedByRingID = uuid.Nil
			if err := s.repo.Update(ctx, sess); err != nil {
				log.Error().Err(err).Str("student_id", studentID).Msg("rollover stop failed")
				return err
			}
			s.announce(ctx, sess, string(from), "day_rollover")
			return nil
		})
	}
}

// accrueLocked adds elapsed whole seconds since the last tick, clamped to the
// lecture window. Caller holds the student lock and persists afterwards.
func (s *Service) accrueLocked(sess *AttendanceSession, now time.Time) {
	if sess.State != StateAttending {
		return
	}
	elapsed := int(now.Sub(sess.LastTickAt).Seconds())
	if elapsed <= 0 {
		return
	}
	sess.AttendedSeconds += elapsed
	sess.LastTickAt = sess.LastTickAt.Add(time.Duration(elapsed) * time.Second)

	if max := sess.WindowSeconds(); sess.AttendedSeconds >= max {
		sess.AttendedSeconds = max
	}
	if !now.Before(sess.LectureEnd) {
		sess.State = StateStopped
	}
}

// announce persists nothing; it publishes a state change plus the tick that
// accompanies every transition.
func (s *Service) announce(ctx context.Context, sess *AttendanceSession, from, reason string) {
	if s.pub == nil {
		return
	}
	classKey := events.ClassKey(sess.Semester, sess.Branch)
	payload := events.SessionStateChangedPayload{
		StudentID: sess.StudentID,
		From:      from,
		To:        string(sess.State),
		Reason:    reason,
		At:        s.clock.Now(),
	}
	if err := s.pub.Publish(ctx, events.TypeSessionStateChanged, sess.StudentID, classKey, payload); err != nil {
		log.Error().Err(err).Str("student_id", sess.StudentID).Msg("publish state change failed")
	}
	s.emitTick(ctx, sess)
}

func (s *Service) emitTick(ctx context.Context, sess *AttendanceSession) {
	if s.pub == nil {
		return
	}
	tick := events.TimerTickPayload{
		StudentID:        sess.StudentID,
		EnrollmentNo:     sess.EnrollmentNo,
		AttendedSeconds:  sess.AttendedSeconds,
		IsRunning:        sess.Running(),
		LectureSubject:   sess.LectureSubject,
		LectureRoom:      sess.LectureRoom,
		LectureStartTime: sess.LectureStart,
		LectureEndTime:   sess.LectureEnd,
		ServerTimestamp:  s.clock.Now(),
	}
	classKey := events.ClassKey(sess.Semester, sess.Branch)
	if err := s.pub.Publish(ctx, events.TypeTimerTick, sess.StudentID, classKey, tick); err != nil {
		log.Error().Err(err).Str("student_id", sess.StudentID).Msg("publish tick failed")
		return
	}
	metrics.TicksEmitted.Inc()
}
