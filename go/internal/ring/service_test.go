package ring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/gate"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/session"
)

// memRingRepo is an in-memory Repository with the same apply-once semantics
// as the SQL implementation.
type memRingRepo struct {
	mu         sync.Mutex
	challenges map[uuid.UUID]*Challenge
	targets    map[string]*Target // ringID/studentID
	insertErr  error
}

func newMemRingRepo() *memRingRepo {
	return &memRingRepo{
		challenges: make(map[uuid.UUID]*Challenge),
		targets:    make(map[string]*Target),
	}
}

func (r *memRingRepo) key(id uuid.UUID, studentID string) string { return id.String() + "/" + studentID }

func (r *memRingRepo) CreateChallenge(_ context.Context, c *Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.challenges[c.ID] = &cp
	return nil
}

func (r *memRingRepo) InsertTarget(_ context.Context, t *Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	cp := *t
	r.targets[r.key(t.ChallengeID, t.StudentID)] = &cp
	return nil
}

func (r *memRingRepo) GetChallenge(_ context.Context, id uuid.UUID) (*Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok {
		return nil, ErrTargetNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRingRepo) GetTarget(_ context.Context, challengeID uuid.UUID, studentID string) (*Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[r.key(challengeID, studentID)]
	if !ok {
		return nil, ErrTargetNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memRingRepo) ResolveTarget(_ context.Context, challengeID uuid.UUID, studentID string, outcome Outcome, verified bool, action TeacherAction, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[r.key(challengeID, studentID)]
	if !ok || t.Outcome != OutcomePending {
		return false, nil
	}
	t.Outcome = outcome
	t.Verified = verified
	if action != ActionPending {
		t.TeacherAction = action
	}
	t.ResolvedAt = at
	return true, nil
}

func (r *memRingRepo) MarkRejected(_ context.Context, challengeID uuid.UUID, studentID string, secondDeadline time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[r.key(challengeID, studentID)]
	if !ok || t.Outcome != OutcomePending || t.TeacherAction != ActionPending {
		return false, nil
	}
	t.TeacherAction = ActionRejected
	t.SecondDeadline = secondDeadline
	return true, nil
}

func (r *memRingRepo) NextDeadline(_ context.Context) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *time.Time
	for _, t := range r.targets {
		if t.Outcome != OutcomePending {
			continue
		}
		d := t.EffectiveDeadline(r.challenges[t.ChallengeID].Deadline)
		if next == nil || d.Before(*next) {
			dd := d
			next = &dd
		}
	}
	return next, nil
}

func (r *memRingRepo) DueTargets(_ context.Context, now time.Time, limit int) ([]DueTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []DueTarget
	for _, t := range r.targets {
		if t.Outcome != OutcomePending {
			continue
		}
		if !now.Before(t.EffectiveDeadline(r.challenges[t.ChallengeID].Deadline)) {
			due = append(due, DueTarget{ChallengeID: t.ChallengeID, StudentID: t.StudentID})
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (r *memRingRepo) TargetsInWindow(_ context.Context, studentID string, from, to time.Time) ([]*WindowTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*WindowTarget
	for _, t := range r.targets {
		if t.StudentID == studentID && !t.PausedAt.Before(from) && !t.PausedAt.After(to) {
			cp := *t
			out = append(out, &WindowTarget{Target: cp, ChallengeDeadline: r.challenges[t.ChallengeID].Deadline})
		}
	}
	return out, nil
}

// stubSessions records the control calls the ring service makes.
type stubSessions struct {
	mu        sync.Mutex
	attending []*session.AttendanceSession
	paused    map[string]uuid.UUID
	resumed   map[string]string // studentID -> reason
	stopped   map[string]uuid.UUID
	pauseSecs int
}

func newStubSessions(students ...string) *stubSessions {
	s := &stubSessions{
		paused:    make(map[string]uuid.UUID),
		resumed:   make(map[string]string),
		stopped:   make(map[string]uuid.UUID),
		pauseSecs: 100,
	}
	for _, id := range students {
		s.attending = append(s.attending, &session.AttendanceSession{
			StudentID:   id,
			Semester:    "5",
			Branch:      "CSE",
			LectureRoom: "LH-101",
			State:       session.StateAttending,
		})
	}
	return s
}

func (s *stubSessions) PauseForRing(_ context.Context, studentID string, ringID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[studentID] = ringID
	return s.pauseSecs, nil
}

func (s *stubSessions) ResumeFromRing(_ context.Context, studentID string, _ uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed[studentID] = reason
	return nil
}

func (s *stubSessions) StopFrozenByRing(_ context.Context, studentID string, ringID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped[studentID] = ringID
	return nil
}

func (s *stubSessions) ListAttendingByClass(_ context.Context, _, _ string) ([]*session.AttendanceSession, error) {
	return s.attending, nil
}

func (s *stubSessions) Restore(_ context.Context, studentID string) (*session.AttendanceSession, *session.Student, error) {
	for _, sess := range s.attending {
		if sess.StudentID == studentID {
			return sess, nil, nil
		}
	}
	return nil, nil, nil
}

type stubGate struct {
	result gate.Result
}

func (g *stubGate) Evaluate(_ context.Context, _, _ string) (gate.Result, error) {
	return g.result, nil
}

type ringFixture struct {
	repo     *memRingRepo
	sessions *stubSessions
	gate     *stubGate
	clock    *clockwork.FakeClock
	svc      *Service
}

func newRingFixture(t *testing.T, students ...string) *ringFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))
	repo := newMemRingRepo()
	sessions := newStubSessions(students...)
	g := &stubGate{result: gate.Result{ProximityOK: true, FaceOK: true, Reason: gate.ReasonOK}}
	svc := NewService(repo, sessions, g, nil, clock, 300*time.Second, 120*time.Second)
	return &ringFixture{repo: repo, sessions: sessions, gate: g, clock: clock, svc: svc}
}

func TestCreatePausesEveryTarget(t *testing.T) {
	f := newRingFixture(t, "s1", "s2", "s3")
	challenge, selected, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)
	assert.Len(t, selected, 3)
	assert.Equal(t, f.clock.Now().Add(300*time.Second), challenge.Deadline)
	for _, id := range selected {
		assert.Equal(t, challenge.ID, f.sessions.paused[id])
		target, err := f.repo.GetTarget(context.Background(), challenge.ID, id)
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, target.Outcome)
		assert.Equal(t, 100, target.PauseSeconds)
	}
}

func TestCreateRandomSamplesCount(t *testing.T) {
	f := newRingFixture(t, "s1", "s2", "s3", "s4", "s5")
	_, selected, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "random", 2)
	require.NoError(t, err)
	assert.Len(t, selected, 2)
}

func TestCreateWithNoAttendingStudentsFails(t *testing.T) {
	f := newRingFixture(t)
	_, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	assert.Error(t, err)
}

func TestStudentVerifyResolvesAndResumes(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	took, err := f.svc.StudentVerify(context.Background(), challenge.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, took)
	assert.Equal(t, "ring_verified", f.sessions.resumed["s1"])

	target, err := f.repo.GetTarget(context.Background(), challenge.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerified, target.Outcome)
	assert.True(t, target.Verified)
}

func TestStudentVerifyDuplicateIsNoOpConfirmation(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	first, err := f.svc.StudentVerify(context.Background(), challenge.ID, "s1")
	require.NoError(t, err)

	// a duplicate confirms the earlier resolution without re-running the
	// gate; it never surfaces a conflict
	f.gate.result = gate.Result{Reason: gate.ReasonNoProximitySignal}
	f.clock.Advance(10 * time.Second)
	second, err := f.svc.StudentVerify(context.Background(), challenge.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	target, err := f.repo.GetTarget(context.Background(), challenge.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerified, target.Outcome)
}

func TestStudentVerifyOnExpiredTargetFails(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)

	f.clock.Advance(301 * time.Second)
	require.NoError(t, f.svc.ExpireTarget(context.Background(), challenge.ID, "s1"))

	_, err = f.svc.StudentVerify(context.Background(), challenge.ID, "s1")
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestCreateUnwindsPauseWhenTargetInsertFails(t *testing.T) {
	f := newRingFixture(t, "s1")
	f.repo.insertErr = errors.New("insert failed")

	_, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.Error(t, err)
	assert.Equal(t, "ring_target_failed", f.sessions.resumed["s1"])
}

func TestStudentVerifyAfterDeadlineFails(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)

	f.clock.Advance(301 * time.Second)
	_, err = f.svc.StudentVerify(context.Background(), challenge.ID, "s1")
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestStudentVerifyFailsClosedOnGateDenial(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)

	f.gate.result = gate.Result{ProximityOK: true, Reason: gate.ReasonVerifierRejected}
	_, err = f.svc.StudentVerify(context.Background(), challenge.ID, "s1")
	var denied gate.ErrDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, gate.ReasonVerifierRejected, denied.Reason)

	// target stays pending for the teacher or the deadline
	target, err := f.repo.GetTarget(context.Background(), challenge.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, target.Outcome)
}

func TestTeacherAcceptResumesWithoutGate(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)

	// even a failing gate must not block a teacher acceptance
	f.gate.result = gate.Result{Reason: gate.ReasonNoProximitySignal}
	require.NoError(t, f.svc.ApplyTeacherAction(context.Background(), challenge.ID, "s1", "accepted"))
	assert.Equal(t, "teacher_accepted", f.sessions.resumed["s1"])

	target, err := f.repo.GetTarget(context.Background(), challenge.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, target.Outcome)
	assert.False(t, target.Verified)
}

func TestTeacherActionDuplicateIsNoOp(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)

	require.NoError(t, f.svc.ApplyTeacherAction(context.Background(), challenge.ID, "s1", "accepted"))
	require.NoError(t, f.svc.ApplyTeacherAction(context.Background(), challenge.ID, "s1", "accepted"))

	target, err := f.repo.GetTarget(context.Background(), challenge.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, target.Outcome)
}

func TestTeacherRejectOpensSecondWindow(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)

	require.NoError(t, f.svc.ApplyTeacherAction(context.Background(), challenge.ID, "s1", "rejected"))

	// the plain verify path is closed after a rejection
	_, err = f.svc.StudentVerify(context.Background(), challenge.ID, "s1")
	assert.ErrorIs(t, err, ErrChallengeExpired)

	// but verify-after-rejection inside the second window succeeds
	f.clock.Advance(60 * time.Second)
	_, err = f.svc.VerifyAfterRejection(context.Background(), challenge.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, "ring_verified_after_rejection", f.sessions.resumed["s1"])
}

func TestVerifyAfterRejectionPastSecondDeadlineFails(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)
	require.NoError(t, f.svc.ApplyTeacherAction(context.Background(), challenge.ID, "s1", "rejected"))

	f.clock.Advance(121 * time.Second)
	_, err = f.svc.VerifyAfterRejection(context.Background(), challenge.ID, "s1")
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestVerifyAfterRejectionRequiresRejection(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)

	_, err = f.svc.VerifyAfterRejection(context.Background(), challenge.ID, "s1")
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestExpireTargetStopsFrozenSession(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)

	f.clock.Advance(301 * time.Second)
	require.NoError(t, f.svc.ExpireTarget(context.Background(), challenge.ID, "s1"))
	assert.Equal(t, challenge.ID, f.sessions.stopped["s1"])

	target, err := f.repo.GetTarget(context.Background(), challenge.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, target.Outcome)
}

func TestExpireAfterVerifyIsNoOp(t *testing.T) {
	f := newRingFixture(t, "s1")
	challenge, _, err := f.svc.Create(context.Background(), "t1", "5", "CSE", "all", 0)
	require.NoError(t, err)

	_, err = f.svc.StudentVerify(context.Background(), challenge.ID, "s1")
	require.NoError(t, err)

	// the deadline worker losing the race must not stop the session
	require.NoError(t, f.svc.ExpireTarget(context.Background(), challenge.ID, "s1"))
	assert.Empty(t, f.sessions.stopped)
}

func TestWindowTargetMissed(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		target WindowTarget
		missed bool
	}{
		{
			name: "expired outcome",
			target: WindowTarget{
				Target:            Target{Outcome: OutcomeExpired},
				ChallengeDeadline: now.Add(time.Hour),
			},
			missed: true,
		},
		{
			name: "pending past deadline",
			target: WindowTarget{
				Target:            Target{Outcome: OutcomePending},
				ChallengeDeadline: now.Add(-time.Minute),
			},
			missed: true,
		},
		{
			name: "pending inside deadline",
			target: WindowTarget{
				Target:            Target{Outcome: OutcomePending},
				ChallengeDeadline: now.Add(time.Minute),
			},
			missed: false,
		},
		{
			name: "verified",
			target: WindowTarget{
				Target:            Target{Outcome: OutcomeVerified, Verified: true},
				ChallengeDeadline: now.Add(-time.Minute),
			},
			missed: false,
		},
		{
			name: "teacher accepted",
			target: WindowTarget{
				Target:            Target{Outcome: OutcomeAccepted, TeacherAction: ActionAccepted},
				ChallengeDeadline: now.Add(-time.Minute),
			},
			missed: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.missed, tt.target.Missed(now))
		})
	}
}
