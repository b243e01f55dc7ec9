package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ProximityChecker is the slice of the security gate the re-check sweep uses.
type ProximityChecker interface {
	CheckProximity(ctx context.Context, studentID, claimedRoom string) (bool, string)
}

// Ticker drives the three periodic loops: tick accrual at the broadcast
// cadence, the proximity re-check sweep, and the day rollover sweep. It is
// decoupled from the event-driven transition paths on purpose.
type Ticker struct {
	svc          *Service
	checker      ProximityChecker
	clock        clockwork.Clock
	tickEvery    time.Duration
	recheckEvery time.Duration
}

// NewTicker creates the periodic driver.
func NewTicker(svc *Service, checker ProximityChecker, clock clockwork.Clock, tickEvery, recheckEvery time.Duration) *Ticker {
	if tickEvery <= 0 {
		tickEvery = time.Second
	}
	if recheckEvery <= 0 {
		recheckEvery = 90 * time.Second
	}
	return &Ticker{
		svc:          svc,
		checker:      checker,
		clock:        clock,
		tickEvery:    tickEvery,
		recheckEvery: recheckEvery,
	}
}

// Run blocks until ctx is done.
func (t *Ticker) Run(ctx context.Context) {
	log.Info().
		Dur("tick_every", t.tickEvery).
		Dur("recheck_every", t.recheckEvery).
		Msg("session ticker started")

	tick := t.clock.NewTicker(t.tickEvery)
	defer tick.Stop()
	recheck := t.clock.NewTicker(t.recheckEvery)
	defer recheck.Stop()

	lastDay := DayOf(t.clock.Now())
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session ticker shutting down")
			return
		case <-tick.Chan():
			if day := DayOf(t.clock.Now()); day != lastDay {
				lastDay = day
				t.svc.RolloverSweep(ctx)
			}
			t.svc.AccrueAll(ctx)
		case <-recheck.Chan():
			t.recheckSweep(ctx)
		}
	}
}

// recheckSweep re-verifies proximity for every attending session and pauses
// the ones that moved off the classroom network.
func (t *Ticker) recheckSweep(ctx context.Context) {
	now := t.clock.Now()
	sessions, err := t.svc.Repo().ListByStates(ctx, DayOf(now), StateAttending)
	if err != nil {
		log.Error().Err(err).Msg("listing sessions for gate re-check")
		return
	}
	for _, sess := range sessions {
		ok, reason := t.checker.CheckProximity(ctx, sess.StudentID, sess.LectureRoom)
		if ok {
			continue
		}
		log.Warn().
			Str("student_id", sess.StudentID).
			Str("reason", reason).
			Msg("gate re-check failed, pausing session")
		if err := t.svc.PauseForGateFailure(ctx, sess.StudentID, reason); err != nil {
			log.Error().Err(err).Str("student_id", sess.StudentID).Msg("pause for gate failure")
		}
	}
}
