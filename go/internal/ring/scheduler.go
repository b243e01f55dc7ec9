package ring

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Scheduler sleeps until the next ring deadline and fires expiries through a
// small worker pool. Deadlines are wall-clock timers, not blocking calls: the
// loop observes expiry independently of any further input, and a wake through
// the service's channel re-arms it when a sooner deadline appears.
type Scheduler struct {
	repo    Repository
	svc     *Service
	clock   clockwork.Clock
	batch   int
	wakeCh  <-chan struct{}
	instance string

	numWorkers int
	workCh     chan DueTarget

	inFlight   map[string]bool
	inFlightMu sync.Mutex
}

// NewScheduler creates the deadline scheduler.
func NewScheduler(repo Repository, svc *Service, clock clockwork.Clock) *Scheduler {
	numWorkers := 4
	return &Scheduler{
		repo:       repo,
		svc:        svc,
		clock:      clock,
		batch:      64,
		wakeCh:     svc.WakeCh(),
		instance:   uuid.New().String()[:8],
		numWorkers: numWorkers,
		workCh:     make(chan DueTarget, numWorkers*2),
		inFlight:   make(map[string]bool),
	}
}

// Run loops forever, sleeping until the next deadline and expiring due
// targets.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("instance", s.instance).Int("workers", s.numWorkers).Msg("ring scheduler started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	for i := 0; i < s.numWorkers; i++ {
		wg.Add(1)
		go s.worker(workerCtx, &wg, i)
	}
	defer func() {
		cancelWorkers()
		close(s.workCh)
		wg.Wait()
		log.Info().Str("instance", s.instance).Msg("ring scheduler workers shut down")
	}()

	timer := s.clock.NewTimer(0)
	defer timer.Stop()

	const (
		idlePollDuration = 5 * time.Second
		dispatchSettle   = 250 * time.Millisecond
	)

	for {
		select {
		case <-s.wakeCh:
		default:
		}

		deadline, err := s.repo.NextDeadline(ctx)
		if err != nil {
			log.Error().Err(err).Str("instance", s.instance).Msg("fetching next ring deadline")
			timer.Reset(time.Second)
			select {
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if deadline == nil {
			timer.Reset(idlePollDuration)
			select {
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				return nil
			case <-s.wakeCh:
				continue
			}
		}

		if wait := deadline.Sub(s.clock.Now()); wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				return nil
			case <-s.wakeCh:
				// a new sooner deadline may exist; re-read
				continue
			}
		}

		due, err := s.repo.DueTargets(ctx, s.clock.Now(), s.batch)
		if err != nil {
			log.Error().Err(err).Str("instance", s.instance).Msg("fetching due ring targets")
			timer.Reset(time.Second)
			select {
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				return nil
			}
		}

		for _, target := range due {
			key := target.ChallengeID.String() + "/" + target.StudentID
			s.inFlightMu.Lock()
			if s.inFlight[key] {
				s.inFlightMu.Unlock()
				continue
			}
			s.inFlight[key] = true
			s.inFlightMu.Unlock()

			select {
			case <-ctx.Done():
				s.inFlightMu.Lock()
				delete(s.inFlight, key)
				s.inFlightMu.Unlock()
				return nil
			case s.workCh <- target:
			}
		}

		if len(due) > 0 {
			// the dispatched targets are still pending until the workers
			// CAS them; give that a beat before re-reading the deadline
			timer.Reset(dispatchSettle)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				return nil
			case <-s.wakeCh:
			}
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case target, ok := <-s.workCh:
			if !ok {
				return
			}
			if err := s.svc.ExpireTarget(ctx, target.ChallengeID, target.StudentID); err != nil {
				log.Error().
					Err(err).
					Str("ring_id", target.ChallengeID.String()).
					Str("student_id", target.StudentID).
					Int("worker_id", workerID).
					Msg("expiring ring target failed")
			}
			key := target.ChallengeID.String() + "/" + target.StudentID
			s.inFlightMu.Lock()
			delete(s.inFlight, key)
			s.inFlightMu.Unlock()
		}
	}
}
