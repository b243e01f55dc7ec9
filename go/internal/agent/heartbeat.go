package agent

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	firstCheckpointAfter = 1 * time.Minute
	checkpointInterval   = 5 * time.Minute
	activePollInterval   = time.Second
)

// CheckpointFunc sends one advisory checkpoint to the server.
type CheckpointFunc func(ctx context.Context) error

// HeartbeatScheduler fires the first checkpoint one minute after the session
// starts, then every five minutes while it stays running. Checkpoints are
// advisory; a failed send is logged and the schedule continues. When the
// session stops, the cadence stops with it and re-anchors on the next start.
type HeartbeatScheduler struct {
	clock  clockwork.Clock
	active func() bool
	send   CheckpointFunc
}

func NewHeartbeatScheduler(clock clockwork.Clock, active func() bool, send CheckpointFunc) *HeartbeatScheduler {
	return &HeartbeatScheduler{clock: clock, active: active, send: send}
}

// Run blocks until the context is cancelled.
func (h *HeartbeatScheduler) Run(ctx context.Context) {
	poll := h.clock.NewTicker(activePollInterval)
	defer poll.Stop()

	for {
		for !h.active() {
			select {
			case <-ctx.Done():
				return
			case <-poll.Chan():
			}
		}
		if !h.runWhileActive(ctx) {
			return
		}
	}
}

// runWhileActive drives one session's cadence: the 1m checkpoint, then every
// 5m. Returns false only when the context ended; a stopped session returns
// true so Run re-arms on the next start.
func (h *HeartbeatScheduler) runWhileActive(ctx context.Context) bool {
	timer := h.clock.NewTimer(firstCheckpointAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		if !h.active() {
			return true
		}
		h.fire(ctx)
	}

	ticker := h.clock.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.Chan():
			if !h.active() {
				return true
			}
			h.fire(ctx)
		}
	}
}

func (h *HeartbeatScheduler) fire(ctx context.Context) {
	if err := h.send(ctx); err != nil {
		log.Warn().Err(err).Msg("checkpoint send failed")
	}
}
