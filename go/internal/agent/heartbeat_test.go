package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func waitCheckpoint(t *testing.T, fired <-chan struct{}) {
	t.Helper()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a checkpoint")
	}
}

func assertNoCheckpoint(t *testing.T, fired <-chan struct{}) {
	t.Helper()
	select {
	case <-fired:
		t.Fatal("unexpected checkpoint")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatCadenceFollowsSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fired := make(chan struct{}, 16)
	var active atomic.Bool
	h := NewHeartbeatScheduler(clock, active.Load, func(context.Context) error {
		fired <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	clock.BlockUntil(1)

	// nothing fires while no session is running
	clock.Advance(10 * time.Minute)
	assertNoCheckpoint(t, fired)

	// session starts: the first checkpoint lands one minute later
	active.Store(true)
	clock.Advance(activePollInterval)
	clock.BlockUntil(2)
	clock.Advance(firstCheckpointAfter)
	waitCheckpoint(t, fired)

	// then the five-minute cadence takes over
	clock.BlockUntil(2)
	clock.Advance(checkpointInterval)
	waitCheckpoint(t, fired)

	// session stops: the cadence stops with it
	active.Store(false)
	clock.Advance(checkpointInterval)
	assertNoCheckpoint(t, fired)
}

func TestHeartbeatSendFailureKeepsSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fired := make(chan struct{}, 16)
	calls := 0
	h := NewHeartbeatScheduler(clock, func() bool { return true }, func(context.Context) error {
		calls++
		fired <- struct{}{}
		if calls == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	clock.BlockUntil(2)
	clock.Advance(firstCheckpointAfter)
	waitCheckpoint(t, fired)

	// the failed first send must not break the five-minute cadence
	clock.BlockUntil(2)
	clock.Advance(checkpointInterval)
	waitCheckpoint(t, fired)
	require.Equal(t, 2, calls)
}
