package clocksync

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrClockTamper means a device clock moved relative to its last measured
// offset by more than the allowed threshold. It blocks gating until a fresh
// sync produces an in-range offset.
var ErrClockTamper = errors.New("device clock tamper detected")

// Oracle is the authoritative clock for every timestamped decision. It also
// tracks, per student device, the offset between the device wall clock and
// server time so that a later jump in that offset can be flagged as tampering.
type Oracle struct {
	clock     clockwork.Clock
	threshold time.Duration

	mu      sync.Mutex
	offsets map[string]time.Duration // studentID -> deviceTime - serverTime
}

// NewOracle creates an oracle on the given clock. threshold is the maximum
// allowed drift of a device's offset between two syncs.
func NewOracle(clock clockwork.Clock, threshold time.Duration) *Oracle {
	if threshold <= 0 {
		threshold = 3 * time.Minute
	}
	return &Oracle{
		clock:     clock,
		threshold: threshold,
		offsets:   make(map[string]time.Duration),
	}
}

// Now returns authoritative server time.
func (o *Oracle) Now() time.Time {
	return o.clock.Now()
}

// RecordSync stores the observed device offset for a student. Called from the
// explicit /time sync; it is the only way to clear a tamper flag.
func (o *Oracle) RecordSync(studentID string, deviceTime time.Time) time.Duration {
	offset := deviceTime.Sub(o.clock.Now())
	o.mu.Lock()
	o.offsets[studentID] = offset
	o.mu.Unlock()
	return offset
}

// CheckTamper compares the device-reported time against the last recorded
// offset. A device never seen before establishes its baseline instead of
// failing. Returns ErrClockTamper when the offset moved beyond the threshold.
func (o *Oracle) CheckTamper(studentID string, deviceTime time.Time) error {
	if deviceTime.IsZero() {
		return nil
	}
	offset := deviceTime.Sub(o.clock.Now())

	o.mu.Lock()
	defer o.mu.Unlock()
	baseline, seen := o.offsets[studentID]
	if !seen {
		o.offsets[studentID] = offset
		return nil
	}
	drift := offset - baseline
	if drift < 0 {
		drift = -drift
	}
	if drift > o.threshold {
		log.Warn().
			Str("student_id", studentID).
			Dur("drift", drift).
			Dur("threshold", o.threshold).
			Msg("device clock drifted beyond threshold")
		return ErrClockTamper
	}
	return nil
}
