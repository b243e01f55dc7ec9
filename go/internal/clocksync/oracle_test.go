package clocksync

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstSightEstablishesBaseline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	o := NewOracle(clock, 3*time.Minute)

	// a device seen for the first time never trips, whatever its skew
	err := o.CheckTamper("s1", clock.Now().Add(45*time.Minute))
	assert.NoError(t, err)

	// the skew became the baseline, so staying near it is fine
	err = o.CheckTamper("s1", clock.Now().Add(45*time.Minute+10*time.Second))
	assert.NoError(t, err)
}

func TestDriftBeyondThresholdTrips(t *testing.T) {
	clock := clockwork.NewFakeClock()
	o := NewOracle(clock, 3*time.Minute)
	o.RecordSync("s1", clock.Now())

	require.NoError(t, o.CheckTamper("s1", clock.Now().Add(2*time.Minute)))
	assert.ErrorIs(t, o.CheckTamper("s1", clock.Now().Add(4*time.Minute)), ErrClockTamper)
	assert.ErrorIs(t, o.CheckTamper("s1", clock.Now().Add(-4*time.Minute)), ErrClockTamper)
}

func TestResyncClearsTamper(t *testing.T) {
	clock := clockwork.NewFakeClock()
	o := NewOracle(clock, 3*time.Minute)
	o.RecordSync("s1", clock.Now())

	skewed := clock.Now().Add(10 * time.Minute)
	require.ErrorIs(t, o.CheckTamper("s1", skewed), ErrClockTamper)

	// an explicit sync adopts the new offset
	o.RecordSync("s1", skewed)
	assert.NoError(t, o.CheckTamper("s1", skewed))
}

func TestZeroDeviceTimeIsIgnored(t *testing.T) {
	clock := clockwork.NewFakeClock()
	o := NewOracle(clock, 3*time.Minute)
	o.RecordSync("s1", clock.Now())
	assert.NoError(t, o.CheckTamper("s1", time.Time{}))
}

func TestOffsetsAreIndependentPerStudent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	o := NewOracle(clock, 3*time.Minute)
	o.RecordSync("s1", clock.Now())
	o.RecordSync("s2", clock.Now().Add(30*time.Minute))

	assert.ErrorIs(t, o.CheckTamper("s1", clock.Now().Add(30*time.Minute)), ErrClockTamper)
	assert.NoError(t, o.CheckTamper("s2", clock.Now().Add(30*time.Minute)))
}
