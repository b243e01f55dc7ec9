package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuffer(t *testing.T) *OfflineBuffer {
	t.Helper()
	b, err := NewOfflineBuffer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBufferRoundTrip(t *testing.T) {
	b := testBuffer(t)
	rec := OfflineRecord{
		StudentID:        "s1",
		OfflineStartTime: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		OfflineEndTime:   time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
		LastKnownSeconds: 1200,
		LectureSubject:   "Databases",
	}
	require.NoError(t, b.Put(rec))

	got, err := b.Get("s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)
}

func TestBufferGetMissingReturnsNil(t *testing.T) {
	b := testBuffer(t)
	got, err := b.Get("absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBufferKeepsOneRecordPerStudent(t *testing.T) {
	b := testBuffer(t)
	first := OfflineRecord{StudentID: "s1", LastKnownSeconds: 100}
	require.NoError(t, b.Put(first))

	// extending the window overwrites in place
	second := first
	second.OfflineEndTime = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	second.LastKnownSeconds = 200
	require.NoError(t, b.Put(second))

	got, err := b.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, 200, got.LastKnownSeconds)
}

func TestBufferDeleteAfterSync(t *testing.T) {
	b := testBuffer(t)
	require.NoError(t, b.Put(OfflineRecord{StudentID: "s1"}))
	require.NoError(t, b.Delete("s1"))

	got, err := b.Get("s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// deleting again is harmless
	assert.NoError(t, b.Delete("s1"))
}
