package gate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/faceclient"
)

type fakeLocator struct {
	bssid string
	err   error
	calls atomic.Int32
}

func (l *fakeLocator) Locate(context.Context, string) (string, error) {
	l.calls.Add(1)
	return l.bssid, l.err
}

type fakeVerifier struct {
	verified bool
	err      error
	calls    atomic.Int32
}

func (v *fakeVerifier) Verify(_ context.Context, userID string) (*faceclient.VerifyResult, error) {
	v.calls.Add(1)
	if v.err != nil {
		return nil, v.err
	}
	return &faceclient.VerifyResult{UserID: userID, Verified: v.verified}, nil
}

func testRegistry() *RoomRegistry {
	return NewRoomRegistry(map[string]string{"LH-101": "AA:BB:CC:DD:EE:01"})
}

func TestEvaluateAllows(t *testing.T) {
	g := New(&fakeLocator{bssid: "aa:bb:cc:dd:ee:01"}, &fakeVerifier{verified: true}, testRegistry())
	result, err := g.Evaluate(context.Background(), "s1", "LH-101")
	require.NoError(t, err)
	assert.True(t, result.Allowed())
	assert.Equal(t, ReasonOK, result.Reason)
}

func TestEvaluateShortCircuitsOnProximityFailure(t *testing.T) {
	verifier := &fakeVerifier{verified: true}
	g := New(&fakeLocator{bssid: "ff:ff:ff:ff:ff:ff"}, verifier, testRegistry())

	result, err := g.Evaluate(context.Background(), "s1", "LH-101")
	require.NoError(t, err)
	assert.False(t, result.Allowed())
	assert.Equal(t, ReasonWrongNetwork, result.Reason)
	// the face verifier must not burn an attempt for an out-of-range device
	assert.Equal(t, int32(0), verifier.calls.Load())
}

func TestEvaluateDenialReasons(t *testing.T) {
	tests := []struct {
		name     string
		locator  *fakeLocator
		verifier *fakeVerifier
		room     string
		reason   string
	}{
		{
			name:     "unknown room",
			locator:  &fakeLocator{bssid: "aa:bb:cc:dd:ee:01"},
			verifier: &fakeVerifier{verified: true},
			room:     "LH-999",
			reason:   ReasonNoActiveLecture,
		},
		{
			name:     "empty room",
			locator:  &fakeLocator{bssid: "aa:bb:cc:dd:ee:01"},
			verifier: &fakeVerifier{verified: true},
			room:     "",
			reason:   ReasonNoActiveLecture,
		},
		{
			name:     "no signal",
			locator:  &fakeLocator{bssid: ""},
			verifier: &fakeVerifier{verified: true},
			room:     "LH-101",
			reason:   ReasonNoProximitySignal,
		},
		{
			name:     "locator error fails closed",
			locator:  &fakeLocator{err: errors.New("sidecar down")},
			verifier: &fakeVerifier{verified: true},
			room:     "LH-101",
			reason:   ReasonNoProximitySignal,
		},
		{
			name:     "wrong network",
			locator:  &fakeLocator{bssid: "11:22:33:44:55:66"},
			verifier: &fakeVerifier{verified: true},
			room:     "LH-101",
			reason:   ReasonWrongNetwork,
		},
		{
			name:     "face rejected",
			locator:  &fakeLocator{bssid: "aa:bb:cc:dd:ee:01"},
			verifier: &fakeVerifier{verified: false},
			room:     "LH-101",
			reason:   ReasonVerifierRejected,
		},
		{
			name:     "verifier error fails closed",
			locator:  &fakeLocator{bssid: "aa:bb:cc:dd:ee:01"},
			verifier: &fakeVerifier{err: errors.New("oracle down")},
			room:     "LH-101",
			reason:   ReasonVerifierUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.locator, tt.verifier, testRegistry())
			result, err := g.Evaluate(context.Background(), "s1", tt.room)
			require.NoError(t, err)
			assert.False(t, result.Allowed())
			assert.Equal(t, tt.reason, result.Reason)
		})
	}
}

func TestCheckProximityCaseInsensitiveBSSID(t *testing.T) {
	g := New(&fakeLocator{bssid: "AA:BB:CC:DD:EE:01"}, &fakeVerifier{verified: true}, testRegistry())
	ok, reason := g.CheckProximity(context.Background(), "s1", "LH-101")
	assert.True(t, ok)
	assert.Equal(t, ReasonOK, reason)
}

func TestCheckProximitySkipsFaceVerifier(t *testing.T) {
	verifier := &fakeVerifier{verified: true}
	g := New(&fakeLocator{bssid: "aa:bb:cc:dd:ee:01"}, verifier, testRegistry())
	ok, _ := g.CheckProximity(context.Background(), "s1", "LH-101")
	assert.True(t, ok)
	assert.Equal(t, int32(0), verifier.calls.Load())
}
