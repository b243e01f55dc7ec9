package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/faceclient"
)

// Denial reasons. A Result with Reason == ReasonOK is consumed immediately by
// the caller; it is never cached across a pause boundary.
const (
	ReasonOK                  = "ok"
	ReasonNoActiveLecture     = "no_active_lecture"
	ReasonNoProximitySignal   = "no_proximity_signal"
	ReasonWrongNetwork        = "wrong_network"
	ReasonVerifierUnavailable = "verifier_unavailable"
	ReasonVerifierRejected    = "verifier_rejected"
)

// Result is the combined allow/deny decision for one start/resume attempt.
type Result struct {
	ProximityOK bool
	FaceOK      bool
	Reason      string
}

// Allowed reports whether both factors passed.
func (r Result) Allowed() bool {
	return r.ProximityOK && r.FaceOK
}

// ErrDenied is returned by callers that need the denial as an error.
type ErrDenied struct {
	Reason string
}

func (e ErrDenied) Error() string {
	return fmt.Sprintf("security gate denied: %s", e.Reason)
}

// ProximityLocator resolves which network a device is on.
type ProximityLocator interface {
	Locate(ctx context.Context, studentID string) (string, error)
}

// FaceVerifier performs a 1:1 biometric match for a student.
type FaceVerifier interface {
	Verify(ctx context.Context, userID string) (*faceclient.VerifyResult, error)
}

// Evaluator is the gate contract consumed by the session controller.
type Evaluator interface {
	Evaluate(ctx context.Context, studentID, claimedRoom string) (Result, error)
}

// Gate composes the proximity locator and face verifier into a single
// decision. It fails closed: any collaborator error or timeout denies.
type Gate struct {
	locator  ProximityLocator
	verifier FaceVerifier
	rooms    *RoomRegistry

	// per-collaborator call budget
	timeout time.Duration
}

// New creates a gate over the two collaborators and the room registry.
func New(locator ProximityLocator, verifier FaceVerifier, rooms *RoomRegistry) *Gate {
	return &Gate{
		locator:  locator,
		verifier: verifier,
		rooms:    rooms,
		timeout:  10 * time.Second,
	}
}

// Evaluate runs proximity first and the face verifier only if proximity
// passes, so an out-of-range device never burns a biometric attempt. A room
// the registry does not know counts as missing lecture context.
func (g *Gate) Evaluate(ctx context.Context, studentID, claimedRoom string) (Result, error) {
	if ok, reason := g.CheckProximity(ctx, studentID, claimedRoom); !ok {
		return Result{Reason: reason}, nil
	}

	faceCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	verdict, err := g.verifier.Verify(faceCtx, studentID)
	if err != nil {
		log.Warn().Err(err).Str("student_id", studentID).Msg("face verifier unavailable")
		return Result{ProximityOK: true, Reason: ReasonVerifierUnavailable}, nil
	}
	if !verdict.Verified {
		return Result{ProximityOK: true, Reason: ReasonVerifierRejected}, nil
	}

	return Result{ProximityOK: true, FaceOK: true, Reason: ReasonOK}, nil
}

// CheckProximity evaluates only the proximity factor. The periodic re-check
// sweep uses it so a routine re-check never consumes a biometric attempt.
func (g *Gate) CheckProximity(ctx context.Context, studentID, claimedRoom string) (bool, string) {
	if claimedRoom == "" {
		return false, ReasonNoActiveLecture
	}
	if _, known := g.rooms.BSSIDFor(claimedRoom); !known {
		return false, ReasonNoActiveLecture
	}

	proximityCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	observed, err := g.locator.Locate(proximityCtx, studentID)
	if err != nil {
		log.Warn().Err(err).Str("student_id", studentID).Msg("proximity locator failed")
		return false, ReasonNoProximitySignal
	}
	if observed == "" {
		return false, ReasonNoProximitySignal
	}
	if !g.rooms.Matches(claimedRoom, observed) {
		return false, ReasonWrongNetwork
	}
	return true, ReasonOK
}
