package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/events"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	offlineFlushEvery  = 15 * time.Second
)

// ErrChannelUnavailable reports that the gateway cannot be reached; callers
// fall back to the offline buffer until a dial succeeds.
var ErrChannelUnavailable = errors.New("gateway channel unavailable")

// RingHandler is invoked when the student is targeted by a random ring. The
// implementation is expected to drive the local face scan UI and then call
// RESTClient.RingVerify.
type RingHandler func(ctx context.Context, notification events.RingNotificationPayload)

// Agent is the student-side client: it keeps a supervised websocket to the
// gateway, mirrors timer ticks, buffers attendance while offline, and syncs
// the buffered claim when connectivity returns.
type Agent struct {
	studentID string
	wsURL     string

	state  *TimerState
	buffer *OfflineBuffer
	rest   *RESTClient
	onRing RingHandler
}

func New(studentID, wsURL string, state *TimerState, buffer *OfflineBuffer, rest *RESTClient, onRing RingHandler) *Agent {
	return &Agent{
		studentID: studentID,
		wsURL:     wsURL,
		state:     state,
		buffer:    buffer,
		rest:      rest,
		onRing:    onRing,
	}
}

// Run supervises the websocket connection until the context is cancelled.
// Each successful connect first drains any buffered offline claim.
func (a *Agent) Run(ctx context.Context) error {
	delay := reconnectBaseDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := a.dial(ctx)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", delay).Msg("gateway dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if delay *= 2; delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}
		delay = reconnectBaseDelay
		log.Info().Str("student_id", a.studentID).Msg("connected to gateway")

		a.syncBufferedClaim(ctx)
		a.readLoop(ctx, conn)
		conn.Close()

		// connection lost; start buffering offline time if the timer
		// was running
		if a.state.Running() {
			a.beginOfflineRecord()
			a.trackOffline(ctx)
		}
	}
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(a.wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("student_id", a.studentID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return conn, nil
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("gateway connection lost")
			return
		}
		a.handleEvent(ctx, message)
	}
}

func (a *Agent) handleEvent(ctx context.Context, message []byte) {
	var event struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		log.Debug().Msg("ignoring malformed gateway message")
		return
	}

	switch event.Type {
	case events.TypeTimerTick:
		var tick events.TimerTickPayload
		if err := json.Unmarshal(event.Data, &tick); err != nil {
			return
		}
		a.state.Apply(tick)
	case events.TypeRingNotification:
		var n events.RingNotificationPayload
		if err := json.Unmarshal(event.Data, &n); err != nil {
			return
		}
		log.Info().Str("ring_id", n.RandomRingID).Msg("random ring received")
		if a.onRing != nil {
			go a.onRing(ctx, n)
		}
	case events.TypeSessionStateChanged:
		// the next tick carries the new counter; nothing to merge here
	default:
		log.Debug().Str("type", event.Type).Msg("unhandled gateway event")
	}
}

// beginOfflineRecord snapshots the timer at the moment of disconnect.
func (a *Agent) beginOfflineRecord() {
	now := time.Now()
	rec := OfflineRecord{
		StudentID:        a.studentID,
		OfflineStartTime: now,
		OfflineEndTime:   now,
		LastKnownSeconds: a.state.Seconds(),
	}
	if last := a.state.Last(); last != nil {
		rec.LectureSubject = last.LectureSubject
	}
	if err := a.buffer.Put(rec); err != nil {
		log.Error().Err(err).Msg("failed to begin offline record")
	}
}

// trackOffline extends the buffered record's end time until the context is
// cancelled or a dial probe succeeds. Overwriting in place keeps exactly one
// claim per student.
func (a *Agent) trackOffline(ctx context.Context) {
	ticker := time.NewTicker(offlineFlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := a.buffer.Get(a.studentID)
			if err != nil || rec == nil {
				return
			}
			rec.OfflineEndTime = time.Now()
			if err := a.buffer.Put(*rec); err != nil {
				log.Error().Err(err).Msg("failed to extend offline record")
			}
			if conn, err := a.dial(ctx); err == nil {
				conn.Close()
				return
			}
		}
	}
}

// syncBufferedClaim submits any buffered offline record and applies the
// server's verdict locally. The local counter always corrects to the
// server's accepted total, never the other way around.
func (a *Agent) syncBufferedClaim(ctx context.Context) {
	rec, err := a.buffer.Get(a.studentID)
	if err != nil {
		log.Error().Err(err).Msg("failed to read offline buffer")
		return
	}
	if rec == nil {
		return
	}

	result, err := a.rest.SyncOffline(ctx, *rec)
	if err != nil {
		log.Warn().Err(err).Msg("offline sync failed, keeping buffered claim")
		return
	}
	log.Info().
		Int("accepted_seconds", result.AcceptedSeconds).
		Int("total_seconds", result.TotalSeconds).
		Bool("ring_missed", result.RandomRingMissed).
		Msg("offline claim reconciled")

	if err := a.buffer.Delete(a.studentID); err != nil {
		log.Error().Err(err).Msg("failed to clear offline buffer")
	}
}
