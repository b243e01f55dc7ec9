package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	// StreamName is the JetStream stream carrying attendance events.
	StreamName = "ATTENDANCE_EVENTS"
	// SubjectPrefix is the subject namespace; full subjects are
	// attendance.events.<eventType>.
	SubjectPrefix = "attendance.events"
)

// Envelope is the bus message wrapping every payload. ClassKey identifies the
// teacher room (semester:branch) interested in the event.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	StudentID string          `json:"studentId"`
	ClassKey  string          `json:"classKey"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ClassKey builds the teacher room key for a semester and branch.
func ClassKey(semester, branch string) string {
	return semester + ":" + branch
}

// Publisher pushes attendance events onto a bus.
type Publisher interface {
	Publish(ctx context.Context, eventType, studentID, classKey string, payload any) error
}

// JetStreamPublisher publishes envelopes to NATS JetStream.
type JetStreamPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewJetStreamPublisher connects to NATS and ensures the attendance stream
// exists.
func NewJetStreamPublisher(url string) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &JetStreamPublisher{nc: nc, js: js}, nil
}

// Publish marshals the payload into an envelope and publishes it on the
// event-type subject.
func (p *JetStreamPublisher) Publish(ctx context.Context, eventType, studentID, classKey string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	envelope := Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		StudentID: studentID,
		ClassKey:  classKey,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", SubjectPrefix, eventType)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (p *JetStreamPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
