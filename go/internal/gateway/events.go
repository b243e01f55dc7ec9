package gateway

import (
	"encoding/json"
	"time"
)

// WireEvent is the envelope pushed to websocket clients and accepted from
// them.
type WireEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	StudentID string          `json:"studentId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Client-to-server commands carried on the socket.
const (
	CommandStartTimer = "start_timer"
	CommandStopTimer  = "stop_timer"
)

// StartTimerCommand is the student's session control request.
type StartTimerCommand struct {
	StudentID  string    `json:"studentId"`
	Semester   string    `json:"semester"`
	Branch     string    `json:"branch"`
	Room       string    `json:"room"`
	DeviceTime time.Time `json:"deviceTime"`
}

// StopTimerCommand stops the student's session.
type StopTimerCommand struct {
	StudentID string `json:"studentId"`
}
