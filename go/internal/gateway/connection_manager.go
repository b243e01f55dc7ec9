package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Role distinguishes the two consumer roles driven by the same tick stream.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// CommandHandler receives session control commands read off student sockets.
type CommandHandler interface {
	HandleStartTimer(ctx context.Context, cmd StartTimerCommand) error
	HandleStopTimer(ctx context.Context, cmd StopTimerCommand) error
}

// ConnectionManager manages websocket connections. Student connections are
// keyed by student id; teacher connections are keyed by class
// (semester:branch) and observe every student of that class.
type ConnectionManager struct {
	studentConns map[string]map[*Connection]bool
	classConns   map[string]map[*Connection]bool
	mu           sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	commands CommandHandler
	roster   *RosterState

	broadcastCh chan BroadcastMessage
}

// Connection represents a websocket connection to a client.
type Connection struct {
	ID       string
	Role     Role
	Key      string // student id or class key
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds configuration for websocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage routes a wire event to a student's connections, a class's
// teacher connections, or both.
type BroadcastMessage struct {
	StudentID string
	ClassKey  string
	Event     *WireEvent
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a websocket connection manager.
func NewConnectionManager(config ConnectionConfig, commands CommandHandler, roster *RosterState) *ConnectionManager {
	return &ConnectionManager{
		studentConns: make(map[string]map[*Connection]bool),
		classConns:   make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		commands:    commands,
		roster:      roster,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start begins processing broadcast messages.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// IsConnected reports whether a student currently has a live connection. The
// session tick loop uses it to freeze accrual for unreachable students.
func (cm *ConnectionManager) IsConnected(studentID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.studentConns[studentID]) > 0
}

// UpgradeConnection upgrades an HTTP request to a websocket and registers it
// under its role.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, role Role, key string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Role:        role,
		Key:         key,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}
	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	// teachers get the current roster snapshot so the view is complete
	// before the next tick arrives
	if role == RoleTeacher && cm.roster != nil {
		for _, tick := range cm.roster.Snapshot(key) {
			if data, err := json.Marshal(tick); err == nil {
				select {
				case connection.Send <- data:
				default:
				}
			}
		}
	}

	log.Info().
		Str("connection_id", connection.ID).
		Str("role", string(role)).
		Str("key", key).
		Msg("websocket connection established")
	return nil
}

func (cm *ConnectionManager) pool(conn *Connection) map[string]map[*Connection]bool {
	if conn.Role == RoleTeacher {
		return cm.classConns
	}
	return cm.studentConns
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	pool := cm.pool(conn)
	if pool[conn.Key] == nil {
		pool[conn.Key] = make(map[*Connection]bool)
	}
	pool[conn.Key][conn] = true
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	pool := cm.pool(conn)
	if connections, exists := pool[conn.Key]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)
			if len(connections) == 0 {
				delete(pool, conn.Key)
			}
			log.Info().
				Str("connection_id", conn.ID).
				Str("role", string(conn.Role)).
				Str("key", conn.Key).
				Msg("connection unregistered")
		}
	}
}

// Broadcast routes an event to the owning student and the observing class.
func (cm *ConnectionManager) Broadcast(studentID, classKey string, event *WireEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{StudentID: studentID, ClassKey: classKey, Event: event}:
	default:
		log.Warn().Str("student_id", studentID).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	var targets []*Connection
	if message.StudentID != "" {
		for conn := range cm.studentConns[message.StudentID] {
			targets = append(targets, conn)
		}
	}
	if message.ClassKey != "" {
		for conn := range cm.classConns[message.ClassKey] {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}
	for _, conn := range targets {
		select {
		case conn.Send <- eventData:
		default:
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}
}

// Stats returns counts of active connections.
func (cm *ConnectionManager) Stats() (students, teachers int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, conns := range cm.studentConns {
		students += len(conns)
	}
	for _, conns := range cm.classConns {
		teachers += len(conns)
	}
	return students, teachers
}

// writePump handles sending messages to the websocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the websocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			break
		}
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage dispatches session control commands from student
// sockets.
func (c *Connection) handleClientMessage(message []byte) {
	var event WireEvent
	if err := json.Unmarshal(message, &event); err != nil {
		log.Debug().Str("connection_id", c.ID).Msg("ignoring malformed client message")
		return
	}
	if c.Manager.commands == nil {
		return
	}
	ctx := context.Background()
	switch event.Type {
	case CommandStartTimer:
		var cmd StartTimerCommand
		if err := json.Unmarshal(event.Data, &cmd); err != nil {
			return
		}
		if err := c.Manager.commands.HandleStartTimer(ctx, cmd); err != nil {
			log.Warn().Err(err).Str("student_id", cmd.StudentID).Msg("start_timer command failed")
		}
	case CommandStopTimer:
		var cmd StopTimerCommand
		if err := json.Unmarshal(event.Data, &cmd); err != nil {
			return
		}
		if err := c.Manager.commands.HandleStopTimer(ctx, cmd); err != nil {
			log.Warn().Err(err).Str("student_id", cmd.StudentID).Msg("stop_timer command failed")
		}
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", event.Type).
			Msg("ignoring unknown client event")
	}
}
