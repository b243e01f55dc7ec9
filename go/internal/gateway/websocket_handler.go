package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/events"
)

// WebSocketHandler handles WebSocket upgrade requests for student and teacher
// connections.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm}
}

// HandleStudentConnection upgrades a student socket. The student id comes
// from the query string; in production it is cross-checked against the JWT
// by the auth middleware in front of this handler.
func (h *WebSocketHandler) HandleStudentConnection(w http.ResponseWriter, r *http.Request) {
	studentID := r.URL.Query().Get("student_id")
	if studentID == "" {
		http.Error(w, "student_id is required", http.StatusBadRequest)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, RoleStudent, studentID); err != nil {
		log.Error().
			Err(err).
			Str("student_id", studentID).
			Msg("failed to upgrade student WebSocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
	}
}

// HandleTeacherConnection upgrades a teacher dashboard socket subscribed to
// one class (semester + branch).
func (h *WebSocketHandler) HandleTeacherConnection(w http.ResponseWriter, r *http.Request) {
	semester := r.URL.Query().Get("semester")
	branch := r.URL.Query().Get("branch")
	if semester == "" || branch == "" {
		http.Error(w, "semester and branch are required", http.StatusBadRequest)
		return
	}
	classKey := events.ClassKey(semester, branch)

	if err := h.connectionManager.UpgradeConnection(w, r, RoleTeacher, classKey); err != nil {
		log.Error().
			Err(err).
			Str("class_key", classKey).
			Msg("failed to upgrade teacher WebSocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
	}
}

// HandleConnectionStats returns counts of active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	students, teachers := h.connectionManager.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"student_connections": students,
		"teacher_connections": teachers,
	})
}

// RegisterRoutes registers WebSocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/student", h.HandleStudentConnection)
	mux.HandleFunc("/ws/teacher", h.HandleTeacherConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
