package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/auth"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/checkpoint"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/clocksync"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/config"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/gate"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/reconcile"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/ring"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/session"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/store"
)

// API wires the REST surface over the attendance services.
type API struct {
	cfg         config.App
	sessions    *session.Service
	rings       *ring.Service
	reconciler  *reconcile.Service
	checkpoints *checkpoint.Store
	oracle      *clocksync.Oracle
	db          *store.DB
	redis       *store.Redis
}

// New creates the REST API.
func New(cfg config.App, sessions *session.Service, rings *ring.Service, reconciler *reconcile.Service, checkpoints *checkpoint.Store, oracle *clocksync.Oracle, db *store.DB, redis *store.Redis) *API {
	return &API{
		cfg:         cfg,
		sessions:    sessions,
		rings:       rings,
		reconciler:  reconciler,
		checkpoints: checkpoints,
		oracle:      oracle,
		db:          db,
		redis:       redis,
	}
}

// Router builds the gin engine with all routes registered.
func (a *API) Router() *gin.Engine {
	if a.cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", a.handleHealth)
	r.GET("/time", a.handleTime)
	r.POST("/auth/token", a.handleIssueToken)

	v1 := r.Group("/v1", auth.Bearer(a.cfg.JWTSigningKey, a.cfg.JWTIssuer))
	{
		att := v1.Group("/attendance")
		att.POST("/start", a.handleStart)
		att.POST("/stop", a.handleStop)
		att.POST("/update-timer", a.handleUpdateTimer)
		att.POST("/sync-offline", a.handleSyncOffline)

		rr := v1.Group("/random-ring")
		rr.POST("", auth.RequireRole(auth.RoleTeacher), a.handleRingCreate)
		rr.POST("/verify", a.handleRingVerify)
		rr.POST("/verify-after-rejection", a.handleRingVerifyAfterRejection)
		rr.POST("/teacher-action", auth.RequireRole(auth.RoleTeacher), a.handleRingTeacherAction)

		v1.GET("/students/:id", a.handleStudentState)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}

func (a *API) handleHealth(c *gin.Context) {
	dbHealthy := a.db == nil || a.db.Healthy(c.Request.Context())
	redisHealthy := a.redis == nil || a.redis.Healthy(c.Request.Context())
	status := http.StatusOK
	if !dbHealthy || !redisHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "db": dbHealthy, "redis": redisHealthy})
}

// handleTime returns the authoritative server time and records the client's
// offset so later device timestamps can be checked for tampering.
func (a *API) handleTime(c *gin.Context) {
	studentID := c.Query("student_id")
	serverTime := a.oracle.Now()
	resp := gin.H{"serverTime": serverTime}
	if studentID != "" {
		if raw := c.Query("device_time"); raw != "" {
			deviceTime, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "device_time must be RFC3339"})
				return
			}
			resp["offsetSeconds"] = int(a.oracle.RecordSync(studentID, deviceTime).Seconds())
		}
	}
	c.JSON(http.StatusOK, resp)
}

type tokenRequest struct {
	Subject string `json:"subject" binding:"required"`
	Role    string `json:"role" binding:"required"`
}

// handleIssueToken issues a signed token. Identity verification happens
// upstream; this endpoint only mints tokens for already-authenticated
// principals.
func (a *API) handleIssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role != auth.RoleStudent && req.Role != auth.RoleTeacher {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be student or teacher"})
		return
	}
	token, exp, err := auth.Issue(req.Subject, req.Role, a.cfg.JWTIssuer, a.cfg.JWTSigningKey, a.cfg.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"accessToken": token, "expiresAt": exp})
}

type startRequest struct {
	StudentID  string    `json:"studentId" binding:"required"`
	Room       string    `json:"room" binding:"required"`
	DeviceTime time.Time `json:"deviceTime" binding:"required"`
}

func (a *API) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !a.authorizedFor(c, req.StudentID) {
		return
	}
	sess, err := a.sessions.Start(c.Request.Context(), req.StudentID, req.Room, req.DeviceTime)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess))
}

type stopRequest struct {
	StudentID string `json:"studentId" binding:"required"`
}

func (a *API) handleStop(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !a.authorizedFor(c, req.StudentID) {
		return
	}
	sess, err := a.sessions.Stop(c.Request.Context(), req.StudentID, "student_stop")
	if err != nil {
		a.writeError(c, err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"state": string(session.StateIdle)})
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess))
}

type updateTimerRequest struct {
	StudentID     string `json:"studentId" binding:"required"`
	TimerValue    int    `json:"timerValue"`
	WifiConnected bool   `json:"wifiConnected"`
}

// handleUpdateTimer records an advisory checkpoint. The reported timer value
// never feeds back into the authoritative counter.
func (a *API) handleUpdateTimer(c *gin.Context) {
	var req updateTimerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !a.authorizedFor(c, req.StudentID) {
		return
	}
	ctx := c.Request.Context()
	if err := a.checkpoints.Put(ctx, req.StudentID, checkpoint.Checkpoint{
		TimerValue:    req.TimerValue,
		WifiConnected: req.WifiConnected,
		At:            time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Str("student_id", req.StudentID).Msg("checkpoint write failed")
	}
	if err := a.sessions.RecordHeartbeat(ctx, req.StudentID); err != nil && !errors.Is(err, session.ErrNotFound) {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

type syncOfflineRequest struct {
	StudentID        string    `json:"studentId" binding:"required"`
	OfflineStartTime time.Time `json:"offlineStartTime" binding:"required"`
	OfflineEndTime   time.Time `json:"offlineEndTime" binding:"required"`
	LastKnownSeconds int       `json:"lastKnownSeconds"`
	LectureSubject   string    `json:"lectureSubject"`
}

func (a *API) handleSyncOffline(c *gin.Context) {
	var req syncOfflineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !a.authorizedFor(c, req.StudentID) {
		return
	}
	result, err := a.reconciler.Apply(c.Request.Context(), reconcile.Claim{
		StudentID:        req.StudentID,
		OfflineStart:     req.OfflineStartTime,
		OfflineEnd:       req.OfflineEndTime,
		LastKnownSeconds: req.LastKnownSeconds,
		LectureSubject:   req.LectureSubject,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          result.Success,
		"acceptedSeconds":  result.AcceptedSeconds,
		"totalSeconds":     result.TotalSeconds,
		"randomRingMissed": result.RandomRingMissed,
		"teacherAccepted":  result.TeacherAccepted,
	})
}

type ringCreateRequest struct {
	TeacherID string `json:"teacherId" binding:"required"`
	Semester  string `json:"semester" binding:"required"`
	Branch    string `json:"branch" binding:"required"`
	Type      string `json:"type" binding:"required"`
	Count     int    `json:"count"`
}

func (a *API) handleRingCreate(c *gin.Context) {
	var req ringCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	challenge, targets, err := a.rings.Create(c.Request.Context(), req.TeacherID, req.Semester, req.Branch, req.Type, req.Count)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"ringId":   challenge.ID,
		"deadline": challenge.Deadline,
		"targets":  targets,
	})
}

type ringActionRequest struct {
	RingID    string `json:"ringId" binding:"required"`
	StudentID string `json:"studentId" binding:"required"`
	Action    string `json:"action"`
}

func (a *API) parseRingAction(c *gin.Context) (uuid.UUID, ringActionRequest, bool) {
	var req ringActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return uuid.Nil, req, false
	}
	ringID, err := uuid.Parse(req.RingID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ringId"})
		return uuid.Nil, req, false
	}
	return ringID, req, true
}

func (a *API) handleRingVerify(c *gin.Context) {
	ringID, req, ok := a.parseRingAction(c)
	if !ok {
		return
	}
	if !a.authorizedFor(c, req.StudentID) {
		return
	}
	pausedFor, err := a.rings.StudentVerify(c.Request.Context(), ringID, req.StudentID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true, "pausedSeconds": int(pausedFor.Seconds())})
}

func (a *API) handleRingVerifyAfterRejection(c *gin.Context) {
	ringID, req, ok := a.parseRingAction(c)
	if !ok {
		return
	}
	if !a.authorizedFor(c, req.StudentID) {
		return
	}
	pausedFor, err := a.rings.VerifyAfterRejection(c.Request.Context(), ringID, req.StudentID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true, "pausedSeconds": int(pausedFor.Seconds())})
}

func (a *API) handleRingTeacherAction(c *gin.Context) {
	ringID, req, ok := a.parseRingAction(c)
	if !ok {
		return
	}
	if req.Action != string(ring.ActionAccepted) && req.Action != string(ring.ActionRejected) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be accepted or rejected"})
		return
	}
	if err := a.rings.ApplyTeacherAction(c.Request.Context(), ringID, req.StudentID, req.Action); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true})
}

// handleStudentState restores the authoritative session for a reconnecting
// client.
func (a *API) handleStudentState(c *gin.Context) {
	studentID := c.Param("id")
	if !a.authorizedFor(c, studentID) {
		return
	}
	sess, student, err := a.sessions.Restore(c.Request.Context(), studentID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	resp := gin.H{
		"student": gin.H{
			"id":           student.ID,
			"enrollmentNo": student.EnrollmentNo,
			"name":         student.Name,
			"semester":     student.Semester,
			"branch":       student.Branch,
		},
	}
	if sess == nil {
		resp["state"] = string(session.StateIdle)
	} else {
		resp["session"] = sessionResponse(sess)
	}
	c.JSON(http.StatusOK, resp)
}

// authorizedFor allows teachers everywhere and students only on their own
// records.
func (a *API) authorizedFor(c *gin.Context, studentID string) bool {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return false
	}
	if claims.Role == auth.RoleTeacher || claims.Subject == studentID {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "not your record"})
	return false
}

func sessionResponse(s *session.AttendanceSession) gin.H {
	return gin.H{
		"sessionId":        s.ID,
		"studentId":        s.StudentID,
		"enrollmentNo":     s.EnrollmentNo,
		"state":            string(s.State),
		"attendedSeconds":  s.AttendedSeconds,
		"isRunning":        s.Running(),
		"lectureSubject":   s.LectureSubject,
		"lectureRoom":      s.LectureRoom,
		"lectureStartTime": s.LectureStart,
		"lectureEndTime":   s.LectureEnd,
		"sessionStartTime": s.SessionStartTime,
		"day":              s.Day,
	}
}

// writeError maps domain errors to HTTP statuses.
func (a *API) writeError(c *gin.Context, err error) {
	var denied gate.ErrDenied
	switch {
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed", "reason": denied.Reason})
	case errors.Is(err, clocksync.ErrClockTamper):
		c.JSON(http.StatusForbidden, gin.H{"error": "device clock out of sync"})
	case errors.Is(err, session.ErrNotFound), errors.Is(err, ring.ErrTargetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ring.ErrChallengeExpired):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
