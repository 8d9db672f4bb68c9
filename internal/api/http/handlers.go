package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/domain/terminal"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/engine"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/shared/id"
)

// Sessions is the session lifecycle the handlers expose.
type Sessions interface {
	Create(ctx context.Context, cfg session.ContainerConfig) (session.Attachment, error)
	Get(ctx context.Context, sessionID string) (session.Session, error)
	List(ctx context.Context) []session.Session
	Exec(ctx context.Context, sessionID string, cmd []string) (engine.ExecResult, error)
	Stop(ctx context.Context, sessionID string) error
	Counts() map[session.Status]int
}

// Handlers contains the session REST handlers.
type Handlers struct {
	sessions Sessions
	logger   *zap.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(sessions Sessions, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{sessions: sessions, logger: logger.Named("http")}
}

// ExecRequest is the body of POST /sessions/:id/exec.
type ExecRequest struct {
	Cmd []string `json:"cmd" binding:"required,min=1"`
}

// Health reports liveness and session counts.
func (h *Handlers) Health(c *gin.Context) {
	counts := h.sessions.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"service":  "sandbox",
		"sessions": gin.H{"total": total, "by_status": counts},
	})
}

// CreateSession creates a sandbox container for a new session. The
// attached stream stays parked until a WebSocket claims it.
func (h *Handlers) CreateSession(c *gin.Context) {
	var cfg session.ContainerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	att, err := h.sessions.Create(c.Request.Context(), cfg)
	if err != nil {
		h.fail(c, "create", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session":   att.Session,
		"websocket": wsPath(att.Session),
	})
}

// ListSessions lists every known session.
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.sessions.List(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns one session refreshed from the engine.
func (h *Handlers) GetSession(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	sess, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		h.fail(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// ExecSession runs a command in the session's container.
func (h *Handlers) ExecSession(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	res, err := h.sessions.Exec(c.Request.Context(), sessionID, req.Cmd)
	if err != nil {
		h.fail(c, "exec", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"output":     res.Output,
		"stdout":     res.Stdout,
		"stderr":     res.Stderr,
		"timed_out":  res.TimedOut,
	})
}

// StopSession stops and removes the session's container.
func (h *Handlers) StopSession(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	if err := h.sessions.Stop(c.Request.Context(), sessionID); err != nil {
		h.fail(c, "stop", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"session_id": sessionID,
	})
}

func sessionParam(c *gin.Context) (string, bool) {
	sessionID := c.Param("id")
	if !id.ValidSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return "", false
	}
	return sessionID, true
}

func wsPath(s session.Session) string {
	if s.Mode == session.ModeConsole {
		return "/ws/console/" + s.ID
	}
	return "/ws/sessions/" + s.ID
}

func (h *Handlers) fail(c *gin.Context, op string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Session operation failed", zap.String("op", op), zap.Error(err))
	} else {
		h.logger.Debug("Session operation rejected", zap.String("op", op), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// StatusFor maps session and engine errors onto HTTP status codes.
func StatusFor(err error) int {
	var transition *session.TransitionError
	switch {
	case errors.Is(err, session.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionExists),
		errors.Is(err, session.ErrSessionTerminated),
		errors.Is(err, session.ErrStreamClaimed),
		errors.Is(err, session.ErrNotTTY),
		errors.Is(err, terminal.ErrNotConsole),
		errors.As(err, &transition):
		return http.StatusConflict
	case errors.Is(err, terminal.ErrHubClosed):
		return http.StatusGone
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
