package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/resilience"
)

// EngineProbe reports whether the container engine is reachable.
type EngineProbe interface {
	Ping(ctx context.Context) error
	BreakerState() resilience.State
}

// ReadinessHandler answers GET /ready by pinging the engine.
type ReadinessHandler struct {
	probe   EngineProbe
	timeout time.Duration
	logger  *zap.Logger
}

// NewReadinessHandler creates a readiness handler over probe.
func NewReadinessHandler(probe EngineProbe, timeout time.Duration, logger *zap.Logger) *ReadinessHandler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadinessHandler{probe: probe, timeout: timeout, logger: logger.Named("http")}
}

// Ready reports 200 when the engine answers and 503 otherwise.
func (r *ReadinessHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
	defer cancel()

	breaker := r.probe.BreakerState().String()
	if err := r.probe.Ping(ctx); err != nil {
		r.logger.Warn("Engine not ready", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"engine": gin.H{"reachable": false, "breaker": breaker},
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"engine": gin.H{"reachable": true, "breaker": breaker},
	})
}

// Register mounts the session routes on r. createLimit, when non-nil,
// guards session creation only.
func Register(r gin.IRouter, h *Handlers, ready *ReadinessHandler, createLimit gin.HandlerFunc) {
	r.GET("/health", h.Health)
	if ready != nil {
		r.GET("/ready", ready.Ready)
	}

	create := []gin.HandlerFunc{h.CreateSession}
	if createLimit != nil {
		create = append([]gin.HandlerFunc{createLimit}, create...)
	}
	r.POST("/sessions", create...)
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.POST("/sessions/:id/exec", h.ExecSession)
	r.DELETE("/sessions/:id", h.StopSession)
}
