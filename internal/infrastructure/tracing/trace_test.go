package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(t *testing.T) (*Tracer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	tracer := New("sandbox", zap.New(core), Options{SlowThreshold: time.Hour})
	t.Cleanup(tracer.Close)
	return tracer, logs
}

func waitFor(t *testing.T, logs *observer.ObservedLogs, message string) observer.LoggedEntry {
	t.Helper()
	require.Eventually(t, func() bool {
		return logs.FilterMessage(message).Len() > 0
	}, 2*time.Second, 10*time.Millisecond)
	return logs.FilterMessage(message).All()[0]
}

func TestStartSpanInheritsTrace(t *testing.T) {
	tracer, _ := observed(t)

	parent, ctx := tracer.StartSpan(context.Background(), "parent")
	child, childCtx := tracer.StartSpan(ctx, "child")

	assert.NotEmpty(t, parent.TraceID)
	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)
	assert.NotEqual(t, parent.SpanID, child.SpanID)
	assert.Equal(t, child.SpanID, GetSpanID(childCtx))
}

func TestSubmitLogsByOutcome(t *testing.T) {
	tracer, logs := observed(t)

	span, _ := tracer.StartSpan(context.Background(), "POST /sessions")
	span.SetStatus(http.StatusBadGateway)
	span.SetError(errors.New("engine down"))
	span.Finish()
	tracer.Submit(span)

	entry := waitFor(t, logs, "Span failed")
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "POST /sessions", entry.ContextMap()["operation"])
}

func TestSubmitAfterCloseIsDropped(t *testing.T) {
	tracer, logs := observed(t)
	tracer.Close()
	tracer.Close()

	span, _ := tracer.StartSpan(context.Background(), "late")
	span.Finish()
	tracer.Submit(span)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, logs.Len())
}

func TestHTTPMiddlewarePropagatesTrace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer, logs := observed(t)

	router := gin.New()
	router.Use(HTTPMiddleware(tracer))
	var seen TraceID
	router.GET("/sessions/:id", func(c *gin.Context) {
		seen = GetTraceID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/sessions/s1", nil)
	req.Header.Set(TraceHeader, "trace-abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, TraceID("trace-abc"), seen)
	assert.Equal(t, "trace-abc", w.Header().Get(TraceHeader))
	assert.NotEmpty(t, w.Header().Get(SpanHeader))

	entry := waitFor(t, logs, "Span completed")
	assert.Equal(t, "s1", entry.ContextMap()["session_id"])
	assert.Equal(t, "GET /sessions/:id", entry.ContextMap()["operation"])
}
