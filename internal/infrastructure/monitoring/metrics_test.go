package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesAreIsolated(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.IncSessionsStopped()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.SessionsStopped))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.SessionsStopped))
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := NewMetrics()

	router := gin.New()
	router.Use(Middleware(metrics))
	router.GET("/sessions/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, id := range []string{"a", "b", "c"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/"+id, nil))
		require.Equal(t, http.StatusNoContent, w.Code)
	}

	got := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("GET", "/sessions/:id", "204"))
	assert.Equal(t, float64(3), got)
}

func TestTimerRecordsStatus(t *testing.T) {
	metrics := NewMetrics()

	NewTimer(metrics, "attach").Stop(nil)
	NewTimer(metrics, "attach").Stop(errors.New("refused"))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EngineCalls.WithLabelValues("attach", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EngineCalls.WithLabelValues("attach", "error")))
}

func TestTimerWithoutMetrics(t *testing.T) {
	assert.NotPanics(t, func() {
		NewTimer(nil, "exec").Stop(nil)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.SetSessionsActive(3)

	w := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sandbox_sessions_active 3")
}
