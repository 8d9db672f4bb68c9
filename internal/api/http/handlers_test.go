package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/engine"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/protocol"
)

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Create(ctx context.Context, cfg session.ContainerConfig) (session.Attachment, error) {
	args := m.Called(ctx, cfg)
	return args.Get(0).(session.Attachment), args.Error(1)
}

func (m *mockSessions) Get(ctx context.Context, sessionID string) (session.Session, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(session.Session), args.Error(1)
}

func (m *mockSessions) List(ctx context.Context) []session.Session {
	return m.Called(ctx).Get(0).([]session.Session)
}

func (m *mockSessions) Exec(ctx context.Context, sessionID string, cmd []string) (engine.ExecResult, error) {
	args := m.Called(ctx, sessionID, cmd)
	return args.Get(0).(engine.ExecResult), args.Error(1)
}

func (m *mockSessions) Stop(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *mockSessions) Counts() map[session.Status]int {
	return m.Called().Get(0).(map[session.Status]int)
}

type fakeProbe struct {
	err   error
	state resilience.State
}

func (f fakeProbe) Ping(context.Context) error { return f.err }
func (f fakeProbe) BreakerState() resilience.State { return f.state }

func setupRouter(t *testing.T, probe EngineProbe) (*gin.Engine, *mockSessions) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sessions := &mockSessions{}
	t.Cleanup(func() { sessions.AssertExpectations(t) })

	router := gin.New()
	var ready *ReadinessHandler
	if probe != nil {
		ready = NewReadinessHandler(probe, time.Second, nil)
	}
	Register(router, NewHandlers(sessions, nil), ready, nil)
	return router, sessions
}

func do(t *testing.T, router *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, protocol.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealth(t *testing.T) {
	router, sessions := setupRouter(t, nil)
	sessions.On("Counts").Return(map[session.Status]int{
		session.StatusRunning: 2,
		session.StatusStopped: 1,
	})

	w, body := do(t, router, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	counts := body["sessions"].(map[string]any)
	assert.EqualValues(t, 3, counts["total"])
	assert.EqualValues(t, 2, counts["by_status"].(map[string]any)["running"])
}

func TestCreateSession(t *testing.T) {
	router, sessions := setupRouter(t, nil)
	created := session.Session{ID: "s1", ContainerID: "c1", Status: session.StatusRunning, Mode: session.ModeConsole, TTY: true}
	sessions.On("Create", mock.Anything, mock.MatchedBy(func(cfg session.ContainerConfig) bool {
		return cfg.SessionID == "s1" && cfg.TTY && cfg.Secrets["API_KEY"] == "k"
	})).Return(session.Attachment{Session: created, ContainerID: "c1"}, nil)

	w, body := do(t, router, "POST", "/sessions", `{"session_id":"s1","tty":true,"secrets":{"API_KEY":"k"}}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "/ws/console/s1", body["websocket"])
	assert.Equal(t, "s1", body["session"].(map[string]any)["id"])
	assert.NotContains(t, w.Body.String(), `"k"`)
}

func TestCreateSessionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid config", fmt.Errorf("%w: no image", session.ErrInvalidConfig), http.StatusBadRequest},
		{"duplicate", fmt.Errorf("%w: s1", session.ErrSessionExists), http.StatusConflict},
		{"breaker open", resilience.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"timeout", &engine.ConnectionError{Op: "attach", Err: engine.ErrTimeout}, http.StatusGatewayTimeout},
		{"engine failure", errors.New("engine exploded"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, sessions := setupRouter(t, nil)
			sessions.On("Create", mock.Anything, mock.Anything).Return(session.Attachment{}, tt.err)

			w, body := do(t, router, "POST", "/sessions", `{"session_id":"s1"}`)
			assert.Equal(t, tt.want, w.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestCreateSessionBadBody(t *testing.T) {
	router, _ := setupRouter(t, nil)
	w, body := do(t, router, "POST", "/sessions", `{"session_id":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "invalid request body")
}

func TestListSessions(t *testing.T) {
	router, sessions := setupRouter(t, nil)
	sessions.On("List", mock.Anything).Return([]session.Session{
		{ID: "a", Status: session.StatusRunning, Mode: session.ModeStructured},
		{ID: "b", Status: session.StatusStopped, Mode: session.ModeConsole},
	})

	w, body := do(t, router, "GET", "/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])
	list := body["sessions"].([]any)
	assert.Equal(t, "a", list[0].(map[string]any)["id"])
	assert.Equal(t, "stopped", list[1].(map[string]any)["status"])
}

func TestGetSession(t *testing.T) {
	router, sessions := setupRouter(t, nil)
	sessions.On("Get", mock.Anything, "s1").Return(session.Session{ID: "s1", Status: session.StatusRunning}, nil)
	sessions.On("Get", mock.Anything, "nope").Return(session.Session{}, fmt.Errorf("%w: nope", session.ErrSessionNotFound))

	w, body := do(t, router, "GET", "/sessions/s1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", body["session"].(map[string]any)["status"])

	w, _ = do(t, router, "GET", "/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidSessionID(t *testing.T) {
	router, _ := setupRouter(t, nil)
	w, body := do(t, router, "GET", "/sessions/bad%20id", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid session id", body["error"])
}

func TestExecSession(t *testing.T) {
	router, sessions := setupRouter(t, nil)
	sessions.On("Exec", mock.Anything, "s1", []string{"git", "status"}).
		Return(engine.ExecResult{Output: "clean\n", Stdout: "clean\n"}, nil)
	sessions.On("Exec", mock.Anything, "s2", []string{"ls"}).
		Return(engine.ExecResult{}, fmt.Errorf("%w: s2", session.ErrSessionTerminated))

	w, body := do(t, router, "POST", "/sessions/s1/exec", `{"cmd":["git","status"]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "clean\n", body["output"])
	assert.Equal(t, false, body["timed_out"])

	w, _ = do(t, router, "POST", "/sessions/s2/exec", `{"cmd":["ls"]}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = do(t, router, "POST", "/sessions/s1/exec", `{"cmd":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopSession(t *testing.T) {
	router, sessions := setupRouter(t, nil)
	sessions.On("Stop", mock.Anything, "s1").Return(nil)

	w, body := do(t, router, "DELETE", "/sessions/s1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
}

func TestReady(t *testing.T) {
	router, _ := setupRouter(t, fakeProbe{state: resilience.StateClosed})
	w, body := do(t, router, "GET", "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", body["engine"].(map[string]any)["breaker"])

	router, _ = setupRouter(t, fakeProbe{err: errors.New("dial unix: no such file"), state: resilience.StateOpen})
	w, body = do(t, router, "GET", "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "open", body["engine"].(map[string]any)["breaker"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusFor(&session.TransitionError{From: session.StatusPending, To: session.StatusRunning}))
	assert.Equal(t, http.StatusConflict, StatusFor(session.ErrStreamClaimed))
	assert.Equal(t, http.StatusConflict, StatusFor(session.ErrNotTTY))
	assert.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("get: %w", session.ErrSessionNotFound)))
}
