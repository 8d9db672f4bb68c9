package ws

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/protocol"
)

const writeWait = 10 * time.Second

// conn serializes writes to a gorilla connection, which allows only one
// concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

// WriteMessage sends one text frame.
func (c *conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) writeJSON(v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close sends a close frame and closes the socket.
func (c *conn) close(code int, reason string) {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.mu.Unlock()
	_ = c.ws.Close()
}

// pingLoop keeps the connection alive until done is closed.
func (c *conn) pingLoop(interval time.Duration, done <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

// originChecker allows requests without an Origin header and those whose
// origin matches one of allowed. Entries may be "*" or contain a single
// wildcard, as in "https://*.example.com". An empty list allows all.
func originChecker(allowed []string, logger *zap.Logger) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, pattern := range allowed {
			if pattern == "*" || pattern == origin || matchWildcardOrigin(origin, pattern) {
				return true
			}
		}
		logger.Warn("WebSocket origin rejected", zap.String("origin", origin), zap.Strings("allowed", allowed))
		return false
	}
}

func matchWildcardOrigin(origin, pattern string) bool {
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if !ok || len(origin) < len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}
