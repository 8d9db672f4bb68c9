package console

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/protocol"
)

const consolePath = "/ws/console/"

var errDataNotString = errors.New("data is not a string")

// Options configures a Client.
type Options struct {
	// Endpoint is the WebSocket base URL, for example ws://host:8080.
	Endpoint string
	// Origin is the HTTP origin the endpoint is derived from when
	// Endpoint is empty.
	Origin string
	Header http.Header
	Dialer *websocket.Dialer

	PingInterval   time.Duration
	ReconnectDelay time.Duration
	// MaxReconnects bounds attempts after one abnormal close. Zero means
	// the default; negative disables reconnecting.
	MaxReconnects int
	ErrorLimit    int
	ErrorWindow   time.Duration

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Now     func() time.Time
}

// DefaultOptions returns the client defaults for origin.
func DefaultOptions(origin string) Options {
	return Options{
		Origin:         origin,
		PingInterval:   30 * time.Second,
		ReconnectDelay: 2 * time.Second,
		MaxReconnects:  1,
		ErrorLimit:     5,
		ErrorWindow:    time.Second,
	}
}

// DisconnectEvent describes the end of a connection.
type DisconnectEvent struct {
	SessionID string
	Code      int
	Reason    string
	// Intentional is true for Disconnect and for normal or going-away
	// closes, none of which trigger a reconnect.
	Intentional bool
}

// Client is the viewer side of a console session. It turns base64 frames
// into text, sends keystrokes and resizes, and reconnects once after an
// abnormal close.
type Client struct {
	opts     Options
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	throttle *throttle

	connected    Bus[string]
	disconnected Bus[DisconnectEvent]
	data         Bus[string]
	errs         Bus[error]

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	decoder   *utf8Stream
	gen       uint64
	life      context.Context
	cancel    context.CancelFunc

	writeMu sync.Mutex
}

// NewClient creates a disconnected client.
func NewClient(opts Options) *Client {
	defaults := DefaultOptions(opts.Origin)
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaults.ReconnectDelay
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = defaults.MaxReconnects
	}
	if opts.ErrorLimit <= 0 {
		opts.ErrorLimit = defaults.ErrorLimit
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = defaults.ErrorWindow
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		opts:     opts,
		logger:   logger.Named("console"),
		metrics:  opts.Metrics,
		throttle: newThrottle(opts.ErrorLimit, opts.ErrorWindow, opts.Now),
	}
}

// OnConnected registers fn for successful connections, including
// reconnects. The returned func unsubscribes.
func (c *Client) OnConnected(fn func(sessionID string)) func() {
	return c.connected.Subscribe(fn)
}

// OnDisconnected registers fn for closed connections.
func (c *Client) OnDisconnected(fn func(DisconnectEvent)) func() {
	return c.disconnected.Subscribe(fn)
}

// OnData registers fn for decoded terminal text. An empty string is a
// heartbeat.
func (c *Client) OnData(fn func(text string)) func() {
	return c.data.Subscribe(fn)
}

// OnError registers fn for throttled connection and decode errors.
func (c *Client) OnError(fn func(error)) func() {
	return c.errs.Subscribe(fn)
}

// Connect opens a connection to sessionID's console, closing any current
// connection first.
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	if c.Connected() {
		c.Disconnect()
	} else {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
			c.cancel, c.life = nil, nil
		}
		c.mu.Unlock()
	}

	conn, err := c.dial(ctx, sessionID)
	if err != nil {
		return err
	}

	life, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.life = life
	c.cancel = cancel
	c.mu.Unlock()

	c.attach(life, sessionID, conn)
	return nil
}

func (c *Client) dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	endpoint, err := c.Endpoint(sessionID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, endpoint, c.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// attach installs conn as the current connection unless life has been
// cancelled meanwhile.
func (c *Client) attach(life context.Context, sessionID string, conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.life != life || life.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.sessionID = sessionID
	c.decoder = newUTF8Stream()
	c.mu.Unlock()

	c.throttle.reset()

	c.logger.Info("Console connected", zap.String("session_id", sessionID))
	c.connected.Publish(sessionID)

	connCtx, connCancel := context.WithCancel(life)
	go c.readLoop(life, connCancel, gen, conn)
	go c.pingLoop(connCtx, conn)
	return true
}

// Endpoint returns the WebSocket URL for sessionID.
func (c *Client) Endpoint(sessionID string) (string, error) {
	base := c.opts.Endpoint
	if base == "" {
		if c.opts.Origin == "" {
			return "", errors.New("console: no endpoint or origin configured")
		}
		u, err := url.Parse(c.opts.Origin)
		if err != nil {
			return "", fmt.Errorf("console: parse origin: %w", err)
		}
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		case "ws", "wss":
		default:
			return "", fmt.Errorf("console: unsupported origin scheme %q", u.Scheme)
		}
		u.Path, u.RawQuery, u.Fragment = "", "", ""
		base = u.String()
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("console: parse endpoint: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + consolePath + url.PathEscape(sessionID)
	return u.String(), nil
}

func (c *Client) readLoop(life context.Context, connCancel context.CancelFunc, gen uint64, conn *websocket.Conn) {
	defer connCancel()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(life, gen, conn, err)
			return
		}
		c.handleFrame(gen, raw)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Console ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) handleClose(life context.Context, gen uint64, conn *websocket.Conn, readErr error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	sessionID := c.sessionID
	c.conn = nil
	c.decoder = nil
	c.mu.Unlock()
	_ = conn.Close()

	event := DisconnectEvent{SessionID: sessionID, Code: websocket.CloseAbnormalClosure}
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) {
		event.Code = closeErr.Code
		event.Reason = closeErr.Text
	}
	event.Intentional = event.Code == websocket.CloseNormalClosure || event.Code == websocket.CloseGoingAway

	c.logger.Info("Console disconnected",
		zap.String("session_id", sessionID),
		zap.Int("code", event.Code),
		zap.String("reason", event.Reason),
	)
	c.disconnected.Publish(event)

	if !event.Intentional && c.opts.MaxReconnects > 0 {
		go c.reconnect(life, sessionID)
	}
}

// reconnect retries with a fixed delay until it succeeds, runs out of
// attempts or life is cancelled by Disconnect.
func (c *Client) reconnect(life context.Context, sessionID string) {
	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.logger.Info("Reconnecting console", zap.String("session_id", sessionID), zap.Int("attempt", attempt))
		conn, err := c.dial(life, sessionID)
		if err == nil {
			c.attach(life, sessionID, conn)
			return
		}
		if life.Err() != nil {
			return
		}
		c.reportError(fmt.Errorf("reconnect attempt %d: %w", attempt, err))
	}
	c.logger.Warn("Console reconnect gave up", zap.String("session_id", sessionID))
}

func (c *Client) handleFrame(gen uint64, raw []byte) {
	msg, err := protocol.ParseConsoleMessage(raw)
	if err != nil {
		var appErr *protocol.ApplicationError
		if errors.As(err, &appErr) {
			c.logger.Warn("Ignoring console message", zap.Error(err))
			return
		}
		c.reportError(&DecodeError{Kind: "json", Sample: protocol.Sample(raw, 64), Err: err})
		return
	}
	if c.metrics != nil {
		c.metrics.RecordConsoleFrame(msg.Type)
	}

	switch msg.Type {
	case protocol.ConsoleSnapshot, protocol.ConsoleOutput:
		c.handleData(gen, msg)
	case protocol.ConsoleError:
		c.reportError(&ServerError{Message: msg.Message})
	default:
		c.logger.Debug("Ignoring console message", zap.String("type", msg.Type))
	}
}

// handleData runs the inbound pipeline. Each stage drops the frame on
// failure; only a fully validated payload reaches the decoder.
func (c *Client) handleData(gen uint64, msg protocol.ConsoleMessage) {
	s, ok := msg.DataString()
	if !ok {
		c.reportError(&DecodeError{Kind: "type", Err: errDataNotString})
		return
	}
	if s == "" {
		c.data.Publish("")
		return
	}

	if err := protocol.ValidateBase64(s); err != nil {
		kind := "base64"
		if errors.Is(err, protocol.ErrPayloadTooLarge) {
			kind = "size"
		}
		c.reportError(&DecodeError{Kind: kind, Sample: protocol.Sample([]byte(s), 32), Err: err})
		return
	}
	p, err := protocol.DecodeBase64(s)
	if err != nil {
		c.reportError(&DecodeError{Kind: "base64", Sample: protocol.Sample([]byte(s), 32), Err: err})
		return
	}

	c.mu.Lock()
	dec := c.decoder
	current := c.gen == gen
	c.mu.Unlock()
	if !current || dec == nil {
		return
	}

	if text := dec.Decode(p); text != "" {
		c.data.Publish(text)
	}
}

func (c *Client) reportError(err error) {
	var decErr *DecodeError
	if errors.As(err, &decErr) && c.metrics != nil {
		c.metrics.RecordDecodeError(decErr.Kind)
	}

	emit, notice := c.throttle.observe()
	switch {
	case emit:
		c.logger.Warn("Console error", zap.Error(err))
		c.errs.Publish(err)
	case notice:
		c.logger.Warn("Console errors throttled", zap.Int("limit", c.opts.ErrorLimit), zap.Duration("window", c.opts.ErrorWindow))
		c.errs.Publish(ErrThrottled)
	}
}

// Write sends text typed by the user.
func (c *Client) Write(text string) error {
	return c.send(protocol.NewInput(sanitizeUTF8(text)))
}

// Resize asks the server to resize the TTY.
func (c *Client) Resize(rows, cols uint16) error {
	return c.send(protocol.NewResize(rows, cols))
}

func (c *Client) send(msg protocol.ConsoleMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Disconnect closes the connection, cancels any pending reconnect and
// resets per-connection state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	sessionID := c.sessionID
	cancel := c.cancel
	c.conn = nil
	c.sessionID = ""
	c.decoder = nil
	c.life = nil
	c.cancel = nil
	c.gen++
	c.mu.Unlock()

	c.throttle.reset()
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()

	c.logger.Info("Console disconnected", zap.String("session_id", sessionID))
	c.disconnected.Publish(DisconnectEvent{
		SessionID:   sessionID,
		Code:        websocket.CloseNormalClosure,
		Intentional: true,
	})
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SessionID returns the session of the open connection, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.sessionID
}

// ErrorCount returns the errors counted in the current throttle window.
func (c *Client) ErrorCount() int {
	return c.throttle.errors()
}
