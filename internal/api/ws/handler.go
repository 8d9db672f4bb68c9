package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/AgentOS/sandbox/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/domain/terminal"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/engine"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/protocol"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/proxy"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/shared/id"
)

const (
	modeStructured = "structured"
	modeConsole    = "console"

	// DefaultPingInterval is how often the server pings idle peers.
	DefaultPingInterval = 30 * time.Second
)

// Streams hands out exclusive ownership of structured session streams.
type Streams interface {
	TakeStream(ctx context.Context, sessionID string) (*engine.Stream, error)
	ReleaseStream(sessionID string, stream *engine.Stream)
}

// Hubs opens the shared console hub of a session.
type Hubs interface {
	Open(ctx context.Context, sessionID string) (*terminal.Hub, error)
}

// Options configures a Handler.
type Options struct {
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
	PingInterval   time.Duration
	Logger         *zap.Logger
	Metrics        *monitoring.Metrics
}

// Handler serves the structured and console WebSocket endpoints.
type Handler struct {
	streams  Streams
	hubs     Hubs
	upgrader websocket.Upgrader
	ping     time.Duration
	logger   *zap.Logger
	metrics  *monitoring.Metrics
}

// NewHandler creates a new WebSocket handler
func NewHandler(streams Streams, hubs Hubs, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ws")
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	return &Handler{
		streams: streams,
		hubs:    hubs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins, logger),
		},
		ping:    opts.PingInterval,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Register mounts the WebSocket routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/ws/sessions/:id", h.HandleSession)
	r.GET("/ws/console/:id", h.HandleConsole)
}

// HandleSession relays a structured session between its container and
// one WebSocket peer. The session's stream is claimed before upgrading so
// lookup failures surface as HTTP errors.
func (h *Handler) HandleSession(c *gin.Context) {
	sessionID, ok := h.sessionParam(c)
	if !ok {
		return
	}

	stream, err := h.streams.TakeStream(c.Request.Context(), sessionID)
	if err != nil {
		h.reject(c, sessionID, err)
		return
	}
	if stream.TTY {
		h.streams.ReleaseStream(sessionID, stream)
		c.JSON(http.StatusConflict, gin.H{"error": "console session, connect to /ws/console/" + sessionID})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.streams.ReleaseStream(sessionID, stream)
		h.logger.Warn("WebSocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	peer := newConn(ws)
	logger := h.logger.With(zap.String("session_id", sessionID), zap.String("mode", modeStructured))
	h.opened(modeStructured)
	defer h.closed(modeStructured)

	p := proxy.New(sessionID, stream, peer, proxy.Options{Logger: logger, Metrics: h.metrics})
	defer h.streams.ReleaseStream(sessionID, stream)
	defer p.Stop()

	if err := p.Start(); err != nil {
		logger.Warn("Proxy start failed", zap.Error(err))
		peer.close(websocket.CloseInternalServerErr, "proxy unavailable")
		return
	}
	logger.Info("Structured client connected")

	done := make(chan struct{})
	defer close(done)
	go peer.pingLoop(h.ping, done, logger)
	go func() {
		select {
		case <-p.Done():
			peer.close(websocket.CloseNormalClosure, "session ended")
		case <-done:
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			logReadEnd(logger, err)
			break
		}
		p.HandleClientMessage(raw)
	}
	_ = ws.Close()
}

// HandleConsole attaches one viewer to the session's console hub: a
// snapshot first, then live output. Input and resize frames are applied
// to the container's TTY.
func (h *Handler) HandleConsole(c *gin.Context) {
	sessionID, ok := h.sessionParam(c)
	if !ok {
		return
	}

	hub, err := h.hubs.Open(c.Request.Context(), sessionID)
	if err != nil {
		h.reject(c, sessionID, err)
		return
	}

	clientID := id.NewClientID().String()
	snap, sub, err := hub.Subscribe(clientID)
	if err != nil {
		h.reject(c, sessionID, err)
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.Unsubscribe(clientID)
		h.logger.Warn("WebSocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	peer := newConn(ws)
	logger := h.logger.With(
		zap.String("session_id", sessionID),
		zap.String("mode", modeConsole),
		zap.String("client_id", clientID),
	)
	h.opened(modeConsole)
	defer h.closed(modeConsole)
	defer hub.Unsubscribe(clientID)

	logger.Info("Console client connected", zap.Int("snapshot_bytes", len(snap.Data)))
	if err := h.sendConsole(peer, protocol.NewSnapshot(snap.Data, snap.Rows, snap.Cols), logger); err != nil {
		logger.Debug("Snapshot write failed", zap.Error(err))
		_ = ws.Close()
		return
	}

	done := make(chan struct{})
	defer close(done)
	go peer.pingLoop(h.ping, done, logger)
	go h.pumpOutput(peer, hub, sub, logger)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			logReadEnd(logger, err)
			break
		}
		if !h.handleConsoleFrame(c.Request.Context(), peer, hub, clientID, raw, logger) {
			break
		}
	}
	_ = ws.Close()
}

// pumpOutput forwards hub output until the subscription ends, then
// closes the socket: normally when the session ended, with 1013 when the
// viewer fell too far behind.
func (h *Handler) pumpOutput(peer *conn, hub *terminal.Hub, sub *terminal.Subscription, logger *zap.Logger) {
	for chunk := range sub.C {
		if err := h.sendConsole(peer, protocol.NewOutput(chunk), logger); err != nil {
			logger.Debug("Output write failed", zap.Error(err))
			_ = peer.ws.Close()
			return
		}
	}

	select {
	case <-hub.Done():
		peer.close(websocket.CloseNormalClosure, "session ended")
	default:
		peer.close(websocket.CloseTryAgainLater, "viewer too slow")
	}
}

func (h *Handler) sendConsole(peer *conn, msg protocol.ConsoleMessage, logger *zap.Logger) error {
	if data, _ := msg.DataString(); len(data) > protocol.MaxEncodedPayload {
		logger.Warn("Console frame exceeds client limit",
			zap.String("type", msg.Type),
			zap.Int("encoded_bytes", len(data)),
		)
	}
	if err := peer.writeJSON(msg); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.RecordConsoleFrame(msg.Type)
		h.metrics.RecordWSMessage("out", msg.Type)
	}
	return nil
}

// handleConsoleFrame applies one viewer frame. It returns false when the
// hub is gone and the connection should end.
func (h *Handler) handleConsoleFrame(ctx context.Context, peer *conn, hub *terminal.Hub, clientID string, raw []byte, logger *zap.Logger) bool {
	msg, err := protocol.ParseConsoleMessage(raw)
	if err != nil {
		logger.Warn("Ignoring console frame", zap.Error(err), zap.String("sample", protocol.Sample(raw, 64)))
		h.recordIn("invalid")
		return true
	}
	h.recordIn(msg.Type)

	switch msg.Type {
	case protocol.ConsoleInput:
		data, _ := msg.DataString()
		p, err := protocol.DecodeBase64(data)
		if err != nil {
			logger.Warn("Invalid console input", zap.Error(err))
			return true
		}
		if err := hub.Input(clientID, p); err != nil {
			return h.consoleFailure(peer, err, "input failed", logger)
		}
	case protocol.ConsoleResize:
		applied, err := hub.Resize(ctx, clientID, msg.Rows, msg.Cols)
		if err != nil {
			return h.consoleFailure(peer, err, "resize failed", logger)
		}
		if applied {
			logger.Debug("Console resized", zap.Uint16("rows", msg.Rows), zap.Uint16("cols", msg.Cols))
		}
	default:
		logger.Debug("Ignoring server-only console frame", zap.String("type", msg.Type))
	}
	return true
}

func (h *Handler) consoleFailure(peer *conn, err error, message string, logger *zap.Logger) bool {
	if errors.Is(err, terminal.ErrHubClosed) || errors.Is(err, terminal.ErrNotViewer) {
		return false
	}
	logger.Warn("Console operation failed", zap.String("op", message), zap.Error(err))
	_ = h.sendConsole(peer, protocol.NewConsoleError(message), logger)
	return true
}

func (h *Handler) sessionParam(c *gin.Context) (string, bool) {
	sessionID := c.Param("id")
	if !id.ValidSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return "", false
	}
	return sessionID, true
}

func (h *Handler) reject(c *gin.Context, sessionID string, err error) {
	status := apihttp.StatusFor(err)
	h.logger.Info("WebSocket rejected",
		zap.String("session_id", sessionID),
		zap.Int("status", status),
		zap.Error(err),
	)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) opened(mode string) {
	if h.metrics != nil {
		h.metrics.IncWSConnections(mode)
	}
}

func (h *Handler) closed(mode string) {
	if h.metrics != nil {
		h.metrics.DecWSConnections(mode)
	}
}

func (h *Handler) recordIn(msgType string) {
	if h.metrics != nil {
		h.metrics.RecordWSMessage("in", msgType)
	}
}

func logReadEnd(logger *zap.Logger, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Info("Client disconnected")
		return
	}
	logger.Debug("WebSocket read ended", zap.Error(err))
}
