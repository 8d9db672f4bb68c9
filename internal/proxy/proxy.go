package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/engine"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/protocol"
)

// ErrStopped is returned by Start on a proxy that has already been stopped.
var ErrStopped = errors.New("proxy stopped")

// Peer receives server messages, one JSON document per call.
// Implementations must be safe for use from the proxy's reader goroutine
// while the caller's goroutine also sends.
type Peer interface {
	WriteMessage(data []byte) error
}

// Options configures a Proxy.
type Options struct {
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// Proxy owns one container stream and one peer.
type Proxy struct {
	sessionID string
	stream    *engine.Stream
	peer      Peer
	logger    *zap.Logger
	metrics   *monitoring.Metrics

	mu       sync.Mutex
	state    State
	stopped  bool
	terminal bool
	buf      []byte

	sendMu  sync.Mutex
	writeMu sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a proxy in the Disconnected state. It takes ownership of
// stream: Stop closes it.
func New(sessionID string, stream *engine.Stream, peer Peer, opts Options) *Proxy {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{
		sessionID: sessionID,
		stream:    stream,
		peer:      peer,
		logger:    logger.With(zap.String("session_id", sessionID)),
		metrics:   opts.Metrics,
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the proxy has stopped.
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

// Start attaches to the stream, announces readiness and begins relaying
// output. Calling it on a running proxy logs and does nothing.
func (p *Proxy) Start() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.state != Disconnected {
		p.mu.Unlock()
		p.logger.Info("Proxy already started", zap.Stringer("state", p.State()))
		return nil
	}
	p.transitionLocked(Connecting)
	p.transitionLocked(Attached)
	p.mu.Unlock()

	p.send(protocol.Ready())
	go p.readLoop()
	return nil
}

func (p *Proxy) transitionLocked(next State) {
	if !p.state.canTransition(next) {
		p.logger.Warn("Ignoring invalid proxy transition",
			zap.Stringer("from", p.state),
			zap.Stringer("to", next),
		)
		return
	}
	p.logger.Debug("Proxy state changed", zap.Stringer("from", p.state), zap.Stringer("to", next))
	p.state = next
}

func (p *Proxy) readLoop() {
	frames := p.stream.Frames()
	for {
		batch, err := frames.Next()
		for _, f := range batch {
			p.handleFrame(f)
		}
		if err != nil {
			p.finish(err)
			return
		}
	}
}

func (p *Proxy) handleFrame(f engine.Frame) {
	if p.metrics != nil {
		p.metrics.AddStreamBytes(f.Origin.String(), len(f.Payload))
	}
	if f.Origin == engine.OriginStderr {
		p.logger.Debug("Container stderr", zap.ByteString("data", f.Payload))
		return
	}

	p.mu.Lock()
	if p.state != Attached {
		p.mu.Unlock()
		return
	}
	p.buf = append(p.buf, f.Payload...)
	lines := p.takeLinesLocked()
	p.mu.Unlock()

	for _, line := range lines {
		p.relayLine(line)
	}
}

// takeLinesLocked splits off every complete line and keeps the partial
// tail in the buffer.
func (p *Proxy) takeLinesLocked() [][]byte {
	var lines [][]byte
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i)
		copy(line, p.buf[:i])
		lines = append(lines, line)
		p.buf = p.buf[i+1:]
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return lines
}

func (p *Proxy) relayLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	msgType, err := protocol.ParseAgentLine(line)
	if err != nil {
		var appErr *protocol.ApplicationError
		if errors.As(err, &appErr) {
			p.logger.Warn("Agent message without type", zap.Error(err))
		} else {
			p.logger.Debug("Dropping non-protocol output", zap.String("line", protocol.Sample(line, 120)))
		}
		if p.metrics != nil {
			p.metrics.IncDroppedLines()
		}
		return
	}

	p.write(line, msgType)
}

// finish reports the end of the stream to the peer exactly once, unless
// the proxy was already being stopped.
func (p *Proxy) finish(readErr error) {
	p.mu.Lock()
	if p.state != Attached || p.terminal {
		p.mu.Unlock()
		return
	}
	p.terminal = true
	var tail []byte
	if errors.Is(readErr, io.EOF) {
		tail = p.buf
		p.buf = nil
	}
	p.mu.Unlock()

	switch {
	case errors.Is(readErr, io.EOF):
		if len(tail) > 0 {
			p.relayLine(tail)
		}
		p.logger.Info("Container stream ended")
		p.send(protocol.ResultSuccess())
	case closedLocally(readErr):
		p.logger.Info("Container stream closed by the server")
		p.send(protocol.System("session stopped"))
	default:
		p.logger.Warn("Container stream failed", zap.Error(readErr))
		p.send(protocol.Error(fmt.Sprintf("container stream error: %v", readErr)))
	}
	p.Stop()
}

// SendToContainer writes msg to the container as one NDJSON line. When the
// proxy is not attached the message is logged and dropped.
func (p *Proxy) SendToContainer(msg any) error {
	line, err := protocol.MarshalLine(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return p.writeLine(line)
}

func (p *Proxy) writeLine(line []byte) error {
	if p.State() != Attached {
		p.logger.Warn("Not attached, dropping message for container")
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stream.Write(line); err != nil {
		if closedLocally(err) {
			p.logger.Debug("Stream closed while writing", zap.Error(err))
			return nil
		}
		p.logger.Warn("Failed to write to container", zap.Error(err))
		return fmt.Errorf("write to container: %w", err)
	}
	return nil
}

func closedLocally(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// HandleClientMessage dispatches one message from the peer. Problems are
// reported to the peer or logged; they never end the connection.
func (p *Proxy) HandleClientMessage(raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		var appErr *protocol.ApplicationError
		if errors.As(err, &appErr) {
			p.logger.Warn("Ignoring client message", zap.Error(err))
			p.recordIn("invalid")
			return
		}
		p.logger.Warn("Unparsable client message",
			zap.Error(err),
			zap.String("sample", protocol.Sample(raw, 64)),
		)
		p.recordIn("malformed")
		p.send(protocol.Error("invalid message"))
		return
	}
	p.recordIn(msg.Type)

	switch msg.Type {
	case protocol.TypePing:
		p.send(protocol.Pong())
	case protocol.TypePrompt, protocol.TypeInterrupt:
		// Forwarded as the peer wrote it; only whitespace is dropped.
		line, err := protocol.CompactLine(raw)
		if err != nil {
			p.send(protocol.Error("invalid message"))
			return
		}
		if err := p.writeLine(line); err != nil {
			p.send(protocol.Error("failed to deliver message"))
		}
	}
}

// Stop closes the stream and clears the buffer. It is safe to call any
// number of times.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.state != Disconnected {
		p.transitionLocked(Closing)
	}
	p.mu.Unlock()

	if err := p.stream.Close(); err != nil {
		p.logger.Debug("Closing stream failed", zap.Error(err))
	}

	p.mu.Lock()
	p.buf = nil
	if p.state == Closing {
		p.transitionLocked(Disconnected)
	}
	p.mu.Unlock()

	p.doneOnce.Do(func() { close(p.done) })
	p.logger.Debug("Proxy stopped")
}

func (p *Proxy) send(msg protocol.ServerMessage) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		p.logger.Error("Failed to encode server message", zap.Error(err))
		return
	}
	p.write(data, msg.Type)
}

func (p *Proxy) write(data []byte, msgType string) {
	p.sendMu.Lock()
	err := p.peer.WriteMessage(data)
	p.sendMu.Unlock()

	if err != nil {
		p.logger.Debug("Peer write failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.RecordWSMessage("out", msgType)
	}
}

func (p *Proxy) recordIn(msgType string) {
	if p.metrics != nil {
		p.metrics.RecordWSMessage("in", msgType)
	}
}
