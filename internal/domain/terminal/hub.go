package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/engine"
)

var (
	ErrHubClosed     = errors.New("console hub closed")
	ErrAlreadyViewer = errors.New("client already subscribed")
	ErrNotViewer     = errors.New("client is not subscribed")
)

const (
	DefaultRows       uint16 = 24
	DefaultCols       uint16 = 80
	DefaultScrollback        = 256 * 1024
	defaultBacklog           = 256
)

// Resizer applies TTY dimensions to a session's container.
type Resizer interface {
	Resize(ctx context.Context, sessionID string, rows, cols uint16) error
}

// HubOptions configures a Hub.
type HubOptions struct {
	ScrollbackSize int
	// Backlog is the number of output chunks a viewer may fall behind
	// before it is disconnected.
	Backlog int
	// Rows and Cols are reported in snapshots until the first resize.
	Rows   uint16
	Cols   uint16
	Logger *zap.Logger
}

// Snapshot is the state a new viewer starts from.
type Snapshot struct {
	Data []byte
	Rows uint16
	Cols uint16
}

// Subscription delivers live output to one viewer. C is closed when the
// hub ends or the viewer is dropped.
type Subscription struct {
	ClientID string
	C        <-chan []byte

	ch chan []byte
}

// Hub fans one console stream out to any number of viewers and funnels
// their input back. It keeps a scrollback so late joiners see recent
// output, and tracks which viewer may resize the TTY.
type Hub struct {
	sessionID string
	stream    *engine.Stream
	resizer   Resizer
	scroll    *Scrollback
	backlog   int
	logger    *zap.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	active string
	rows   uint16
	cols   uint16
	closed bool

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a hub over a TTY stream. Run must be called to start
// relaying output.
func NewHub(sessionID string, stream *engine.Stream, resizer Resizer, opts HubOptions) *Hub {
	if opts.ScrollbackSize <= 0 {
		opts.ScrollbackSize = DefaultScrollback
	}
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	if opts.Rows == 0 || opts.Cols == 0 {
		opts.Rows, opts.Cols = DefaultRows, DefaultCols
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessionID: sessionID,
		stream:    stream,
		resizer:   resizer,
		scroll:    NewScrollback(opts.ScrollbackSize),
		backlog:   opts.Backlog,
		logger:    logger.With(zap.String("session_id", sessionID)),
		subs:      make(map[string]*Subscription),
		rows:      opts.Rows,
		cols:      opts.Cols,
		done:      make(chan struct{}),
	}
}

// Run reads the stream until it ends, then closes the hub.
func (h *Hub) Run() {
	defer h.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := h.stream.Read(buf)
		if n > 0 {
			h.broadcast(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !h.isClosed() {
				h.logger.Warn("Console stream failed", zap.Error(err))
			} else {
				h.logger.Info("Console stream ended")
			}
			return
		}
	}
}

func (h *Hub) broadcast(p []byte) {
	chunk := make([]byte, len(p))
	copy(chunk, p)

	// Holding mu across the scrollback write and fan-out keeps snapshots
	// and live output consistent for a viewer joining concurrently.
	h.mu.Lock()
	defer h.mu.Unlock()

	_, _ = h.scroll.Write(chunk)
	for id, sub := range h.subs {
		select {
		case sub.ch <- chunk:
		default:
			h.logger.Warn("Dropping slow console viewer", zap.String("client_id", id))
			h.dropLocked(id)
		}
	}
}

// Subscribe registers a viewer and returns the scrollback together with a
// subscription. No output is lost or repeated between the two.
func (h *Hub) Subscribe(clientID string) (Snapshot, *Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return Snapshot{}, nil, ErrHubClosed
	}
	if _, ok := h.subs[clientID]; ok {
		return Snapshot{}, nil, fmt.Errorf("%w: %s", ErrAlreadyViewer, clientID)
	}

	ch := make(chan []byte, h.backlog)
	sub := &Subscription{ClientID: clientID, C: ch, ch: ch}
	h.subs[clientID] = sub

	h.logger.Debug("Console viewer joined", zap.String("client_id", clientID), zap.Int("viewers", len(h.subs)))
	return Snapshot{Data: h.scroll.Bytes(), Rows: h.rows, Cols: h.cols}, sub, nil
}

// Unsubscribe removes a viewer. Unknown IDs are ignored.
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(clientID)
}

func (h *Hub) dropLocked(clientID string) {
	sub, ok := h.subs[clientID]
	if !ok {
		return
	}
	delete(h.subs, clientID)
	close(sub.ch)
	if h.active == clientID {
		h.active = ""
	}
}

// Input writes keystrokes to the container and makes clientID the active
// viewer.
func (h *Hub) Input(clientID string, data []byte) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if _, ok := h.subs[clientID]; !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotViewer, clientID)
	}
	h.active = clientID
	h.mu.Unlock()

	if len(data) == 0 {
		return nil
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.stream.Write(data); err != nil {
		return fmt.Errorf("write console input: %w", err)
	}
	return nil
}

// Resize applies new dimensions when clientID is the active viewer, or
// when no viewer is active, in which case clientID becomes active. It
// reports whether the resize was applied.
func (h *Hub) Resize(ctx context.Context, clientID string, rows, cols uint16) (bool, error) {
	if rows == 0 || cols == 0 {
		return false, fmt.Errorf("invalid terminal size %dx%d", rows, cols)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false, ErrHubClosed
	}
	if _, ok := h.subs[clientID]; !ok {
		h.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotViewer, clientID)
	}
	if h.active != "" && h.active != clientID {
		h.mu.Unlock()
		h.logger.Debug("Ignoring resize from inactive viewer", zap.String("client_id", clientID))
		return false, nil
	}
	h.active = clientID
	h.mu.Unlock()

	if err := h.resizer.Resize(ctx, h.sessionID, rows, cols); err != nil {
		return false, err
	}

	h.mu.Lock()
	h.rows, h.cols = rows, cols
	h.mu.Unlock()
	return true, nil
}

// Active returns the ID of the viewer allowed to resize, if any.
func (h *Hub) Active() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Viewers returns the number of subscribed viewers.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription and closes the stream.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		// Done closes before subscriptions end, so a viewer whose channel
		// closed can tell a finished session from being dropped.
		close(h.done)
		for id := range h.subs {
			h.dropLocked(id)
		}
		h.mu.Unlock()

		if err := h.stream.Close(); err != nil {
			h.logger.Debug("Closing console stream failed", zap.Error(err))
		}
	})
}

// Done is closed once the hub has closed.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
