package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/engine"
)

// ErrNotConsole is returned by Open for a session attached without a TTY.
var ErrNotConsole = errors.New("session is not a console session")

// StreamSource hands out exclusive ownership of session streams.
type StreamSource interface {
	TakeStream(ctx context.Context, sessionID string) (*engine.Stream, error)
	ReleaseStream(sessionID string, stream *engine.Stream)
	Resize(ctx context.Context, sessionID string, rows, cols uint16) error
}

// Registry keeps one Hub per console session. A hub owns its session's
// stream until the stream ends, after which the stream is released and
// the next Open starts a fresh hub.
type Registry struct {
	source StreamSource
	opts   HubOptions
	logger *zap.Logger

	mu      sync.Mutex
	hubs    map[string]*Hub
	opening map[string]*openCall
}

// openCall is an Open in progress. Later callers for the same session wait
// on done instead of claiming the stream a second time.
type openCall struct {
	done chan struct{}
	hub  *Hub
	err  error
}

// NewRegistry creates a registry over source.
func NewRegistry(source StreamSource, opts HubOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Logger = logger.Named("console")
	return &Registry{
		source:  source,
		opts:    opts,
		logger:  opts.Logger,
		hubs:    make(map[string]*Hub),
		opening: make(map[string]*openCall),
	}
}

// Open returns the running hub for sessionID, claiming the session's
// stream and starting a hub if there is none. The registry lock is not held
// while the stream is claimed, so a slow attach only delays callers for the
// same session.
func (r *Registry) Open(ctx context.Context, sessionID string) (*Hub, error) {
	r.mu.Lock()
	if hub, ok := r.hubs[sessionID]; ok {
		r.mu.Unlock()
		return hub, nil
	}
	if call, ok := r.opening[sessionID]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.hub, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &openCall{done: make(chan struct{})}
	r.opening[sessionID] = call
	r.mu.Unlock()

	stream, err := r.claim(ctx, sessionID)

	r.mu.Lock()
	delete(r.opening, sessionID)
	if err == nil {
		call.hub = NewHub(sessionID, stream, resizerFunc(r.source.Resize), r.opts)
		r.hubs[sessionID] = call.hub
	}
	call.err = err
	r.mu.Unlock()
	close(call.done)

	if err != nil {
		return nil, err
	}
	go call.hub.Run()
	go r.reap(sessionID, call.hub, stream)

	r.logger.Info("Console hub started", zap.String("session_id", sessionID))
	return call.hub, nil
}

func (r *Registry) claim(ctx context.Context, sessionID string) (*engine.Stream, error) {
	stream, err := r.source.TakeStream(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !stream.TTY {
		r.source.ReleaseStream(sessionID, stream)
		return nil, fmt.Errorf("%w: %s", ErrNotConsole, sessionID)
	}
	return stream, nil
}

func (r *Registry) reap(sessionID string, hub *Hub, stream *engine.Stream) {
	<-hub.Done()

	r.mu.Lock()
	if r.hubs[sessionID] == hub {
		delete(r.hubs, sessionID)
	}
	r.mu.Unlock()

	r.source.ReleaseStream(sessionID, stream)
	r.logger.Info("Console hub closed", zap.String("session_id", sessionID))
}

// Close shuts down every hub.
func (r *Registry) Close() {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, hub := range r.hubs {
		hubs = append(hubs, hub)
	}
	r.mu.Unlock()

	for _, hub := range hubs {
		hub.Close()
	}
}

type resizerFunc func(ctx context.Context, sessionID string, rows, cols uint16) error

func (f resizerFunc) Resize(ctx context.Context, sessionID string, rows, cols uint16) error {
	return f(ctx, sessionID, rows, cols)
}
