package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/engine"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/shared/id"
)

// Label marks containers owned by this service; its value is the session ID.
const Label = "sandbox.session"

// InstanceLabel names the manager that created a container, so containers
// left behind by an earlier server process can be told apart.
const InstanceLabel = "sandbox.instance"

// Engine is the subset of the container engine the manager drives.
type Engine interface {
	CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	Attach(ctx context.Context, id string, tty bool) (*engine.Stream, error)
	Exec(ctx context.Context, id string, cmd []string) (engine.ExecResult, error)
	ResizeContainer(ctx context.Context, id string, rows, cols uint16) error
	InspectContainer(ctx context.Context, id string) (engine.ContainerInfo, error)
	ListContainers(ctx context.Context, label string) ([]engine.ContainerInfo, error)
}

// Options configures a Manager.
type Options struct {
	Image          string
	NamePrefix     string
	MemoryLimit    string
	CPUShares      int64
	StopGrace      time.Duration
	CleanupTimeout time.Duration
	FingerprintKey []byte
	Logger         *zap.Logger
	Metrics        *monitoring.Metrics
	Now            func() time.Time
}

// entry holds a session and its parked stream, if any.
type entry struct {
	session Session
	stream  *engine.Stream
	claimed bool
}

// Manager creates, tracks and tears down one sandbox container per
// session. It is safe for concurrent use; engine calls are made without
// holding the lock.
type Manager struct {
	engine      Engine
	opts        Options
	logger      *zap.Logger
	metrics     *monitoring.Metrics
	fingerprint *Fingerprinter
	instance    string

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewManager creates a manager over eng.
func NewManager(eng Engine, opts Options) (*Manager, error) {
	if opts.NamePrefix == "" {
		opts.NamePrefix = "sandbox-"
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fp, err := NewFingerprinter(opts.FingerprintKey)
	if err != nil {
		return nil, err
	}

	return &Manager{
		engine:      eng,
		opts:        opts,
		logger:      logger.Named("session"),
		metrics:     opts.Metrics,
		fingerprint: fp,
		instance:    uuid.NewString(),
		sessions:    make(map[string]*entry),
	}, nil
}

// Instance returns the random ID stamped on every container this manager
// creates.
func (m *Manager) Instance() string {
	return m.instance
}

// Create validates cfg, creates and starts the container and attaches to
// its stdio. Any failure after the container exists removes it again and
// leaves the session in the error state.
func (m *Manager) Create(ctx context.Context, cfg ContainerConfig) (Attachment, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = id.NewSessionID().String()
	}
	if !id.ValidSessionID(cfg.SessionID) {
		return Attachment{}, fmt.Errorf("%w: session id %q", ErrInvalidConfig, cfg.SessionID)
	}

	spec, err := m.containerSpec(cfg)
	if err != nil {
		return Attachment{}, err
	}

	mode := ModeFor(cfg.TTY)
	if err := m.reserve(cfg.SessionID, mode, cfg.TTY); err != nil {
		m.recordCreate(mode, "rejected")
		return Attachment{}, err
	}

	logger := m.logger.With(zap.String("session_id", cfg.SessionID))
	logger.Info("Creating session",
		zap.String("image", spec.Image),
		zap.String("mode", string(mode)),
		zap.String("memory", humanize.IBytes(uint64(spec.Memory))),
		zap.Int64("cpu_shares", spec.CPUShares),
		zap.Strings("secret_names", sortedKeys(cfg.Secrets)),
		zap.String("secrets_fingerprint", m.fingerprint.Fingerprint(cfg.Secrets)),
	)

	if err := m.transition(cfg.SessionID, StatusStarting, ""); err != nil {
		m.recordCreate(mode, "aborted")
		return Attachment{}, err
	}

	containerID, err := m.engine.CreateContainer(ctx, spec)
	if err != nil {
		m.fail(cfg.SessionID, err)
		m.recordCreate(mode, "failed")
		return Attachment{}, fmt.Errorf("create container: %w", err)
	}
	if err := m.setContainer(cfg.SessionID, containerID); err != nil {
		m.cleanup(ctx, containerID, nil)
		m.recordCreate(mode, "aborted")
		return Attachment{}, err
	}

	if err := m.engine.StartContainer(ctx, containerID); err != nil {
		m.cleanup(ctx, containerID, nil)
		m.fail(cfg.SessionID, err)
		m.recordCreate(mode, "failed")
		return Attachment{}, fmt.Errorf("start container: %w", err)
	}

	stream, err := m.engine.Attach(ctx, containerID, cfg.TTY)
	if err != nil {
		m.cleanup(ctx, containerID, nil)
		m.fail(cfg.SessionID, err)
		m.recordCreate(mode, "failed")
		return Attachment{}, fmt.Errorf("attach container: %w", err)
	}

	sess, err := m.attach(cfg.SessionID, stream)
	if err != nil {
		m.cleanup(ctx, containerID, stream)
		m.recordCreate(mode, "aborted")
		return Attachment{}, err
	}

	logger.Info("Session running", zap.String("container_id", containerID))
	m.recordCreate(mode, "success")
	return Attachment{Session: sess, ContainerID: containerID, Stream: stream}, nil
}

func (m *Manager) containerSpec(cfg ContainerConfig) (engine.ContainerSpec, error) {
	limit := cfg.MemoryLimit
	if limit == "" {
		limit = m.opts.MemoryLimit
	}
	memory := engine.DefaultMemoryLimit
	if limit != "" {
		parsed, err := engine.ParseMemoryLimit(limit)
		if err == nil {
			memory = parsed
		} else {
			m.logger.Warn("Unparsable memory limit, using default",
				zap.String("session_id", cfg.SessionID),
				zap.String("memory_limit", limit),
				zap.String("default", humanize.IBytes(uint64(memory))),
				zap.Error(err),
			)
		}
	}

	shares := cfg.CPUShares
	if shares < 0 {
		return engine.ContainerSpec{}, fmt.Errorf("%w: cpu shares %d", ErrInvalidConfig, shares)
	}
	if shares == 0 {
		shares = m.opts.CPUShares
	}
	if shares <= 0 {
		shares = engine.DefaultCPUShares
	}

	image := cfg.Image
	if image == "" {
		image = m.opts.Image
	}
	if image == "" {
		return engine.ContainerSpec{}, fmt.Errorf("%w: no image", ErrInvalidConfig)
	}

	env, err := buildEnv(cfg)
	if err != nil {
		return engine.ContainerSpec{}, err
	}

	labels := map[string]string{
		Label:          cfg.SessionID,
		InstanceLabel:  m.instance,
		"sandbox.mode": string(ModeFor(cfg.TTY)),
	}

	return engine.ContainerSpec{
		Name:      m.opts.NamePrefix + cfg.SessionID,
		Image:     image,
		Cmd:       cfg.Cmd,
		Env:       env,
		Labels:    labels,
		TTY:       cfg.TTY,
		Memory:    memory,
		CPUShares: shares,
	}, nil
}

// reserve registers a pending session. A terminated session with the same
// ID is replaced; a live one is a conflict.
func (m *Manager) reserve(sessionID string, mode Mode, tty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[sessionID]; ok && !existing.session.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	now := m.opts.Now()
	m.sessions[sessionID] = &entry{session: Session{
		ID:        sessionID,
		Status:    StatusPending,
		Mode:      mode,
		TTY:       tty,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	m.updateActiveLocked()
	return nil
}

func (m *Manager) transition(sessionID string, to Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(sessionID, to, reason)
}

func (m *Manager) transitionLocked(sessionID string, to Status, reason string) error {
	e, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	from := e.session.Status
	if !from.CanTransition(to) {
		if from.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrSessionTerminated, sessionID, from)
		}
		return &TransitionError{From: from, To: to}
	}

	e.session.Status = to
	e.session.UpdatedAt = m.opts.Now()
	if reason != "" {
		e.session.Error = reason
	}
	m.updateActiveLocked()

	m.logger.Debug("Session state changed",
		zap.String("session_id", sessionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (m *Manager) setContainer(sessionID, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if e.session.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionTerminated, sessionID)
	}
	e.session.ContainerID = containerID
	return nil
}

func (m *Manager) attach(sessionID string, stream *engine.Stream) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(sessionID, StatusRunning, ""); err != nil {
		return Session{}, err
	}
	e := m.sessions[sessionID]
	e.stream = stream
	e.claimed = false
	return e.session, nil
}

func (m *Manager) fail(sessionID string, cause error) {
	if err := m.transition(sessionID, StatusError, cause.Error()); err != nil {
		m.logger.Debug("Session already terminal", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.logger.Error("Session failed", zap.String("session_id", sessionID), zap.Error(cause))
}

// cleanup removes a container best-effort, detached from ctx so a
// cancelled request still releases it.
func (m *Manager) cleanup(ctx context.Context, containerID string, stream *engine.Stream) {
	if stream != nil {
		_ = stream.Close()
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CleanupTimeout)
	defer cancel()

	if err := m.engine.RemoveContainer(cctx, containerID); err != nil {
		m.logger.Warn("Failed to remove container", zap.String("container_id", containerID), zap.Error(err))
	}
}

// TakeStream hands the session's stream to exactly one owner. The stream
// from Create is handed out first; once an owner has released it, the
// next caller gets a fresh attach.
func (m *Manager) TakeStream(ctx context.Context, sessionID string) (*engine.Stream, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if e.session.Status.Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminated, sessionID)
	}
	if e.session.Status != StatusRunning {
		m.mu.Unlock()
		return nil, &TransitionError{From: e.session.Status, To: StatusRunning}
	}
	if e.claimed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStreamClaimed, sessionID)
	}
	e.claimed = true
	if e.stream != nil {
		stream := e.stream
		m.mu.Unlock()
		return stream, nil
	}
	containerID, tty := e.session.ContainerID, e.session.TTY
	m.mu.Unlock()

	stream, err := m.engine.Attach(ctx, containerID, tty)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		e.claimed = false
		return nil, fmt.Errorf("reattach container: %w", err)
	}
	if e.session.Status.Terminal() {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminated, sessionID)
	}
	e.stream = stream
	return stream, nil
}

// ReleaseStream returns ownership after the owner is done with stream.
// The stream is closed; the session stays running.
func (m *Manager) ReleaseStream(sessionID string, stream *engine.Stream) {
	if stream != nil {
		_ = stream.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok || e.stream != stream {
		return
	}
	e.stream = nil
	e.claimed = false
}

// Exec runs cmd inside the session's container.
func (m *Manager) Exec(ctx context.Context, sessionID string, cmd []string) (engine.ExecResult, error) {
	if len(cmd) == 0 {
		return engine.ExecResult{}, fmt.Errorf("%w: empty command", ErrInvalidConfig)
	}
	containerID, _, err := m.running(sessionID)
	if err != nil {
		return engine.ExecResult{}, err
	}
	return m.engine.Exec(ctx, containerID, cmd)
}

// Resize sets the TTY dimensions of a console session.
func (m *Manager) Resize(ctx context.Context, sessionID string, rows, cols uint16) error {
	containerID, tty, err := m.running(sessionID)
	if err != nil {
		return err
	}
	if !tty {
		return fmt.Errorf("%w: %s", ErrNotTTY, sessionID)
	}
	return m.engine.ResizeContainer(ctx, containerID, rows, cols)
}

func (m *Manager) running(sessionID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if e.session.Status.Terminal() {
		return "", false, fmt.Errorf("%w: %s", ErrSessionTerminated, sessionID)
	}
	if e.session.Status != StatusRunning {
		return "", false, &TransitionError{From: e.session.Status, To: StatusRunning}
	}
	return e.session.ContainerID, e.session.TTY, nil
}

// Stop tears the session down. The stream is closed, which ends any owner,
// and the container is stopped and removed best-effort. Stopping a
// terminated session is a no-op.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if e.session.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	if err := m.transitionLocked(sessionID, StatusStopped, ""); err != nil {
		m.mu.Unlock()
		return err
	}
	stream := e.stream
	e.stream = nil
	e.claimed = false
	containerID := e.session.ContainerID
	m.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			m.logger.Debug("Closing stream failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if containerID != "" {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CleanupTimeout)
		defer cancel()

		if err := m.engine.StopContainer(cctx, containerID, m.opts.StopGrace); err != nil && !errors.Is(err, engine.ErrNotFound) {
			m.logger.Warn("Failed to stop container", zap.String("container_id", containerID), zap.Error(err))
		}
		if err := m.engine.RemoveContainer(cctx, containerID); err != nil && !errors.Is(err, engine.ErrNotFound) {
			m.logger.Warn("Failed to remove container", zap.String("container_id", containerID), zap.Error(err))
		}
	}

	if m.metrics != nil {
		m.metrics.IncSessionsStopped()
	}
	m.logger.Info("Session stopped", zap.String("session_id", sessionID), zap.String("container_id", containerID))
	return nil
}

// Get returns a session, refreshed from the engine when it is live. A
// container the engine reports as gone or dead terminates the session.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	var sess Session
	if ok {
		sess = e.session
	}
	m.mu.RUnlock()

	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.Status.Terminal() || sess.ContainerID == "" {
		return sess, nil
	}

	info, err := m.engine.InspectContainer(ctx, sess.ContainerID)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return m.reconcile(sessionID, StatusStopped, "container no longer exists"), nil
	case err != nil:
		m.logger.Warn("Inspect failed, returning last known state",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return sess, nil
	}
	return m.reconcile(sessionID, MapEngineStatus(info.Status), ""), nil
}

// List returns every known session ordered by creation time, refreshing
// live ones from a single engine listing.
func (m *Manager) List(ctx context.Context) []Session {
	containers, err := m.engine.ListContainers(ctx, Label)
	if err != nil {
		m.logger.Warn("List failed, returning last known states", zap.Error(err))
	}
	byID := make(map[string]engine.ContainerInfo, len(containers))
	for _, c := range containers {
		byID[c.ID] = c
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for sid := range m.sessions {
		ids = append(ids, sid)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(ids))
	for _, sid := range ids {
		m.mu.RLock()
		e, ok := m.sessions[sid]
		var sess Session
		if ok {
			sess = e.session
		}
		m.mu.RUnlock()
		if !ok {
			continue
		}

		if err == nil && !sess.Status.Terminal() && sess.ContainerID != "" {
			if info, found := byID[sess.ContainerID]; found {
				sess = m.reconcile(sid, MapEngineStatus(info.Status), "")
			} else if sess.Status == StatusRunning {
				sess = m.reconcile(sid, StatusStopped, "container no longer exists")
			}
		}
		out = append(out, sess)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// reconcile applies an engine-observed state. Local terminal states win;
// only moves to a terminal state are taken from the engine, since the
// local lifecycle drives everything else.
func (m *Manager) reconcile(sessionID string, observed Status, reason string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return Session{ID: sessionID, Status: StatusStopped}
	}
	if observed.Terminal() && e.session.Status.CanTransition(observed) {
		if reason == "" {
			reason = "container " + string(observed)
		}
		_ = m.transitionLocked(sessionID, observed, reason)
		if e.stream != nil {
			_ = e.stream.Close()
			e.stream = nil
		}
		e.claimed = false
	}
	return e.session
}

// Counts returns the number of sessions per status.
func (m *Manager) Counts() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range m.sessions {
		counts[e.session.Status]++
	}
	return counts
}

// Shutdown stops every live session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	var live []string
	for sid, e := range m.sessions {
		if !e.session.Status.Terminal() {
			live = append(live, sid)
		}
	}
	m.mu.RUnlock()

	for _, sid := range live {
		if err := m.Stop(ctx, sid); err != nil {
			m.logger.Warn("Stop during shutdown failed", zap.String("session_id", sid), zap.Error(err))
		}
	}
}

func (m *Manager) updateActiveLocked() {
	if m.metrics == nil {
		return
	}
	active := 0
	for _, e := range m.sessions {
		if e.session.Status.Active() {
			active++
		}
	}
	m.metrics.SetSessionsActive(active)
}

func (m *Manager) recordCreate(mode Mode, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordSessionCreated(string(mode), outcome)
	}
}
