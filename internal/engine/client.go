package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/protocol"
)

// baseURL is a placeholder host; every connection goes to the socket.
const baseURL = "http://docker"

var unmarshal = protocol.Unmarshal

// Options configures a Client.
type Options struct {
	Socket            string
	APITimeout        time.Duration
	AttachTimeout     time.Duration
	ExecCreateTimeout time.Duration
	ExecTimeout       time.Duration

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Breaker *resilience.Breaker
}

// DefaultOptions returns the recommended timeouts for a local engine.
func DefaultOptions(socket string) Options {
	return Options{
		Socket:            socket,
		APITimeout:        30 * time.Second,
		AttachTimeout:     5 * time.Second,
		ExecCreateTimeout: 10 * time.Second,
		ExecTimeout:       30 * time.Second,
	}
}

// Client talks to the container engine over its Unix control socket.
// Lifecycle calls go through resty, idempotent reads through a retrying
// client, and attach/exec use one-shot raw connections that are never
// retried. All of them share one circuit breaker.
type Client struct {
	Breaker *resilience.Breaker

	opts    Options
	rest    *resty.Client
	reads   *retryablehttp.Client
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// New creates a Client for the socket in opts.
func New(opts Options) *Client {
	defaults := DefaultOptions(opts.Socket)
	if opts.APITimeout <= 0 {
		opts.APITimeout = defaults.APITimeout
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = defaults.AttachTimeout
	}
	if opts.ExecCreateTimeout <= 0 {
		opts.ExecCreateTimeout = defaults.ExecCreateTimeout
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = defaults.ExecTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("engine")

	c := &Client{
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
	}

	transport := &http.Transport{
		DialContext:        c.dialContext,
		MaxIdleConns:       16,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: true,
	}

	c.rest = resty.New().
		SetTransport(transport).
		SetBaseURL(baseURL).
		SetTimeout(opts.APITimeout).
		SetHeader("User-Agent", "sandbox-engine/1.0").
		SetLogger(logger.Sugar()).
		SetJSONMarshaler(protocol.Marshal).
		SetJSONUnmarshaler(protocol.Unmarshal)

	reads := retryablehttp.NewClient()
	reads.HTTPClient = &http.Client{Transport: transport, Timeout: opts.APITimeout}
	reads.RetryMax = 2
	reads.RetryWaitMin = 50 * time.Millisecond
	reads.RetryWaitMax = 500 * time.Millisecond
	reads.ErrorHandler = retryablehttp.PassthroughErrorHandler
	reads.Logger = retryLogger{logger.Sugar()}
	c.reads = reads

	c.Breaker = opts.Breaker
	if c.Breaker == nil {
		c.Breaker = resilience.New("engine", resilience.Settings{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsFailure:     IsEngineFailure,
			OnStateChange: c.onBreakerChange,
		})
	}

	return c
}

// BreakerState returns the current engine breaker state.
func (c *Client) BreakerState() resilience.State {
	return c.Breaker.State()
}

func (c *Client) onBreakerChange(name string, from, to resilience.State) {
	c.logger.Warn("Engine circuit breaker changed state",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if c.metrics != nil {
		c.metrics.SetBreakerState(int(to))
	}
}

func (c *Client) dialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", c.opts.Socket)
}

// call runs fn through the breaker and records timing.
func (c *Client) call(op string, fn func() error) error {
	_, err := do(c, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func do[T any](c *Client, op string, fn func() (T, error)) (T, error) {
	timer := monitoring.NewTimer(c.metrics, op)
	result, err := resilience.Do(c.Breaker, fn)
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		err = &ConnectionError{Op: op, Err: err}
	}
	timer.Stop(err)
	if err != nil {
		c.logger.Debug("Engine call failed", zap.String("op", op), zap.Error(err))
	}
	return result, err
}

// send issues a lifecycle request and returns the body of an accepted
// response.
func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, body any, accept ...int) ([]byte, error) {
	req := c.rest.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, connError(op, err)
	}
	for _, code := range accept {
		if resp.StatusCode() == code {
			return resp.Body(), nil
		}
	}
	return nil, &StatusError{Op: op, StatusCode: resp.StatusCode(), Message: errorMessage(resp.Body())}
}

// get issues an idempotent read, retried on transport errors and 5xx.
func (c *Client) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	target := baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("engine %s: build request: %w", op, err)
	}

	resp, err := c.reads.Do(req)
	if err != nil {
		return nil, connError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, connError(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

// ContainerSpec describes a sandbox container to create.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	Labels     map[string]string
	WorkingDir string
	TTY        bool
	Memory     int64
	CPUShares  int64
}

type createRequest struct {
	Image        string            `json:"Image"`
	Cmd          []string          `json:"Cmd,omitempty"`
	Env          []string          `json:"Env,omitempty"`
	Labels       map[string]string `json:"Labels,omitempty"`
	WorkingDir   string            `json:"WorkingDir,omitempty"`
	Tty          bool              `json:"Tty"`
	OpenStdin    bool              `json:"OpenStdin"`
	StdinOnce    bool              `json:"StdinOnce"`
	AttachStdin  bool              `json:"AttachStdin"`
	AttachStdout bool              `json:"AttachStdout"`
	AttachStderr bool              `json:"AttachStderr"`
	HostConfig   hostConfig        `json:"HostConfig"`
}

type hostConfig struct {
	Memory    int64 `json:"Memory,omitempty"`
	CPUShares int64 `json:"CpuShares,omitempty"`
}

// CreateContainer creates a container with stdin held open for attach.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	const op = "create"
	return do(c, op, func() (string, error) {
		query := url.Values{}
		if spec.Name != "" {
			query.Set("name", spec.Name)
		}
		body := createRequest{
			Image:        spec.Image,
			Cmd:          spec.Cmd,
			Env:          spec.Env,
			Labels:       spec.Labels,
			WorkingDir:   spec.WorkingDir,
			Tty:          spec.TTY,
			OpenStdin:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			HostConfig:   hostConfig{Memory: spec.Memory, CPUShares: spec.CPUShares},
		}

		data, err := c.send(ctx, op, http.MethodPost, "/containers/create", query, body, http.StatusCreated)
		if err != nil {
			return "", err
		}

		var created struct {
			ID       string   `json:"Id"`
			Warnings []string `json:"Warnings"`
		}
		if err := unmarshal(data, &created); err != nil || created.ID == "" {
			return "", &ProtocolError{Op: op, Reason: "create response has no Id", Sample: data, Err: err}
		}
		for _, w := range created.Warnings {
			c.logger.Warn("Engine warning on create", zap.String("container", created.ID), zap.String("warning", w))
		}
		return created.ID, nil
	})
}

// StartContainer starts a created container. Starting a running container
// is not an error.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	const op = "start"
	return c.call(op, func() error {
		_, err := c.send(ctx, op, http.MethodPost, "/containers/"+url.PathEscape(id)+"/start", nil, nil,
			http.StatusNoContent, http.StatusNotModified)
		return err
	})
}

// StopContainer asks the container to stop, killing it after grace.
func (c *Client) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	const op = "stop"
	return c.call(op, func() error {
		query := url.Values{"t": {strconv.Itoa(int(grace.Seconds()))}}
		_, err := c.send(ctx, op, http.MethodPost, "/containers/"+url.PathEscape(id)+"/stop", query, nil,
			http.StatusNoContent, http.StatusNotModified)
		return err
	})
}

// RemoveContainer force-removes the container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	const op = "remove"
	return c.call(op, func() error {
		query := url.Values{"force": {"1"}, "v": {"1"}}
		_, err := c.send(ctx, op, http.MethodDelete, "/containers/"+url.PathEscape(id), query, nil,
			http.StatusNoContent)
		return err
	})
}

// ResizeContainer sets the TTY dimensions of a container.
func (c *Client) ResizeContainer(ctx context.Context, id string, rows, cols uint16) error {
	const op = "resize"
	return c.call(op, func() error {
		query := url.Values{
			"h": {strconv.Itoa(int(rows))},
			"w": {strconv.Itoa(int(cols))},
		}
		_, err := c.send(ctx, op, http.MethodPost, "/containers/"+url.PathEscape(id)+"/resize", query, nil,
			http.StatusOK)
		return err
	})
}

// ContainerInfo is the part of an inspect or list result the service uses.
type ContainerInfo struct {
	ID       string
	Name     string
	Status   string
	Running  bool
	ExitCode int
	TTY      bool
	Labels   map[string]string
}

type inspectResponse struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status   string `json:"Status"`
		Running  bool   `json:"Running"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
	Config struct {
		Tty    bool              `json:"Tty"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

// InspectContainer returns the engine's view of one container.
func (c *Client) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	const op = "inspect"
	return do(c, op, func() (ContainerInfo, error) {
		data, err := c.get(ctx, op, "/containers/"+url.PathEscape(id)+"/json", nil)
		if err != nil {
			return ContainerInfo{}, err
		}
		var raw inspectResponse
		if err := unmarshal(data, &raw); err != nil {
			return ContainerInfo{}, &ProtocolError{Op: op, Reason: "unparsable inspect body", Sample: data, Err: err}
		}
		return ContainerInfo{
			ID:       raw.ID,
			Name:     trimName(raw.Name),
			Status:   raw.State.Status,
			Running:  raw.State.Running,
			ExitCode: raw.State.ExitCode,
			TTY:      raw.Config.Tty,
			Labels:   raw.Config.Labels,
		}, nil
	})
}

type listEntry struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	State  string            `json:"State"`
	Labels map[string]string `json:"Labels"`
}

// ListContainers returns every container, running or not, carrying label.
func (c *Client) ListContainers(ctx context.Context, label string) ([]ContainerInfo, error) {
	const op = "list"
	return do(c, op, func() ([]ContainerInfo, error) {
		query := url.Values{"all": {"1"}}
		if label != "" {
			filters, err := protocol.Marshal(map[string][]string{"label": {label}})
			if err != nil {
				return nil, err
			}
			query.Set("filters", string(filters))
		}

		data, err := c.get(ctx, op, "/containers/json", query)
		if err != nil {
			return nil, err
		}
		var entries []listEntry
		if err := unmarshal(data, &entries); err != nil {
			return nil, &ProtocolError{Op: op, Reason: "unparsable list body", Sample: data, Err: err}
		}

		infos := make([]ContainerInfo, 0, len(entries))
		for _, e := range entries {
			info := ContainerInfo{ID: e.ID, Status: e.State, Running: e.State == "running", Labels: e.Labels}
			if len(e.Names) > 0 {
				info.Name = trimName(e.Names[0])
			}
			infos = append(infos, info)
		}
		return infos, nil
	})
}

// Ping checks that the engine answers on its socket.
func (c *Client) Ping(ctx context.Context) error {
	const op = "ping"
	return c.call(op, func() error {
		_, err := c.get(ctx, op, "/_ping", nil)
		return err
	})
}

func trimName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

// retryLogger routes retryablehttp's leveled logging into zap.
type retryLogger struct {
	s *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
