package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/protocol"
)

// aLongTimeAgo unblocks pending I/O when a context is cancelled.
var aLongTimeAgo = time.Unix(1, 0)

// rawConn is a one-shot control socket connection with a hard deadline.
// Cancelling ctx aborts any I/O in flight until release is called.
type rawConn struct {
	net.Conn
	release func() bool
}

func (c *Client) dialRaw(ctx context.Context, op string, timeout time.Duration) (*rawConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dialContext(dialCtx, "unix", c.opts.Socket)
	if err != nil {
		return nil, connError(op, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	release := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	return &rawConn{Conn: conn, release: release}, nil
}

// roundTrip writes req and parses the response head. The caller owns conn.
func roundTrip(ctx context.Context, op string, conn net.Conn, req *http.Request) (*response, error) {
	if err := req.Write(conn); err != nil {
		return nil, transportError(ctx, op, err)
	}
	resp, err := readResponse(op, bufio.NewReader(conn), req)
	if err != nil && ctx.Err() != nil {
		return nil, &ConnectionError{Op: op, Err: ctx.Err()}
	}
	return resp, err
}

func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return &ConnectionError{Op: op, Err: ctx.Err()}
	}
	return connError(op, err)
}

func newRawRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func setUpgrade(req *http.Request) {
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "tcp")
}

// Attach opens the raw duplex stdio stream of a container. Output bytes
// that arrive in the same read as the response head are replayed first.
// The call fails with a ConnectionError wrapping ErrTimeout if the engine
// has not upgraded the connection within the attach timeout.
func (c *Client) Attach(ctx context.Context, containerID string, tty bool) (*Stream, error) {
	const op = "attach"
	return do(c, op, func() (*Stream, error) {
		conn, err := c.dialRaw(ctx, op, c.opts.AttachTimeout)
		if err != nil {
			return nil, err
		}
		defer conn.release()

		path := "/containers/" + url.PathEscape(containerID) + "/attach?stream=1&stdin=1&stdout=1&stderr=1"
		req, err := newRawRequest(ctx, http.MethodPost, path, nil)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("engine %s: build request: %w", op, err)
		}
		setUpgrade(req)

		resp, err := roundTrip(ctx, op, conn, req)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if !resp.upgraded() {
			err := resp.statusError(op)
			conn.Close()
			return nil, err
		}

		if !conn.release() && ctx.Err() != nil {
			conn.Close()
			return nil, &ConnectionError{Op: op, Err: ctx.Err()}
		}
		_ = conn.SetDeadline(time.Time{})

		c.logger.Debug("Attached to container",
			zap.String("container", containerID),
			zap.Int("status", resp.status),
			zap.Int("replayed_bytes", resp.reader.Buffered()),
			zap.Bool("tty", tty),
		)
		return newStream(containerID, tty, &hijackedConn{Conn: conn.Conn, r: resp.reader}), nil
	})
}

// ExecResult is the collected output of a command run in a container.
type ExecResult struct {
	// Output holds stdout and stderr interleaved in arrival order.
	Output   string
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Exec runs cmd in a running container and collects its output until the
// command exits. If the exec timeout expires first, the output gathered so
// far is returned with TimedOut set and a nil error.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error) {
	const op = "exec"
	return do(c, op, func() (ExecResult, error) {
		execID, err := c.execCreate(ctx, containerID, cmd)
		if err != nil {
			return ExecResult{}, err
		}
		return c.execStart(ctx, containerID, execID)
	})
}

func (c *Client) execCreate(ctx context.Context, containerID string, cmd []string) (string, error) {
	const op = "exec-create"

	body, err := protocol.Marshal(map[string]any{
		"Cmd":          cmd,
		"AttachStdout": true,
		"AttachStderr": true,
	})
	if err != nil {
		return "", fmt.Errorf("engine %s: encode body: %w", op, err)
	}

	conn, err := c.dialRaw(ctx, op, c.opts.ExecCreateTimeout)
	if err != nil {
		return "", err
	}
	defer conn.release()
	defer conn.Close()

	req, err := newRawRequest(ctx, http.MethodPost, "/containers/"+url.PathEscape(containerID)+"/exec", body)
	if err != nil {
		return "", fmt.Errorf("engine %s: build request: %w", op, err)
	}

	resp, err := roundTrip(ctx, op, conn, req)
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusCreated && resp.status != http.StatusOK {
		return "", resp.statusError(op)
	}

	data, err := resp.readBody(op)
	if err != nil {
		return "", err
	}
	obj, err := extractObject(op, data)
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"Id"`
	}
	if err := unmarshal(obj, &created); err != nil {
		return "", &ProtocolError{Op: op, Reason: "unparsable exec body", Sample: data, Err: err}
	}
	if created.ID == "" {
		return "", &ProtocolError{Op: op, Reason: "exec body has no Id", Sample: data}
	}
	return created.ID, nil
}

func (c *Client) execStart(ctx context.Context, containerID, execID string) (ExecResult, error) {
	const op = "exec-start"

	conn, err := c.dialRaw(ctx, op, c.opts.ExecTimeout)
	if err != nil {
		return ExecResult{}, err
	}
	defer conn.release()
	defer conn.Close()

	req, err := newRawRequest(ctx, http.MethodPost, "/exec/"+url.PathEscape(execID)+"/start",
		[]byte(`{"Detach":false,"Tty":false}`))
	if err != nil {
		return ExecResult{}, fmt.Errorf("engine %s: build request: %w", op, err)
	}
	setUpgrade(req)

	resp, err := roundTrip(ctx, op, conn, req)
	if err != nil {
		return ExecResult{}, err
	}
	if !resp.upgraded() {
		return ExecResult{}, resp.statusError(op)
	}

	var combined, stdout, stderr strings.Builder
	frames := NewFrameReader(&hijackedConn{Conn: conn.Conn, r: resp.reader}, false)
	for {
		batch, readErr := frames.Next()
		for _, f := range batch {
			combined.Write(f.Payload)
			if f.Origin == OriginStderr {
				stderr.Write(f.Payload)
			} else {
				stdout.Write(f.Payload)
			}
		}

		if readErr == nil {
			continue
		}

		result := ExecResult{Output: combined.String(), Stdout: stdout.String(), Stderr: stderr.String()}
		switch {
		case errors.Is(readErr, io.EOF):
			if pending := frames.Pending(); pending > 0 {
				c.logger.Warn("Exec stream ended inside a frame",
					zap.String("container", containerID),
					zap.Int("pending_bytes", pending),
				)
			}
			return result, nil
		case ctx.Err() != nil:
			return result, &ConnectionError{Op: op, Err: ctx.Err()}
		case isTimeout(readErr):
			result.TimedOut = true
			c.logger.Warn("Exec timed out, returning partial output",
				zap.String("container", containerID),
				zap.String("exec", execID),
				zap.Duration("timeout", c.opts.ExecTimeout),
				zap.Int("output_bytes", combined.Len()),
			)
			return result, nil
		default:
			return result, connError(op, readErr)
		}
	}
}
