package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/protocol"
)

var (
	// ErrTimeout is wrapped by every ConnectionError caused by a deadline.
	ErrTimeout = errors.New("engine: operation timed out")
	// ErrNotFound reports that the engine has no such container or exec.
	ErrNotFound = errors.New("engine: no such object")
	// ErrConflict reports a name clash or a container in the wrong state.
	ErrConflict = errors.New("engine: conflict")
)

// ConnectionError covers dialing the control socket, attach and deadline
// expiry. It is fatal to the one call in flight.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("engine %s: connection: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Timeout reports whether the call failed because a deadline expired.
func (e *ConnectionError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}

// ProtocolError reports a response the engine should never have sent:
// a malformed status line or headers, broken chunking or an unparsable
// body. Sample holds the first bytes seen, for diagnosis.
type ProtocolError struct {
	Op     string
	Reason string
	Sample []byte
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("engine %s: protocol: %s", e.Op, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Sample) > 0 {
		msg += fmt.Sprintf(" (sample %s)", protocol.Sample(e.Sample, sampleSize))
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StatusError is a well-formed engine response with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("engine %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("engine %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Is maps engine status codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// IsEngineFailure reports whether err says something about the health of
// the engine itself. Missing containers and conflicts do not.
func IsEngineFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

const sampleSize = 64

// connError classifies a transport error, folding deadline expiry into
// ErrTimeout.
func connError(op string, err error) error {
	if isTimeout(err) {
		return &ConnectionError{Op: op, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &ConnectionError{Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
