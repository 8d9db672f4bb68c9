package console

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("console not connected")
	// ErrThrottled is surfaced once when further errors are suppressed.
	ErrThrottled = errors.New("console errors throttled")
)

// DecodeError reports a console frame that could not be turned into text.
// The frame is dropped; the connection stays open.
type DecodeError struct {
	Kind   string
	Sample string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("console decode (%s): %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ServerError is an error message sent by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "console server: " + e.Message
}
