package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Console message types.
const (
	ConsoleSnapshot = "snapshot"
	ConsoleOutput   = "output"
	ConsoleInput    = "input"
	ConsoleResize   = "resize"
	ConsoleError    = "error"
)

// MaxEncodedPayload caps the base64 text of one console frame.
const MaxEncodedPayload = 1 << 20

var (
	ErrBase64Alphabet  = errors.New("base64 payload contains characters outside the standard alphabet")
	ErrBase64Padding   = errors.New("base64 payload has invalid padding")
	ErrBase64Length    = errors.New("base64 payload length is not a multiple of 4")
	ErrPayloadTooLarge = errors.New("base64 payload exceeds size cap")
)

// ConsoleMessage is the console-mode envelope. Data is left untyped on
// decode so a non-string payload can be told apart from a missing one.
type ConsoleMessage struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
	Cols    uint16 `json:"cols,omitempty"`
	Message string `json:"message,omitempty"`
}

// DataString returns the payload when it is a JSON string.
func (m ConsoleMessage) DataString() (string, bool) {
	s, ok := m.Data.(string)
	return s, ok
}

// NewSnapshot carries the scrollback a viewer sees on connect.
func NewSnapshot(scrollback []byte, rows, cols uint16) ConsoleMessage {
	return ConsoleMessage{Type: ConsoleSnapshot, Data: EncodeBase64(scrollback), Rows: rows, Cols: cols}
}

// NewOutput wraps raw terminal output.
func NewOutput(p []byte) ConsoleMessage {
	return ConsoleMessage{Type: ConsoleOutput, Data: EncodeBase64(p)}
}

// NewInput encodes keystrokes typed by the viewer.
func NewInput(text string) ConsoleMessage {
	return ConsoleMessage{Type: ConsoleInput, Data: EncodeBase64([]byte(text))}
}

// NewResize requests new TTY dimensions.
func NewResize(rows, cols uint16) ConsoleMessage {
	return ConsoleMessage{Type: ConsoleResize, Rows: rows, Cols: cols}
}

// NewConsoleError reports a server-side failure to console viewers.
func NewConsoleError(message string) ConsoleMessage {
	return ConsoleMessage{Type: ConsoleError, Message: message}
}

// ParseConsoleMessage decodes one console frame.
func ParseConsoleMessage(raw []byte) (ConsoleMessage, error) {
	var msg ConsoleMessage
	if err := Unmarshal(raw, &msg); err != nil {
		return ConsoleMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case ConsoleSnapshot, ConsoleOutput, ConsoleInput, ConsoleError:
	case ConsoleResize:
		if msg.Rows == 0 || msg.Cols == 0 {
			return msg, &ApplicationError{Type: msg.Type, Field: "rows/cols", Reason: "must be positive"}
		}
	case "":
		return msg, &ApplicationError{Field: "type", Reason: "missing"}
	default:
		return msg, &ApplicationError{Type: msg.Type, Reason: "unknown type"}
	}
	return msg, nil
}

// EncodeBase64 encodes p with the padded standard alphabet.
func EncodeBase64(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

// ValidateBase64 checks the alphabet, padding and length of s, then the
// size cap. It never decodes.
func ValidateBase64(s string) error {
	body := s
	padding := 0
	for padding < 2 && len(body) > 0 && body[len(body)-1] == '=' {
		body = body[:len(body)-1]
		padding++
	}

	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/':
		case c == '=':
			return ErrBase64Padding
		default:
			return ErrBase64Alphabet
		}
	}

	if len(s)%4 != 0 {
		return ErrBase64Length
	}
	if len(s) > MaxEncodedPayload {
		return ErrPayloadTooLarge
	}
	return nil
}

// DecodeBase64 validates s and returns the decoded bytes.
func DecodeBase64(s string) ([]byte, error) {
	if err := ValidateBase64(s); err != nil {
		return nil, err
	}
	p, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Non-canonical trailing bits pass the character checks.
		return nil, fmt.Errorf("%w: %v", ErrBase64Padding, err)
	}
	return p, nil
}

// Sample returns at most n bytes of p, quoted when it is not valid UTF-8,
// for diagnostic log fields.
func Sample(p []byte, n int) string {
	if len(p) > n {
		p = p[:n]
	}
	if utf8.Valid(p) {
		return string(p)
	}
	return fmt.Sprintf("%q", p)
}
