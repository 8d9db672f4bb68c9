package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Client -> server message types in structured mode.
const (
	TypePrompt    = "prompt"
	TypeInterrupt = "interrupt"
	TypePing      = "ping"
)

// Server -> client message types in structured mode.
const (
	TypeAssistant = "assistant"
	TypeResult    = "result"
	TypeError     = "error"
	TypeReady     = "ready"
	TypeSystem    = "system"
	TypePong      = "pong"
)

// ErrMalformed marks input that is not a JSON object at all.
var ErrMalformed = errors.New("malformed message")

// ApplicationError reports a well-formed envelope whose discriminant or
// fields are not understood. Callers log it and keep the connection.
type ApplicationError struct {
	Type   string
	Field  string
	Reason string
}

func (e *ApplicationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("message %q: field %q: %s", e.Type, e.Field, e.Reason)
	}
	return fmt.Sprintf("message %q: %s", e.Type, e.Reason)
}

// Envelope is the minimal view every message shares.
type Envelope struct {
	Type string `json:"type"`
}

// ClientMessage is a message sent by the peer in structured mode.
type ClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ServerMessage is a message synthesized by the server in structured mode.
// Messages produced by the agent itself are relayed as raw JSON instead.
type ServerMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message string `json:"message,omitempty"`
}

// Pong answers a ping.
func Pong() ServerMessage {
	return ServerMessage{Type: TypePong}
}

// ResultSuccess is the terminal message sent when the agent stream ends.
func ResultSuccess() ServerMessage {
	return ServerMessage{Type: TypeResult, Subtype: "success"}
}

// Error builds an error message for the peer.
func Error(message string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: message}
}

// Ready announces an attached session.
func Ready() ServerMessage {
	return ServerMessage{Type: TypeReady}
}

// System carries an informational notice.
func System(message string) ServerMessage {
	return ServerMessage{Type: TypeSystem, Message: message}
}

// ParseClientMessage decodes raw peer input. Unparsable input yields an
// error wrapping ErrMalformed; an unknown or incomplete message, including
// one whose fields have the wrong JSON type, yields an *ApplicationError
// alongside whatever could be decoded.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var fields struct {
		Type    any `json:"type"`
		Content any `json:"content"`
	}
	if err := Unmarshal(raw, &fields); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg ClientMessage
	switch t := fields.Type.(type) {
	case nil:
		return msg, &ApplicationError{Field: "type", Reason: "missing"}
	case string:
		msg.Type = t
	default:
		return msg, &ApplicationError{Field: "type", Reason: "not a string"}
	}
	if content, ok := fields.Content.(string); ok {
		msg.Content = content
	} else if fields.Content != nil {
		return msg, &ApplicationError{Type: msg.Type, Field: "content", Reason: "not a string"}
	}

	switch msg.Type {
	case TypePrompt:
		if msg.Content == "" {
			return msg, &ApplicationError{Type: msg.Type, Field: "content", Reason: "missing"}
		}
	case TypeInterrupt, TypePing:
	case "":
		return msg, &ApplicationError{Field: "type", Reason: "missing"}
	default:
		return msg, &ApplicationError{Type: msg.Type, Reason: "unknown type"}
	}
	return msg, nil
}

// ParseAgentLine inspects one NDJSON line from the agent. It returns the
// message type when the line is a JSON object; anything else is noise
// reported through ErrMalformed.
func ParseAgentLine(line []byte) (string, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", ErrMalformed
	}

	var env Envelope
	if err := Unmarshal(trimmed, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", &ApplicationError{Field: "type", Reason: "missing"}
	}
	return env.Type, nil
}
