package engine

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// maxResponseBody bounds non-upgrade response bodies read off the raw
// socket.
const maxResponseBody = 1 << 20

// response is a parsed engine reply on a raw connection. After an upgrade,
// reader still holds any stream bytes that arrived together with the
// header terminator.
type response struct {
	status int
	header http.Header
	body   io.ReadCloser
	reader *bufio.Reader
}

func (r *response) upgraded() bool {
	return r.status == http.StatusSwitchingProtocols || r.status == http.StatusOK
}

// readResponse parses the status line and headers from br. The body is left
// unread; chunked encoding is decoded transparently when it is read.
func readResponse(op string, br *bufio.Reader, req *http.Request) (*response, error) {
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		if isTimeout(err) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, connError(op, err)
		}
		sample, _ := br.Peek(br.Buffered())
		return nil, &ProtocolError{Op: op, Reason: "malformed response head", Sample: sample, Err: err}
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: resp.Body, reader: br}, nil
}

// readBody drains a non-upgrade body, bounded by maxResponseBody.
func (r *response) readBody(op string) ([]byte, error) {
	defer r.body.Close()

	data, err := io.ReadAll(io.LimitReader(r.body, maxResponseBody+1))
	if err != nil {
		if isTimeout(err) {
			return data, connError(op, err)
		}
		return data, &ProtocolError{Op: op, Reason: "broken body framing", Sample: data, Err: err}
	}
	if len(data) > maxResponseBody {
		return nil, &ProtocolError{Op: op, Reason: "response body too large", Sample: data[:sampleSize]}
	}
	return data, nil
}

// statusError reads the engine's {"message": ...} error body if present.
func (r *response) statusError(op string) error {
	data, _ := r.readBody(op)
	return &StatusError{Op: op, StatusCode: r.status, Message: errorMessage(data)}
}

// extractObject returns the outermost JSON object in body. Engines behind
// some proxies leave chunk-size lines or trailing newlines around the
// payload even after de-chunking.
func extractObject(op string, body []byte) ([]byte, error) {
	start := bytes.IndexByte(body, '{')
	end := bytes.LastIndexByte(body, '}')
	if start < 0 || end < start {
		return nil, &ProtocolError{Op: op, Reason: "no JSON object in body", Sample: body}
	}
	return body[start : end+1], nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if obj, err := extractObject("", body); err == nil {
		if jsonErr := unmarshal(obj, &payload); jsonErr == nil && payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// hijackedConn replays bytes buffered while parsing the response head
// before reading from the socket again.
type hijackedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *hijackedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// CloseWrite half-closes the connection when the transport supports it.
func (c *hijackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return fmt.Errorf("engine: %T does not support half-close", c.Conn)
}
