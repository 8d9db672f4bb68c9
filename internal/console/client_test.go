package console

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/protocol"
)

type testServer struct {
	*httptest.Server
	conns chan *websocket.Conn
	paths chan string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns: make(chan *websocket.Conn, 4),
		paths: make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.paths <- r.URL.Path
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) endpoint() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	data, err := protocol.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

type recorder struct {
	data   chan string
	errs   chan error
	closed chan DisconnectEvent
	opened chan string
}

func record(c *Client) *recorder {
	r := &recorder{
		data:   make(chan string, 64),
		errs:   make(chan error, 64),
		closed: make(chan DisconnectEvent, 8),
		opened: make(chan string, 8),
	}
	c.OnData(func(s string) { r.data <- s })
	c.OnError(func(err error) { r.errs <- err })
	c.OnDisconnected(func(e DisconnectEvent) { r.closed <- e })
	c.OnConnected(func(id string) { r.opened <- id })
	return r
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func quiet[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func fixedClock() func() time.Time {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func connectClient(t *testing.T, ts *testServer, opts Options) (*Client, *recorder, *websocket.Conn) {
	t.Helper()
	opts.Endpoint = ts.endpoint()
	c := NewClient(opts)
	rec := record(c)
	require.NoError(t, c.Connect(context.Background(), "s1"))
	t.Cleanup(c.Disconnect)

	server := ts.accept(t)
	assert.Equal(t, "/ws/console/s1", next(t, ts.paths))
	assert.Equal(t, "s1", next(t, rec.opened))
	return c, rec, server
}

func TestSnapshotThenOutput(t *testing.T) {
	ts := newTestServer(t)
	_, rec, server := connectClient(t, ts, Options{})

	sendJSON(t, server, protocol.NewSnapshot([]byte("Hello, "), 24, 80))
	sendJSON(t, server, protocol.NewOutput([]byte("world!")))

	first := next(t, rec.data)
	second := next(t, rec.data)
	assert.Equal(t, "Hello, ", first)
	assert.Equal(t, "world!", second)
	assert.Equal(t, "Hello, world!", first+second)
}

func TestSplitRuneAcrossFrames(t *testing.T) {
	ts := newTestServer(t)
	_, rec, server := connectClient(t, ts, Options{})

	text := "naïve ☃"
	raw := []byte(text)
	cut := strings.Index(text, "☃") + 1

	sendJSON(t, server, protocol.NewOutput(raw[:cut]))
	sendJSON(t, server, protocol.NewOutput(raw[cut:]))

	got := next(t, rec.data) + next(t, rec.data)
	assert.Equal(t, text, got)
}

func TestEmptyDataIsHeartbeat(t *testing.T) {
	ts := newTestServer(t)
	_, rec, server := connectClient(t, ts, Options{})

	sendJSON(t, server, map[string]any{"type": "output", "data": ""})
	assert.Equal(t, "", next(t, rec.data))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		kind string
	}{
		{"bad alphabet", map[string]any{"type": "output", "data": "aGVs*G8="}, "base64"},
		{"bad padding", map[string]any{"type": "output", "data": "aG=sbG8="}, "base64"},
		{"bad length", map[string]any{"type": "output", "data": "aGVsbG8"}, "base64"},
		{"not a string", map[string]any{"type": "output", "data": 42}, "type"},
		{"too large", map[string]any{"type": "output", "data": strings.Repeat("A", protocol.MaxEncodedPayload+4)}, "size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			c, rec, server := connectClient(t, ts, Options{})

			sendJSON(t, server, tt.msg)

			err := next(t, rec.errs)
			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)
			assert.Equal(t, tt.kind, decErr.Kind)
			quiet(t, rec.data)
			assert.True(t, c.Connected())
		})
	}
}

func TestGarbageJSONIsDecodeError(t *testing.T) {
	ts := newTestServer(t)
	_, rec, server := connectClient(t, ts, Options{})

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("{oops")))
	var decErr *DecodeError
	require.ErrorAs(t, next(t, rec.errs), &decErr)
	assert.Equal(t, "json", decErr.Kind)

	sendJSON(t, server, protocol.NewConsoleError("container gone"))
	var srvErr *ServerError
	require.ErrorAs(t, next(t, rec.errs), &srvErr)
	assert.Equal(t, "container gone", srvErr.Message)
}

func TestErrorStormIsThrottled(t *testing.T) {
	ts := newTestServer(t)
	c, rec, server := connectClient(t, ts, Options{Now: fixedClock()})

	for i := 0; i < 12; i++ {
		sendJSON(t, server, map[string]any{"type": "output", "data": "!!!!"})
	}
	sendJSON(t, server, protocol.NewOutput([]byte("still alive")))
	assert.Equal(t, "still alive", next(t, rec.data))

	for i := 0; i < 5; i++ {
		var decErr *DecodeError
		assert.ErrorAs(t, next(t, rec.errs), &decErr)
	}
	assert.ErrorIs(t, next(t, rec.errs), ErrThrottled)
	quiet(t, rec.errs)
	assert.Equal(t, 12, c.ErrorCount())

	c.Disconnect()
	assert.Equal(t, 0, c.ErrorCount())

	require.NoError(t, c.Connect(context.Background(), "s1"))
	assert.Equal(t, 0, c.ErrorCount())
}

func TestWriteAndResize(t *testing.T) {
	ts := newTestServer(t)
	c, _, server := connectClient(t, ts, Options{})

	require.NoError(t, c.Write("ls -la\r"))
	require.NoError(t, c.Resize(40, 120))

	_, raw, err := server.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.ParseConsoleMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.ConsoleInput, msg.Type)
	data, _ := msg.DataString()
	decoded, err := protocol.DecodeBase64(data)
	require.NoError(t, err)
	assert.Equal(t, "ls -la\r", string(decoded))

	_, raw, err = server.ReadMessage()
	require.NoError(t, err)
	msg, err = protocol.ParseConsoleMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.ConsoleResize, msg.Type)
	assert.Equal(t, uint16(40), msg.Rows)
	assert.Equal(t, uint16(120), msg.Cols)
}

func TestWriteWhenDisconnected(t *testing.T) {
	c := NewClient(Options{Origin: "http://localhost"})
	assert.ErrorIs(t, c.Write("x"), ErrNotConnected)
	assert.ErrorIs(t, c.Resize(1, 1), ErrNotConnected)
	assert.Empty(t, c.SessionID())
	c.Disconnect()
}

func TestDisconnectClearsState(t *testing.T) {
	ts := newTestServer(t)
	c, rec, _ := connectClient(t, ts, Options{ReconnectDelay: 10 * time.Millisecond})
	assert.Equal(t, "s1", c.SessionID())

	c.Disconnect()
	event := next(t, rec.closed)
	assert.True(t, event.Intentional)
	assert.Equal(t, websocket.CloseNormalClosure, event.Code)
	assert.False(t, c.Connected())
	assert.Empty(t, c.SessionID())

	quiet(t, rec.opened)
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	ts := newTestServer(t)
	_, rec, server := connectClient(t, ts, Options{ReconnectDelay: 10 * time.Millisecond})

	require.NoError(t, server.UnderlyingConn().Close())

	event := next(t, rec.closed)
	assert.False(t, event.Intentional)
	assert.Equal(t, websocket.CloseAbnormalClosure, event.Code)

	ts.accept(t)
	assert.Equal(t, "s1", next(t, rec.opened))
}

func TestNoReconnectAfterNormalClose(t *testing.T) {
	ts := newTestServer(t)
	_, rec, server := connectClient(t, ts, Options{ReconnectDelay: 10 * time.Millisecond})

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped")
	require.NoError(t, server.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	event := next(t, rec.closed)
	assert.True(t, event.Intentional)
	assert.Equal(t, "session stopped", event.Reason)
	quiet(t, rec.opened)
	time.Sleep(30 * time.Millisecond)
	quiet(t, rec.opened)
}

func TestConnectReplacesConnection(t *testing.T) {
	ts := newTestServer(t)
	c, rec, _ := connectClient(t, ts, Options{})

	require.NoError(t, c.Connect(context.Background(), "s2"))
	ts.accept(t)
	assert.Equal(t, "/ws/console/s2", next(t, ts.paths))

	assert.True(t, next(t, rec.closed).Intentional)
	assert.Equal(t, "s2", next(t, rec.opened))
	assert.Equal(t, "s2", c.SessionID())
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		want    string
		wantErr bool
	}{
		{"from http origin", Options{Origin: "http://example.com:8080"}, "ws://example.com:8080/ws/console/s1", false},
		{"from https origin", Options{Origin: "https://example.com/app?x=1"}, "wss://example.com/ws/console/s1", false},
		{"explicit endpoint", Options{Endpoint: "ws://10.0.0.1:9000/api/"}, "ws://10.0.0.1:9000/api/ws/console/s1", false},
		{"endpoint wins", Options{Endpoint: "wss://a", Origin: "http://b"}, "wss://a/ws/console/s1", false},
		{"nothing configured", Options{}, "", true},
		{"bad scheme", Options{Origin: "ftp://example.com"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewClient(tt.opts).Endpoint("s1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
