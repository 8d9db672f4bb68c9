package engine

import (
	"io"
	"net"
	"sync"
)

// Stream is a raw duplex connection to a container's stdio, obtained by
// upgrading an attach request. TTY fixes how its output is framed.
type Stream struct {
	ContainerID string
	TTY         bool

	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

func newStream(containerID string, tty bool, conn net.Conn) *Stream {
	return &Stream{ContainerID: containerID, TTY: tty, conn: conn}
}

// NewStream wraps an already-upgraded connection. It exists for callers
// that obtain the connection themselves, such as tests.
func NewStream(containerID string, tty bool, conn net.Conn) *Stream {
	return newStream(containerID, tty, conn)
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// CloseWrite signals end of input to the container while output keeps
// flowing.
func (s *Stream) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close releases the connection. Repeated calls return the first result.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Frames returns a reader that yields demultiplexed frames.
func (s *Stream) Frames() *FrameReader {
	return NewFrameReader(s, s.TTY)
}

var _ io.ReadWriteCloser = (*Stream)(nil)
