package terminal

import "sync"

// Scrollback is a fixed-size ring of the most recent terminal output.
// Reading never consumes it, so every new viewer can be replayed the same
// history.
type Scrollback struct {
	mu   sync.RWMutex
	data []byte
	size int
	head int
	full bool
}

// NewScrollback creates a ring holding the last size bytes.
func NewScrollback(size int) *Scrollback {
	if size <= 0 {
		size = 1
	}
	return &Scrollback{data: make([]byte, size), size: size}
}

// Write appends p, overwriting the oldest bytes once full.
func (s *Scrollback) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(p)
	if n >= s.size {
		copy(s.data, p[n-s.size:])
		s.head = 0
		s.full = true
		return n, nil
	}

	first := copy(s.data[s.head:], p)
	if first < n {
		copy(s.data, p[first:])
	}
	next := s.head + n
	if next >= s.size {
		s.full = true
		next -= s.size
	}
	s.head = next
	return n, nil
}

// Bytes returns a copy of the buffered output, oldest first.
func (s *Scrollback) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.full {
		out := make([]byte, s.head)
		copy(out, s.data[:s.head])
		return out
	}
	out := make([]byte, s.size)
	n := copy(out, s.data[s.head:])
	copy(out[n:], s.data[:s.head])
	return out
}

// Len returns the number of buffered bytes.
func (s *Scrollback) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return s.size
	}
	return s.head
}
