package console

import (
	"sync"
	"time"
)

// throttle caps surfaced errors to limit per window. The count resets
// only once more than window has passed since the previous error, so a
// steady storm stays suppressed.
type throttle struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	count    int
	last     time.Time
	notified bool
}

func newThrottle(limit int, window time.Duration, now func() time.Time) *throttle {
	return &throttle{limit: limit, window: window, now: now}
}

// observe records one error. emit reports whether it may be surfaced;
// notice is true exactly once per storm, for the first suppressed error.
func (t *throttle) observe() (emit, notice bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) > t.window {
		t.count = 0
		t.notified = false
	}
	t.last = now
	t.count++

	if t.count <= t.limit {
		return true, false
	}
	if !t.notified {
		t.notified = true
		return false, true
	}
	return false, false
}

func (t *throttle) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count = 0
	t.last = time.Time{}
	t.notified = false
}

func (t *throttle) errors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
