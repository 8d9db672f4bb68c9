package console

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestThrottleCapsPerWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	th := newThrottle(5, time.Second, clock.Now)

	emitted, notices := 0, 0
	for i := 0; i < 20; i++ {
		emit, notice := th.observe()
		if emit {
			emitted++
		}
		if notice {
			notices++
		}
		clock.Advance(10 * time.Millisecond)
	}
	assert.Equal(t, 5, emitted)
	assert.Equal(t, 1, notices)
}

func TestThrottleResetsAfterQuietPeriod(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	th := newThrottle(2, time.Second, clock.Now)

	for i := 0; i < 4; i++ {
		th.observe()
	}
	emit, _ := th.observe()
	assert.False(t, emit)

	// Exactly one window since the last error is not enough.
	clock.Advance(time.Second)
	emit, _ = th.observe()
	assert.False(t, emit)

	clock.Advance(time.Second + time.Millisecond)
	emit, notice := th.observe()
	assert.True(t, emit)
	assert.False(t, notice)
	assert.Equal(t, 1, th.errors())
}

func TestThrottleStormNeverResets(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	th := newThrottle(5, time.Second, clock.Now)

	emitted := 0
	for i := 0; i < 100; i++ {
		if emit, _ := th.observe(); emit {
			emitted++
		}
		clock.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, 5, emitted)

	th.reset()
	emit, _ := th.observe()
	assert.True(t, emit)
}
