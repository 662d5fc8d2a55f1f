package session

import (
	"sync"
	"time"
)

// Timer enforces the maximum duration of a session. It polls on a tick and
// fires its callback at most once per Start.
type Timer struct {
	maxDuration time.Duration
	tick        time.Duration
	now         func() time.Time

	mu        sync.Mutex
	startedAt time.Time
	stop      chan struct{}
	onExpire  func()
}

// NewTimer returns a stopped timer.
func NewTimer(maxDuration, tick time.Duration) *Timer {
	if tick <= 0 {
		tick = time.Second
	}
	return &Timer{maxDuration: maxDuration, tick: tick, now: time.Now}
}

// Start begins counting from startedAt. It reports false and changes nothing
// when the timer is already running.
func (t *Timer) Start(startedAt time.Time, onExpire func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		return false
	}
	t.startedAt = startedAt
	t.onExpire = onExpire
	t.stop = make(chan struct{})
	go t.run(t.stop)
	return true
}

// Stop cancels the timer without firing. It never blocks on the callback.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

// Running reports whether a countdown is in progress.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

// StartedAt returns the instant the running countdown began.
func (t *Timer) StartedAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt, t.stop != nil
}

// Deadline returns the instant the running countdown expires.
func (t *Timer) Deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == nil {
		return time.Time{}, false
	}
	return t.startedAt.Add(t.maxDuration), true
}

// Remaining returns the time left at now, floored at zero. A stopped timer
// has nothing remaining.
func (t *Timer) Remaining(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == nil {
		return 0
	}
	return remaining(t.startedAt, t.maxDuration, now)
}

func remaining(startedAt time.Time, maxDuration time.Duration, now time.Time) time.Duration {
	left := maxDuration - now.Sub(startedAt)
	if left < 0 {
		return 0
	}
	return left
}

func (t *Timer) run(stop chan struct{}) {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	if t.check(stop) {
		return
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if t.check(stop) {
				return
			}
		}
	}
}

// check fires the callback when the countdown behind stop has run out.
// It reports whether the polling goroutine should exit.
func (t *Timer) check(stop chan struct{}) bool {
	t.mu.Lock()
	if t.stop != stop {
		t.mu.Unlock()
		return true
	}
	if remaining(t.startedAt, t.maxDuration, t.now()) > 0 {
		t.mu.Unlock()
		return false
	}
	fn := t.onExpire
	t.resetLocked()
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

func (t *Timer) resetLocked() {
	if t.stop != nil {
		close(t.stop)
	}
	t.stop = nil
	t.startedAt = time.Time{}
	t.onExpire = nil
}
