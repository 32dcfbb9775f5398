package core

import (
	"sync"
	"time"
)

// Clock is the monotonic time source used by timers.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock; time.Now carries a monotonic reading.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Timer is a one-shot callback started on a TimerService for a given
// interval. A timer can be restarted after it fired or was cancelled.
type Timer struct {
	mu         sync.Mutex
	callback   func()
	interval   time.Duration
	expiration time.Time
	sequence   uint64
	running    bool
	service    *TimerService
}

// NewTimer creates a stopped timer that calls callback when it expires.
// The callback runs on the timer service goroutine and must return quickly.
func NewTimer(callback func()) *Timer {
	return &Timer{callback: callback}
}

// ExpirationPoint returns when the timer expires (or expired last).
func (t *Timer) ExpirationPoint() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiration
}

// Interval returns the interval the timer was last started with.
func (t *Timer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// IsRunning reports whether the timer is started and has neither fired nor
// been cancelled.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
