// Package timeutil provides the clock abstraction the cycle loop runs on,
// so cadence can be tested without real sleeps.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides the time operations the sampling loop needs.
type Clock interface {
	// Now returns the current time. Values returned by the real clock
	// carry a monotonic reading.
	Now() time.Time

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// After waits for the duration to elapse and then sends the current time.
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// MockClock is a manually controlled clock for testing.
//
// In auto-advance mode every call to After moves the clock forward by the
// requested duration and fires immediately, which lets a loop run through
// many cycles of simulated time without a driving goroutine.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	auto    bool
	waiters []*waiter
	afters  []time.Duration
}

type waiter struct {
	ch       chan time.Time
	deadline time.Time
	fired    bool
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// NewAutoClock creates a MockClock in auto-advance mode.
func NewAutoClock(t time.Time) *MockClock {
	return &MockClock{now: t, auto: true}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set sets the mock clock to a specific time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the mock clock forward by the given duration and fires
// any expired waiters.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	pending := c.waiters[:0]
	var due []*waiter
	for _, w := range c.waiters {
		if !now.Before(w.deadline) {
			due = append(due, w)
		} else {
			pending = append(pending, w)
		}
	}
	c.waiters = pending
	c.mu.Unlock()

	for _, w := range due {
		w.fire(now)
	}
}

// After returns a channel that receives the time once the clock reaches
// now+d.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.afters = append(c.afters, d)
	w := &waiter{ch: make(chan time.Time, 1), deadline: c.now.Add(d)}
	if c.auto {
		c.now = w.deadline
		now := c.now
		c.mu.Unlock()
		w.fire(now)
		return w.ch
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w.ch
}

// Afters returns every duration passed to After, in call order.
func (c *MockClock) Afters() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]time.Duration, len(c.afters))
	copy(result, c.afters)
	return result
}

func (w *waiter) fire(now time.Time) {
	if w.fired {
		return
	}
	w.fired = true
	w.ch <- now
}
