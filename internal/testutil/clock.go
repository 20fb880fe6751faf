package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the first instant handed out by a zero-configured Clock.
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock is a deterministic time source for stores and resolvers.
//
// Every call to Now advances the clock by a fixed step, so consecutive
// writes get strictly increasing, reproducible timestamps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	ticks int64
}

// NewClock creates a clock starting at start and advancing by step.
//
// A zero start uses DefaultEpoch; a non-positive step uses one second.
// The first call to Now() returns start+step.
func NewClock(start time.Time, step time.Duration) *Clock {
	if start.IsZero() {
		start = DefaultEpoch
	}
	if step <= 0 {
		step = time.Second
	}
	return &Clock{start: start.UTC(), step: step}
}

// Now advances the clock and returns the new instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return c.start.Add(time.Duration(c.ticks) * c.step)
}

// Current returns the last instant handed out without advancing.
func (c *Clock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start.Add(time.Duration(c.ticks) * c.step)
}

// Reset rewinds the clock to its start.
//
// Used for test reuse. After Reset(), the next call to Now() returns
// start+step again.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
