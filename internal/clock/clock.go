// Package clock abstracts time sources so TTL, staleness, and throttle
// behaviour can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

// Now returns the current wall-clock time in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// Fake provides deterministic time control for unit tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake constructs a fake clock initialized to the provided time.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	return &Fake{now: start}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance increments the fake time by the provided duration.
func (c *Fake) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}
