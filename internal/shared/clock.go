package shared

import "time"

// Clock abstracts wall-clock time so TTL math and rate-limit windows are
// testable. All components take a Clock rather than calling time.Now directly.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a Clock pinned to t, for tests.
type FixedClock struct {
	T time.Time
}

// Now returns the pinned time.
func (c *FixedClock) Now() time.Time { return c.T }

// Advance moves the pinned time forward.
func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }
