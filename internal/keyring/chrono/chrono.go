// Package chrono is the single source of "now" for expiry policy. Every
// window comparison in the engine and the janitor goes through a Clock so
// tests can pin time.
package chrono

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// System reads the wall clock, truncated to milliseconds because that is
// the resolution rows are stored at.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

// Before reports whether a is strictly earlier than b.
func Before(a, b time.Time) bool { return a.Before(b) }

// Subtract returns t moved back by n units.
func Subtract(t time.Time, n int, unit time.Duration) time.Time {
	return t.Add(-time.Duration(n) * unit)
}

// Past returns now minus window on clock c.
func Past(c Clock, window time.Duration) time.Time {
	return c.Now().Add(-window)
}

// Expired reports whether t lies strictly before now minus window. A
// timestamp sitting exactly on the boundary is still alive.
func Expired(c Clock, t time.Time, window time.Duration) bool {
	return Before(t, Past(c, window))
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC().Truncate(time.Millisecond)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC().Truncate(time.Millisecond)
}
