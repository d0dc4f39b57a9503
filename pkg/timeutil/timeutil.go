// Package timeutil provides the clock abstraction used by the enrollment
// lifecycle and helpers for turning date-only enrollment bounds into
// inclusive instants in the platform timezone.
// No external dependencies - uses only standard library.
package timeutil

import (
	"sync"
	"time"
)

// FormatDate is the layout of date-only values (enrollment window bounds).
const FormatDate = "2006-01-02"

// ══════════════════════════════════════════════════════════════════════════════
// Location
// ══════════════════════════════════════════════════════════════════════════════

var (
	locMu    sync.RWMutex
	location = time.UTC
)

// SetLocation sets the platform timezone used for date-only bounds.
// Unknown names leave the current location unchanged and return the error.
func SetLocation(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return err
	}
	locMu.Lock()
	location = loc
	locMu.Unlock()
	return nil
}

// Location returns the platform timezone.
func Location() *time.Location {
	locMu.RLock()
	defer locMu.RUnlock()
	return location
}

// Now returns the current time in the platform timezone.
func Now() time.Time {
	return time.Now().In(Location())
}

// ══════════════════════════════════════════════════════════════════════════════
// Clock
// ══════════════════════════════════════════════════════════════════════════════

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return Now() }

// FixedClock always returns the same instant until moved. Safe for
// concurrent use.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock creates a clock frozen at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now implements Clock.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ══════════════════════════════════════════════════════════════════════════════
// Date bounds
// ══════════════════════════════════════════════════════════════════════════════

// StartOfDay returns 00:00:00 of t's day in the platform timezone.
func StartOfDay(t time.Time) time.Time {
	loc := Location()
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay returns 23:59:59.999999999 of t's day in the platform timezone.
func EndOfDay(t time.Time) time.Time {
	loc := Location()
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 999999999, loc)
}

// ParseDate parses a YYYY-MM-DD value in the platform timezone.
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(FormatDate, value, Location())
}

// StartBound converts an optional date-only window start into the first
// instant of that day.
func StartBound(d *time.Time) *time.Time {
	if d == nil {
		return nil
	}
	t := StartOfDay(*d)
	return &t
}

// EndBound converts an optional date-only window end into the last instant
// of that day, so the whole end date stays inside an inclusive window.
func EndBound(d *time.Time) *time.Time {
	if d == nil {
		return nil
	}
	t := EndOfDay(*d)
	return &t
}
