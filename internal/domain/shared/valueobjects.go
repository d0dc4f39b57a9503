package shared

import (
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// NormalizeID trims surrounding whitespace. IDs are owned by the course
// registry and user directory and compare case-sensitively.
func NormalizeID(id string) string {
	return strings.TrimSpace(id)
}

// RequireID validates that an identifier is present.
func RequireID(domain, op, field, id string) error {
	if strings.TrimSpace(id) == "" {
		return NewDomainError(domain, op, ErrInvalidInput, "invalid_"+field, field+" is required")
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Time Window
// ═══════════════════════════════════════════════════════════════════════════

// TimeWindow is a time range with optional, inclusive bounds.
// A nil bound means the window is unbounded on that side.
type TimeWindow struct {
	Start *time.Time
	End   *time.Time
}

// HasOpened reports whether t is at or after the start bound.
func (w TimeWindow) HasOpened(t time.Time) bool {
	return w.Start == nil || !t.Before(*w.Start)
}

// HasClosed reports whether t is strictly after the end bound.
func (w TimeWindow) HasClosed(t time.Time) bool {
	return w.End != nil && t.After(*w.End)
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return w.HasOpened(t) && !w.HasClosed(t)
}

// ═══════════════════════════════════════════════════════════════════════════
// Percentage Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Percentage is a progress value clamped to [0, 100].
type Percentage float64

// NewPercentage clamps v into the valid range.
func NewPercentage(v float64) Percentage {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return Percentage(v)
	}
}

// Float64 returns the underlying value.
func (p Percentage) Float64() float64 {
	return float64(p)
}
