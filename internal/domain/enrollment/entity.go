// Package enrollment contains the seat-level domain model: enrollments, the
// per-course waitlist and the domain services that reason about them
// (eligibility, capacity, queue order). It has no infrastructure dependencies.
package enrollment

import (
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/course-capacity/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Status is the state of a student's enrollment row.
type Status string

const (
	// StatusActive - the student holds a seat.
	StatusActive Status = "active"
	// StatusCompleted - the student finished the course. Terminal.
	StatusCompleted Status = "completed"
	// StatusDropped - the student left; the row is kept for history and re-enrollment.
	StatusDropped Status = "dropped"
)

// IsValid checks that the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusDropped:
		return true
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT
// ══════════════════════════════════════════════════════════════════════════════

// Enrollment is the single row describing a (student, course) relationship.
// There is at most one per pair; transitions mutate it in place.
type Enrollment struct {
	ID         string
	StudentID  string
	CourseID   string
	Status     Status
	EnrolledAt time.Time
	DroppedAt  *time.Time
	Progress   shared.Percentage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewEnrollment creates an active enrollment for a pair that has no row yet.
func NewEnrollment(studentID, courseID string, now time.Time) *Enrollment {
	return &Enrollment{
		ID:         uuid.New().String(),
		StudentID:  studentID,
		CourseID:   courseID,
		Status:     StatusActive,
		EnrolledAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HoldsSeat reports whether the row counts against course capacity.
func (e *Enrollment) HoldsSeat() bool {
	return e.Status == StatusActive
}

// BlocksEnrollment reports whether the row prevents a new enroll request.
// Only dropped rows can be reused.
func (e *Enrollment) BlocksEnrollment() bool {
	return e.Status == StatusActive || e.Status == StatusCompleted
}

// Activate moves a dropped row back to active. Progress restarts.
func (e *Enrollment) Activate(now time.Time) error {
	if e.Status != StatusDropped {
		return shared.NewDomainError("enrollment", "Activate", shared.ErrStateTransition, "invalid_transition",
			"only dropped enrollments can be reactivated, got "+string(e.Status))
	}
	e.Status = StatusActive
	e.EnrolledAt = now
	e.DroppedAt = nil
	e.Progress = 0
	e.UpdatedAt = now
	return nil
}

// Drop releases the seat.
func (e *Enrollment) Drop(now time.Time) error {
	if e.Status != StatusActive {
		return shared.ErrNotEnrolled
	}
	e.Status = StatusDropped
	e.DroppedAt = &now
	e.UpdatedAt = now
	return nil
}

// Complete marks the course as finished.
func (e *Enrollment) Complete(now time.Time) error {
	if e.Status != StatusActive {
		return shared.NewDomainError("enrollment", "Complete", shared.ErrStateTransition, "invalid_transition",
			"only active enrollments can be completed, got "+string(e.Status))
	}
	e.Status = StatusCompleted
	e.Progress = 100
	e.UpdatedAt = now
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WAITLIST ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// WaitlistEntry is a student's place in a course queue. Rows are deactivated,
// never deleted; a later enqueue for the same pair reactivates the row.
type WaitlistEntry struct {
	ID        string
	StudentID string
	CourseID  string
	Position  int
	IsActive  bool
	JoinedAt  time.Time
	LeftAt    *time.Time
	UpdatedAt time.Time
}

// NewWaitlistEntry creates an active entry at the given 1-based position.
func NewWaitlistEntry(studentID, courseID string, position int, now time.Time) *WaitlistEntry {
	return &WaitlistEntry{
		ID:        uuid.New().String(),
		StudentID: studentID,
		CourseID:  courseID,
		Position:  position,
		IsActive:  true,
		JoinedAt:  now,
		UpdatedAt: now,
	}
}

// Reactivate puts an inactive row back at the tail of the queue.
func (w *WaitlistEntry) Reactivate(position int, now time.Time) error {
	if w.IsActive {
		return shared.ErrAlreadyWaitlisted
	}
	w.Position = position
	w.IsActive = true
	w.JoinedAt = now
	w.LeftAt = nil
	w.UpdatedAt = now
	return nil
}

// Deactivate removes the entry from the active queue. The position is kept
// as history.
func (w *WaitlistEntry) Deactivate(now time.Time) error {
	if !w.IsActive {
		return shared.ErrNotOnWaitlist
	}
	w.IsActive = false
	w.LeftAt = &now
	w.UpdatedAt = now
	return nil
}
