package enrollment

import (
	"context"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// These define the storage contract. Implementations live in
// infrastructure/persistence (postgres for production, memory for tests and
// local development).
// ══════════════════════════════════════════════════════════════════════════════

// Tx is the set of reads and writes available inside one atomic unit.
// Every method is a blocking store call.
type Tx interface {
	// ─────────────────────────────────────────────────────────────────────────
	// Enrollments
	// ─────────────────────────────────────────────────────────────────────────

	// FindEnrollment returns the pair's row in any status.
	// Returns shared.ErrEnrollmentNotFound when the pair has no row.
	FindEnrollment(ctx context.Context, studentID, courseID string) (*Enrollment, error)

	// CountActiveEnrollments returns the live number of active rows for a course.
	CountActiveEnrollments(ctx context.Context, courseID string) (int, error)

	// CompletedCourses returns which of courseIDs the student has completed.
	CompletedCourses(ctx context.Context, studentID string, courseIDs []string) (map[string]bool, error)

	// ClaimSeat persists e as active (inserting it, or reusing the pair's
	// dropped row) only while the course has fewer than maxStudents active
	// rows. Returns shared.ErrCapacityRaceLost when the guard rejects it.
	// On success e.ID is the identity of the stored row.
	ClaimSeat(ctx context.Context, e *Enrollment, maxStudents int) error

	// UpdateEnrollment writes status/progress changes of an existing row.
	UpdateEnrollment(ctx context.Context, e *Enrollment) error

	// ─────────────────────────────────────────────────────────────────────────
	// Waitlist
	// ─────────────────────────────────────────────────────────────────────────

	// FindWaitlistEntry returns the pair's waitlist row, active or not.
	// Returns shared.ErrWaitlistEntryAbsent when the pair has no row.
	FindWaitlistEntry(ctx context.Context, studentID, courseID string) (*WaitlistEntry, error)

	// MaxActivePosition returns the largest active position, or 0.
	MaxActivePosition(ctx context.Context, courseID string) (int, error)

	// SaveWaitlistEntry inserts the row or updates the pair's existing row.
	SaveWaitlistEntry(ctx context.Context, w *WaitlistEntry) error

	// FirstActiveWaitlistEntry returns the active entry with the smallest
	// position. Returns shared.ErrWaitlistEntryAbsent on an empty queue.
	FirstActiveWaitlistEntry(ctx context.Context, courseID string) (*WaitlistEntry, error)

	// ListActiveWaitlist returns active entries ordered by position.
	ListActiveWaitlist(ctx context.Context, courseID string) ([]*WaitlistEntry, error)
}

// Store opens atomic units over enrollment and waitlist state.
type Store interface {
	// WithinCourse runs fn as one atomic unit that is serialized against
	// every other WithinCourse unit for the same course. Units for different
	// courses do not block each other. If fn returns an error nothing it
	// wrote is kept.
	WithinCourse(ctx context.Context, courseID string, fn func(ctx context.Context, tx Tx) error) error

	// View runs fn against a consistent read-only snapshot without taking
	// the course lock.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// CoursesWithWaitlist returns the IDs of courses that have at least one
	// active waitlist entry.
	CoursesWithWaitlist(ctx context.Context) ([]string, error)
}
