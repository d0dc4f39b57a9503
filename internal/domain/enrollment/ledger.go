package enrollment

import (
	"context"
	"fmt"

	"github.com/alem-hub/course-capacity/internal/domain/course"
)

// CapacityLedger answers "is there a free seat". The answer is always
// derived from the live count of active enrollments; there is no stored
// counter. Callers must use it inside Store.WithinCourse so the answer
// stays true until the claiming write.
type CapacityLedger struct{}

// NewCapacityLedger creates a ledger.
func NewCapacityLedger() *CapacityLedger {
	return &CapacityLedger{}
}

// ActiveSeatCount returns the number of seats currently held.
func (l *CapacityLedger) ActiveSeatCount(ctx context.Context, tx Tx, courseID string) (int, error) {
	n, err := tx.CountActiveEnrollments(ctx, courseID)
	if err != nil {
		return 0, fmt.Errorf("count active enrollments: %w", err)
	}
	return n, nil
}

// HasFreeSeat reports whether ActiveSeatCount < MaxStudents.
func (l *CapacityLedger) HasFreeSeat(ctx context.Context, tx Tx, crs *course.Course) (bool, error) {
	n, err := l.ActiveSeatCount(ctx, tx, crs.ID)
	if err != nil {
		return false, err
	}
	return n < crs.MaxStudents, nil
}

// Claim stores e as active subject to the storage-level capacity guard.
// Returns shared.ErrCapacityRaceLost when the guard rejects it.
func (l *CapacityLedger) Claim(ctx context.Context, tx Tx, crs *course.Course, e *Enrollment) error {
	return tx.ClaimSeat(ctx, e, crs.MaxStudents)
}

// FreeSeats returns max-active clamped at zero.
func FreeSeats(active, max int) int {
	if active >= max {
		return 0
	}
	return max - active
}
