package enrollment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/course-capacity/internal/domain/course"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
)

// EligibilityChecker decides whether a student may request a seat in a
// course. It only reads.
type EligibilityChecker struct{}

// NewEligibilityChecker creates a checker.
func NewEligibilityChecker() *EligibilityChecker {
	return &EligibilityChecker{}
}

// Check returns nil when the student is eligible, or the first failing rule:
// ErrCourseNotAvailable, ErrAlreadyEnrolled, ErrAlreadyWaitlisted,
// ErrPrerequisitesNotMet. Store failures are returned as-is.
func (c *EligibilityChecker) Check(ctx context.Context, tx Tx, crs *course.Course, studentID string, now time.Time) error {
	if err := c.CheckAvailability(crs, now); err != nil {
		return err
	}

	existing, err := tx.FindEnrollment(ctx, studentID, crs.ID)
	switch {
	case err == nil:
		if existing.BlocksEnrollment() {
			if existing.Status == StatusCompleted {
				return shared.ErrAlreadyEnrolled.WithReason("student has already completed this course")
			}
			return shared.ErrAlreadyEnrolled
		}
	case !shared.IsNotFound(err):
		return fmt.Errorf("load enrollment: %w", err)
	}

	entry, err := tx.FindWaitlistEntry(ctx, studentID, crs.ID)
	switch {
	case err == nil:
		if entry.IsActive {
			return shared.ErrAlreadyWaitlisted.WithReason(
				fmt.Sprintf("student is already on the waitlist at position %d", entry.Position))
		}
	case !shared.IsNotFound(err):
		return fmt.Errorf("load waitlist entry: %w", err)
	}

	return c.checkPrerequisites(ctx, tx, crs, studentID)
}

// CheckAvailability verifies course status and the enrollment window.
func (c *EligibilityChecker) CheckAvailability(crs *course.Course, now time.Time) error {
	if !crs.IsActive() {
		return shared.ErrCourseNotAvailable.WithReason("course is " + string(crs.Status))
	}
	window := crs.Window()
	if !window.HasOpened(now) {
		return shared.ErrCourseNotAvailable.WithReason(
			"enrollment opens at " + window.Start.Format(time.RFC3339))
	}
	if window.HasClosed(now) {
		return shared.ErrCourseNotAvailable.WithReason(
			"enrollment closed at " + window.End.Format(time.RFC3339))
	}
	return nil
}

func (c *EligibilityChecker) checkPrerequisites(ctx context.Context, tx Tx, crs *course.Course, studentID string) error {
	if !crs.HasPrerequisites() {
		return nil
	}

	completed, err := tx.CompletedCourses(ctx, studentID, crs.Prerequisites)
	if err != nil {
		return fmt.Errorf("load completed courses: %w", err)
	}

	var missing []string
	for _, id := range crs.Prerequisites {
		if !completed[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return shared.ErrPrerequisitesNotMet.WithReason(
			"missing completed prerequisites: " + strings.Join(missing, ", "))
	}
	return nil
}
