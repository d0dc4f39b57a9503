package command

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/course-capacity/internal/domain/audit"
	"github.com/alem-hub/course-capacity/internal/domain/enrollment"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DROP / UNENROLL / COMPLETE COMMANDS
// Each releases a seat in its own unit, then tries to promote the head of
// the waitlist in a second unit. A failed promotion never fails the release.
// ══════════════════════════════════════════════════════════════════════════════

// DropCommand contains the data to release a student's seat.
type DropCommand struct {
	StudentID string
	CourseID  string

	// ActorID is who asked. Empty means the student themself.
	ActorID string

	// Reason is stored in the audit log.
	Reason string
}

func (c DropCommand) normalized() DropCommand {
	c.StudentID = shared.NormalizeID(c.StudentID)
	c.CourseID = shared.NormalizeID(c.CourseID)
	c.ActorID = shared.NormalizeID(c.ActorID)
	if c.ActorID == "" {
		c.ActorID = c.StudentID
	}
	return c
}

// Validate validates the command.
func (c DropCommand) Validate() error {
	if err := shared.RequireID("enrollment", "Drop", "student_id", c.StudentID); err != nil {
		return err
	}
	if err := shared.RequireID("enrollment", "Drop", "course_id", c.CourseID); err != nil {
		return err
	}
	if len(c.Reason) > 1000 {
		return shared.NewDomainError("enrollment", "Drop", shared.ErrInvalidInput, "invalid_reason", "reason must be at most 1000 characters")
	}
	return nil
}

// DropResult contains the outcome of a seat release.
type DropResult struct {
	// EnrollmentID is the released row.
	EnrollmentID string

	// Promoted is true when a waitlisted student received the seat.
	Promoted bool

	// PromotedStudentID is the promoted student, if any.
	PromotedStudentID string

	// At is when the seat was released.
	At time.Time
}

// Drop releases the student's seat. When the actor is not the student, the
// actor must be allowed to manage the course.
func (m *LifecycleManager) Drop(ctx context.Context, cmd DropCommand) (*DropResult, error) {
	cmd = cmd.normalized()
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.ActorID != cmd.StudentID {
		if err := m.authorize(ctx, cmd.ActorID, cmd.CourseID); err != nil {
			return nil, err
		}
	}
	return m.release(ctx, cmd, enrollment.StatusDropped, "drop")
}

// Unenroll is the admin/instructor path: the actor is always authorized
// against the course and recorded as performer, distinct from the student.
func (m *LifecycleManager) Unenroll(ctx context.Context, cmd DropCommand) (*DropResult, error) {
	cmd = cmd.normalized()
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, cmd.ActorID, cmd.CourseID); err != nil {
		return nil, err
	}
	return m.release(ctx, cmd, enrollment.StatusDropped, "unenroll")
}

// Complete marks an active enrollment as completed. It is triggered by an
// instructor or admin and frees the seat like a drop.
func (m *LifecycleManager) Complete(ctx context.Context, cmd DropCommand) (*DropResult, error) {
	cmd = cmd.normalized()
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, cmd.ActorID, cmd.CourseID); err != nil {
		return nil, err
	}
	return m.release(ctx, cmd, enrollment.StatusCompleted, "complete")
}

func (m *LifecycleManager) release(ctx context.Context, cmd DropCommand, to enrollment.Status, trigger string) (*DropResult, error) {
	log := m.log.With(
		logger.Operation(trigger),
		logger.CourseID(cmd.CourseID),
		logger.StudentID(cmd.StudentID),
		logger.ActorID(cmd.ActorID),
	)

	crs, err := m.courses.GetCourse(ctx, cmd.CourseID)
	if err != nil {
		return nil, fmt.Errorf("%s: load course: %w", trigger, err)
	}

	now := m.clock.Now()
	result := &DropResult{At: now}

	err = m.store.WithinCourse(ctx, crs.ID, func(ctx context.Context, tx enrollment.Tx) error {
		e, err := tx.FindEnrollment(ctx, cmd.StudentID, crs.ID)
		if err != nil {
			if shared.IsNotFound(err) {
				return shared.ErrNotEnrolled
			}
			return fmt.Errorf("load enrollment: %w", err)
		}

		if to == enrollment.StatusCompleted {
			if !e.HoldsSeat() {
				return shared.ErrNotEnrolled
			}
			err = e.Complete(now)
		} else {
			err = e.Drop(now)
		}
		if err != nil {
			return err
		}

		if err := tx.UpdateEnrollment(ctx, e); err != nil {
			return fmt.Errorf("update enrollment: %w", err)
		}
		result.EnrollmentID = e.ID
		return nil
	})
	if err != nil {
		if shared.CodeOf(err) == "" {
			log.Error("seat release failed", logger.Err(err))
		}
		return nil, err
	}

	action := audit.ActionDropped
	if to == enrollment.StatusCompleted {
		action = audit.ActionCompleted
	}
	m.recorder.Record(ctx, audit.NewEntry(action, crs.ID, cmd.StudentID, cmd.ActorID, now).
		WithReason(cmd.Reason).
		WithMeta("trigger", trigger))
	if to == enrollment.StatusDropped {
		evt := shared.NewSeatEvent(shared.EventEnrollmentDropped, crs.ID, cmd.StudentID, cmd.ActorID)
		evt.Reason = cmd.Reason
		m.publish(ctx, evt)
	}
	log.Info("seat released", logger.String("status", string(to)))

	promoted, err := m.promote(ctx, crs, cmd.ActorID, trigger)
	if err != nil {
		log.Warn("promotion after seat release failed; seat stays free", logger.Err(err))
		return result, nil
	}
	if promoted != nil {
		result.Promoted = true
		result.PromotedStudentID = promoted.StudentID
	}
	return result, nil
}
