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
// WAITLIST COMMANDS
// ══════════════════════════════════════════════════════════════════════════════

// RemoveFromWaitlistCommand withdraws a student from a course waitlist.
type RemoveFromWaitlistCommand struct {
	StudentID string
	CourseID  string

	// ActorID is who asked. Empty means the student themself.
	ActorID string
}

func (c RemoveFromWaitlistCommand) normalized() RemoveFromWaitlistCommand {
	c.StudentID = shared.NormalizeID(c.StudentID)
	c.CourseID = shared.NormalizeID(c.CourseID)
	c.ActorID = shared.NormalizeID(c.ActorID)
	if c.ActorID == "" {
		c.ActorID = c.StudentID
	}
	return c
}

// Validate validates the command.
func (c RemoveFromWaitlistCommand) Validate() error {
	if err := shared.RequireID("waitlist", "Remove", "student_id", c.StudentID); err != nil {
		return err
	}
	return shared.RequireID("waitlist", "Remove", "course_id", c.CourseID)
}

// RemoveFromWaitlistResult contains the withdrawn entry's last position.
type RemoveFromWaitlistResult struct {
	Position int
	At       time.Time
}

// RemoveFromWaitlist deactivates the student's active entry. Other positions
// are not renumbered.
func (m *LifecycleManager) RemoveFromWaitlist(ctx context.Context, cmd RemoveFromWaitlistCommand) (*RemoveFromWaitlistResult, error) {
	cmd = cmd.normalized()
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.ActorID != cmd.StudentID {
		if err := m.authorize(ctx, cmd.ActorID, cmd.CourseID); err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	result := &RemoveFromWaitlistResult{At: now}

	err := m.store.WithinCourse(ctx, cmd.CourseID, func(ctx context.Context, tx enrollment.Tx) error {
		entry, err := m.queue.Remove(ctx, tx, cmd.StudentID, cmd.CourseID, now)
		if err != nil {
			return err
		}
		result.Position = entry.Position
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.recorder.Record(ctx, audit.NewEntry(audit.ActionWithdrawn, cmd.CourseID, cmd.StudentID, cmd.ActorID, now).
		WithMeta("position", fmt.Sprint(result.Position)))

	evt := shared.NewSeatEvent(shared.EventWaitlistWithdrawn, cmd.CourseID, cmd.StudentID, cmd.ActorID)
	evt.Position = result.Position
	m.publish(ctx, evt)

	m.log.Info("student withdrew from waitlist",
		logger.CourseID(cmd.CourseID),
		logger.StudentID(cmd.StudentID),
		logger.ActorID(cmd.ActorID),
		logger.Position(result.Position))

	return result, nil
}

// PromotionResult lists the students a reconciliation pass promoted.
type PromotionResult struct {
	CourseID           string
	PromotedStudentIDs []string
}

// PromoteWaitlisted fills every free seat of a course from its waitlist,
// one promotion unit per seat. It repairs seats left free by a failed
// best-effort promotion or by a capacity increase.
func (m *LifecycleManager) PromoteWaitlisted(ctx context.Context, courseID string) (*PromotionResult, error) {
	courseID = shared.NormalizeID(courseID)
	if err := shared.RequireID("waitlist", "PromoteWaitlisted", "course_id", courseID); err != nil {
		return nil, err
	}

	crs, err := m.courses.GetCourse(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("promote waitlisted: load course: %w", err)
	}

	result := &PromotionResult{CourseID: crs.ID}
	for i := 0; i < m.config.MaxPromotionsPerRun; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		promoted, err := m.promote(ctx, crs, m.config.SystemActorID, "reconcile")
		if err != nil {
			return result, fmt.Errorf("promote waitlisted: %w", err)
		}
		if promoted == nil {
			break
		}
		result.PromotedStudentIDs = append(result.PromotedStudentIDs, promoted.StudentID)
	}
	return result, nil
}
