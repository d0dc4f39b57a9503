package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/course-capacity/internal/domain/audit"
	"github.com/alem-hub/course-capacity/internal/domain/course"
	"github.com/alem-hub/course-capacity/internal/domain/enrollment"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENROLL COMMAND
// Grants a seat when one is free, otherwise puts the student on the waitlist.
// ══════════════════════════════════════════════════════════════════════════════

// EnrollCommand contains the data to enroll a student.
type EnrollCommand struct {
	// StudentID is the student who gets the seat.
	StudentID string

	// CourseID is the target course.
	CourseID string

	// ActorID is who asked. Empty means the student themself; anyone else
	// must be allowed to manage the course.
	ActorID string
}

func (c EnrollCommand) normalized() EnrollCommand {
	c.StudentID = shared.NormalizeID(c.StudentID)
	c.CourseID = shared.NormalizeID(c.CourseID)
	c.ActorID = shared.NormalizeID(c.ActorID)
	if c.ActorID == "" {
		c.ActorID = c.StudentID
	}
	return c
}

// Validate validates the command.
func (c EnrollCommand) Validate() error {
	if err := shared.RequireID("enrollment", "Enroll", "student_id", c.StudentID); err != nil {
		return err
	}
	return shared.RequireID("enrollment", "Enroll", "course_id", c.CourseID)
}

// EnrollResult contains the outcome of an enroll request.
type EnrollResult struct {
	// Enrolled is true when the student holds a seat.
	Enrolled bool

	// Waitlisted is true when the course was full.
	Waitlisted bool

	// EnrollmentID is set when Enrolled.
	EnrollmentID string

	// Position is the 1-based waitlist position when Waitlisted.
	Position int

	// RaceLost is true when a free seat was observed but a concurrent
	// claim took it first and the student was waitlisted instead.
	RaceLost bool

	// At is when the transition happened.
	At time.Time
}

// Enroll processes an enroll request.
func (m *LifecycleManager) Enroll(ctx context.Context, cmd EnrollCommand) (*EnrollResult, error) {
	cmd = cmd.normalized()
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	log := m.log.With(
		logger.Operation("enroll"),
		logger.CourseID(cmd.CourseID),
		logger.StudentID(cmd.StudentID),
		logger.ActorID(cmd.ActorID),
	)

	if cmd.ActorID != cmd.StudentID {
		if err := m.authorize(ctx, cmd.ActorID, cmd.CourseID); err != nil {
			return nil, err
		}
	}
	if err := m.requireStudent(ctx, cmd.StudentID); err != nil {
		return nil, err
	}

	crs, err := m.courses.GetCourse(ctx, cmd.CourseID)
	if err != nil {
		return nil, fmt.Errorf("enroll: load course: %w", err)
	}

	now := m.clock.Now()
	result := &EnrollResult{At: now}

	err = m.store.WithinCourse(ctx, crs.ID, func(ctx context.Context, tx enrollment.Tx) error {
		*result = EnrollResult{At: now}
		if err := m.eligibility.Check(ctx, tx, crs, cmd.StudentID, now); err != nil {
			return err
		}
		return m.claimOrEnqueue(ctx, tx, crs, cmd.StudentID, now, result)
	})
	if err != nil {
		if shared.CodeOf(err) == "" {
			log.Error("enroll failed", logger.Err(err))
		}
		return nil, err
	}

	if result.Enrolled {
		m.recorder.Record(ctx, audit.NewEntry(audit.ActionEnrolled, crs.ID, cmd.StudentID, cmd.ActorID, now).
			WithMeta("enrollment_id", result.EnrollmentID))
		m.publish(ctx, shared.NewSeatEvent(shared.EventEnrollmentActivated, crs.ID, cmd.StudentID, cmd.ActorID))
		log.Info("student enrolled")
		return result, nil
	}

	entry := audit.NewEntry(audit.ActionWaitlisted, crs.ID, cmd.StudentID, cmd.ActorID, now).
		WithMeta("position", fmt.Sprint(result.Position))
	if result.RaceLost {
		entry.WithMeta("race_lost", "true")
	}
	m.recorder.Record(ctx, entry)

	evt := shared.NewSeatEvent(shared.EventStudentWaitlisted, crs.ID, cmd.StudentID, cmd.ActorID)
	evt.Position = result.Position
	m.publish(ctx, evt)

	log.Info("student waitlisted", logger.Position(result.Position), logger.Bool("race_lost", result.RaceLost))
	return result, nil
}

// claimOrEnqueue re-checks capacity and either claims a seat or enqueues.
// A lost seat race is retried once as an enqueue within the same unit.
func (m *LifecycleManager) claimOrEnqueue(
	ctx context.Context,
	tx enrollment.Tx,
	crs *course.Course,
	studentID string,
	now time.Time,
	result *EnrollResult,
) error {
	free, err := m.ledger.HasFreeSeat(ctx, tx, crs)
	if err != nil {
		return err
	}

	if free {
		seat, err := m.seatFor(ctx, tx, studentID, crs.ID, now)
		if err != nil {
			return err
		}
		err = m.ledger.Claim(ctx, tx, crs, seat)
		switch {
		case err == nil:
			result.Enrolled = true
			result.EnrollmentID = seat.ID
			return nil
		case errors.Is(err, shared.ErrCapacityRaceLost):
			result.RaceLost = true
		default:
			return fmt.Errorf("claim seat: %w", err)
		}
	}

	entry, err := m.queue.Enqueue(ctx, tx, studentID, crs.ID, now)
	if err != nil {
		return err
	}
	result.Waitlisted = true
	result.Position = entry.Position
	return nil
}
