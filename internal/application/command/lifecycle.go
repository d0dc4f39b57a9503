// Package command contains write operations (CQRS - Commands).
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
	"github.com/alem-hub/course-capacity/internal/domain/user"
	"github.com/alem-hub/course-capacity/pkg/logger"
	"github.com/alem-hub/course-capacity/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT LIFECYCLE MANAGER
// Orchestrates eligibility, capacity and the waitlist for enroll, drop,
// unenroll, complete and waitlist withdrawal. Every state change of a course
// happens inside one Store.WithinCourse unit; audit and events follow the
// committed change and never undo it.
// ══════════════════════════════════════════════════════════════════════════════

// LifecycleConfig contains configuration for the manager.
type LifecycleConfig struct {
	// SystemActorID is recorded as performer of promotions that no request
	// triggered (reconciliation).
	SystemActorID string

	// MaxPromotionsPerRun caps how many students one reconciliation pass
	// may promote for a single course.
	MaxPromotionsPerRun int
}

// DefaultLifecycleConfig returns default configuration.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		SystemActorID:       "system",
		MaxPromotionsPerRun: 100,
	}
}

// LifecycleManager handles every seat-changing command.
type LifecycleManager struct {
	store      enrollment.Store
	courses    course.Registry
	users      user.Directory
	authorizer user.Authorizer
	recorder   audit.Recorder
	publisher  shared.EventPublisher
	clock      timeutil.Clock
	log        *logger.Logger

	eligibility *enrollment.EligibilityChecker
	ledger      *enrollment.CapacityLedger
	queue       *enrollment.WaitlistQueue

	config LifecycleConfig
}

// NewLifecycleManager creates a new LifecycleManager. A nil publisher,
// clock or logger falls back to a no-op publisher, the system clock and the
// default logger.
func NewLifecycleManager(
	store enrollment.Store,
	courses course.Registry,
	users user.Directory,
	authorizer user.Authorizer,
	recorder audit.Recorder,
	publisher shared.EventPublisher,
	clock timeutil.Clock,
	log *logger.Logger,
	config LifecycleConfig,
) *LifecycleManager {
	defaults := DefaultLifecycleConfig()
	if config.SystemActorID == "" {
		config.SystemActorID = defaults.SystemActorID
	}
	if config.MaxPromotionsPerRun <= 0 {
		config.MaxPromotionsPerRun = defaults.MaxPromotionsPerRun
	}
	if publisher == nil {
		publisher = shared.NopPublisher{}
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Default()
	}

	return &LifecycleManager{
		store:       store,
		courses:     courses,
		users:       users,
		authorizer:  authorizer,
		recorder:    recorder,
		publisher:   publisher,
		clock:       clock,
		log:         log.With(logger.Component("lifecycle")),
		eligibility: enrollment.NewEligibilityChecker(),
		ledger:      enrollment.NewCapacityLedger(),
		queue:       enrollment.NewWaitlistQueue(),
		config:      config,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SHARED STEPS
// ══════════════════════════════════════════════════════════════════════════════

// authorize checks that actorID may manage enrollments of courseID.
func (m *LifecycleManager) authorize(ctx context.Context, actorID, courseID string) error {
	ok, err := m.authorizer.CanManageCourse(ctx, actorID, courseID)
	if err != nil {
		return fmt.Errorf("authorize actor: %w", err)
	}
	if !ok {
		return shared.ErrUnauthorizedActor
	}
	return nil
}

// requireStudent checks the directory for an active student account.
func (m *LifecycleManager) requireStudent(ctx context.Context, studentID string) error {
	u, err := m.users.GetUser(ctx, studentID)
	if err != nil {
		if errors.Is(err, shared.ErrUserNotFound) {
			return shared.ErrInvalidStudent.WithReason("user " + studentID + " does not exist")
		}
		return fmt.Errorf("load user: %w", err)
	}
	if !u.IsActiveStudent() {
		return shared.ErrInvalidStudent
	}
	return nil
}

// seatFor returns the enrollment to claim for the pair: the reactivated
// dropped row if one exists, otherwise a new row.
func (m *LifecycleManager) seatFor(ctx context.Context, tx enrollment.Tx, studentID, courseID string, now time.Time) (*enrollment.Enrollment, error) {
	existing, err := tx.FindEnrollment(ctx, studentID, courseID)
	if err != nil {
		if shared.IsNotFound(err) {
			return enrollment.NewEnrollment(studentID, courseID, now), nil
		}
		return nil, fmt.Errorf("load enrollment: %w", err)
	}
	if existing.BlocksEnrollment() {
		return nil, shared.ErrAlreadyEnrolled
	}
	if err := existing.Activate(now); err != nil {
		return nil, err
	}
	return existing, nil
}

// promote runs one promotion unit: if the course has a free seat, the head
// of the waitlist is deactivated and granted that seat together. Returns nil
// when nobody was promoted.
func (m *LifecycleManager) promote(ctx context.Context, crs *course.Course, actorID, trigger string) (*enrollment.WaitlistEntry, error) {
	if !crs.IsActive() {
		return nil, nil
	}

	now := m.clock.Now()
	var promoted *enrollment.WaitlistEntry

	err := m.store.WithinCourse(ctx, crs.ID, func(ctx context.Context, tx enrollment.Tx) error {
		free, err := m.ledger.HasFreeSeat(ctx, tx, crs)
		if err != nil || !free {
			return err
		}

		for {
			head, err := m.queue.PromoteNext(ctx, tx, crs.ID, now)
			if err != nil {
				return err
			}
			if head == nil {
				return nil
			}

			seat, err := m.seatFor(ctx, tx, head.StudentID, crs.ID, now)
			if errors.Is(err, shared.ErrAlreadyEnrolled) {
				// Stale entry: the student got a seat some other way.
				m.log.Warn("skipping waitlist entry of already enrolled student",
					logger.CourseID(crs.ID), logger.StudentID(head.StudentID))
				continue
			}
			if err != nil {
				return err
			}
			if err := m.ledger.Claim(ctx, tx, crs, seat); err != nil {
				return err
			}
			promoted = head
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	if promoted == nil {
		return nil, nil
	}

	m.recorder.Record(ctx, audit.NewEntry(audit.ActionPromoted, crs.ID, promoted.StudentID, actorID, now).
		WithMeta("trigger", trigger).
		WithMeta("position", fmt.Sprint(promoted.Position)))

	evt := shared.NewSeatEvent(shared.EventStudentPromoted, crs.ID, promoted.StudentID, actorID)
	evt.Position = promoted.Position
	m.publish(ctx, evt)

	m.log.Info("student promoted from waitlist",
		logger.CourseID(crs.ID),
		logger.StudentID(promoted.StudentID),
		logger.Position(promoted.Position),
		logger.String("trigger", trigger))

	return promoted, nil
}

func (m *LifecycleManager) publish(ctx context.Context, evt shared.SeatEvent) {
	if id := correlationID(ctx); id != "" {
		evt.BaseEvent = evt.BaseEvent.WithCorrelationID(id)
	}
	if err := m.publisher.Publish(evt); err != nil {
		m.log.Warn("failed to publish event",
			logger.String("event_type", string(evt.EventType())),
			logger.CourseID(evt.CourseID),
			logger.Err(err))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Correlation
// ─────────────────────────────────────────────────────────────────────────────

type correlationKey struct{}

// WithCorrelationID attaches a correlation ID that is copied onto every event
// the manager publishes for this request.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
