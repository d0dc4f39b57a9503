// Package jobs contains the scheduled jobs of the course capacity service.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alem-hub/course-capacity/internal/application/command"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE WAITLISTS JOB
// ══════════════════════════════════════════════════════════════════════════════

// WaitlistSource lists the courses that currently have waiting students.
type WaitlistSource interface {
	CoursesWithWaitlist(ctx context.Context) ([]string, error)
}

// WaitlistPromoter fills the free seats of one course from its waitlist.
type WaitlistPromoter interface {
	PromoteWaitlisted(ctx context.Context, courseID string) (*command.PromotionResult, error)
}

// ReconcileWaitlistsJob promotes waitlisted students into seats that were
// left free: a best-effort promotion that failed after a drop, or a
// capacity increase in the course registry.
type ReconcileWaitlistsJob struct {
	source   WaitlistSource
	promoter WaitlistPromoter
	logger   *slog.Logger
	config   ReconcileWaitlistsConfig

	lastStats atomic.Value // *ReconcileStats
}

// ReconcileWaitlistsConfig contains configuration for the job.
type ReconcileWaitlistsConfig struct {
	// Concurrency is how many courses are reconciled at once.
	Concurrency int

	// Timeout is the maximum duration of one run.
	Timeout time.Duration
}

// DefaultReconcileWaitlistsConfig returns sensible defaults.
func DefaultReconcileWaitlistsConfig() ReconcileWaitlistsConfig {
	return ReconcileWaitlistsConfig{
		Concurrency: 4,
		Timeout:     2 * time.Minute,
	}
}

// ReconcileStats contains statistics from one run.
type ReconcileStats struct {
	StartedAt        time.Time
	CompletedAt      time.Time
	Duration         time.Duration
	CoursesScanned   int
	CoursesPromoted  int
	StudentsPromoted int
	Errors           []error
}

// NewReconcileWaitlistsJob creates the job.
func NewReconcileWaitlistsJob(source WaitlistSource, promoter WaitlistPromoter, logger *slog.Logger, config ReconcileWaitlistsConfig) *ReconcileWaitlistsJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &ReconcileWaitlistsJob{
		source:   source,
		promoter: promoter,
		logger:   logger.With("job", "reconcile_waitlists"),
		config:   config,
	}
}

// Name returns the job name.
func (j *ReconcileWaitlistsJob) Name() string {
	return "reconcile_waitlists"
}

// Description returns a human-readable description.
func (j *ReconcileWaitlistsJob) Description() string {
	return "Promotes waitlisted students into free seats left by failed promotions or capacity increases"
}

// Run executes one reconciliation pass. A failing course does not stop the
// others; the joined error is returned at the end.
func (j *ReconcileWaitlistsJob) Run(ctx context.Context) error {
	stats := &ReconcileStats{StartedAt: time.Now()}
	defer func() {
		stats.CompletedAt = time.Now()
		stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
		j.lastStats.Store(stats)
	}()

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	courses, err := j.source.CoursesWithWaitlist(ctx)
	if err != nil {
		return fmt.Errorf("failed to list waitlisted courses: %w", err)
	}
	stats.CoursesScanned = len(courses)
	if len(courses) == 0 {
		return nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, j.config.Concurrency)
	)

	stop := func(err error) error {
		wg.Wait()
		stats.Errors = append(stats.Errors, err)
		return errors.Join(stats.Errors...)
	}

	for _, courseID := range courses {
		if err := ctx.Err(); err != nil {
			return stop(err)
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return stop(ctx.Err())
		}

		wg.Add(1)
		go func(courseID string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := j.promoter.PromoteWaitlisted(ctx, courseID)

			mu.Lock()
			defer mu.Unlock()

			if res != nil && len(res.PromotedStudentIDs) > 0 {
				stats.CoursesPromoted++
				stats.StudentsPromoted += len(res.PromotedStudentIDs)
				j.logger.Info("promoted waitlisted students",
					"course_id", courseID,
					"promoted", len(res.PromotedStudentIDs),
				)
			}
			if err != nil {
				stats.Errors = append(stats.Errors, fmt.Errorf("course %s: %w", courseID, err))
				j.logger.Error("failed to reconcile course waitlist",
					"course_id", courseID,
					"error", err,
				)
			}
		}(courseID)
	}
	wg.Wait()

	j.logger.Info("reconcile_waitlists completed",
		"courses_scanned", stats.CoursesScanned,
		"courses_promoted", stats.CoursesPromoted,
		"students_promoted", stats.StudentsPromoted,
		"errors", len(stats.Errors),
	)

	return errors.Join(stats.Errors...)
}

// LastStats returns statistics from the most recent run, or nil.
func (j *ReconcileWaitlistsJob) LastStats() *ReconcileStats {
	if v := j.lastStats.Load(); v != nil {
		return v.(*ReconcileStats)
	}
	return nil
}
