// Package scheduler runs the periodic maintenance jobs of the course capacity
// service, such as waitlist reconciliation. Jobs are scheduled by interval or
// cron expression; a job never overlaps with its own previous run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrNilJob                  = errors.New("scheduler: job is nil")
	ErrNilSchedule             = errors.New("scheduler: schedule is nil")
	ErrJobAlreadyExists        = errors.New("scheduler: job already registered")
	ErrJobNotFound             = errors.New("scheduler: job not found")
	ErrJobRunning              = errors.New("scheduler: job is already running")
	ErrSchedulerAlreadyRunning = errors.New("scheduler: already running")
	ErrSchedulerNotRunning     = errors.New("scheduler: not running")
)

// ══════════════════════════════════════════════════════════════════════════════
// CONTRACTS
// ══════════════════════════════════════════════════════════════════════════════

// Job is a unit of periodic work.
type Job interface {
	Name() string
	Description() string

	// Run performs one pass. ctx is cancelled on Stop or when the pass
	// exceeds the job timeout.
	Run(ctx context.Context) error
}

// Schedule yields the next slot strictly after t.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

// JobResult describes one finished pass.
type JobResult struct {
	JobName   string
	Manual    bool
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Success reports whether the pass returned no error.
func (r JobResult) Success() bool { return r.Err == nil }

// JobInfo is a snapshot of a registered job.
type JobInfo struct {
	Name        string
	Description string
	Schedule    string
	Enabled     bool
	Running     bool
	LastRun     time.Time
	NextRun     time.Time
	Runs        int64
	Failures    int64
	Skipped     int64
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Logger *slog.Logger

	// Timezone in which schedules are evaluated.
	Timezone *time.Location

	// TickInterval is how often due jobs are looked for.
	TickInterval time.Duration

	// JobTimeout bounds a single pass. Zero means no limit.
	JobTimeout time.Duration
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Logger:       slog.Default(),
		Timezone:     time.UTC,
		TickInterval: time.Second,
		JobTimeout:   5 * time.Minute,
	}
}

type entry struct {
	job      Job
	schedule Schedule
	enabled  bool
	running  bool
	lastRun  time.Time
	nextRun  time.Time
	runs     int64
	failures int64
	skipped  int64
}

// Scheduler starts registered jobs when their schedule comes due.
type Scheduler struct {
	log          *slog.Logger
	tz           *time.Location
	tickInterval time.Duration
	jobTimeout   time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onStart    func(jobName string)
	onComplete func(result JobResult)
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		log:          cfg.Logger.With("component", "scheduler"),
		tz:           cfg.Timezone,
		tickInterval: cfg.TickInterval,
		jobTimeout:   cfg.JobTimeout,
		entries:      make(map[string]*entry),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Registration
// ─────────────────────────────────────────────────────────────────────────────

// Register adds an enabled job.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	switch {
	case job == nil:
		return ErrNilJob
	case schedule == nil:
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}
	e := &entry{
		job:      job,
		schedule: schedule,
		enabled:  true,
		nextRun:  schedule.Next(s.now()),
	}
	s.entries[name] = e

	s.log.Info("job registered", "job", name, "schedule", schedule.String(), "next_run", e.nextRun.Format(time.RFC3339))
	return nil
}

// EnableJob resumes a job from its next slot.
func (s *Scheduler) EnableJob(name string) error {
	return s.withEntry(name, func(e *entry) {
		e.enabled = true
		e.nextRun = e.schedule.Next(s.now())
	})
}

// DisableJob keeps a job registered but stops starting it.
func (s *Scheduler) DisableJob(name string) error {
	return s.withEntry(name, func(e *entry) { e.enabled = false })
}

func (s *Scheduler) withEntry(name string, fn func(e *entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	fn(e)
	return nil
}

// OnJobStart registers a callback invoked before every pass.
func (s *Scheduler) OnJobStart(fn func(jobName string)) {
	s.mu.Lock()
	s.onStart = fn
	s.mu.Unlock()
}

// OnJobComplete registers a callback invoked after every pass.
func (s *Scheduler) OnJobComplete(fn func(result JobResult)) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// Start launches the loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)

	s.log.Info("scheduler started", "jobs", len(s.entries))
	return nil
}

// Stop cancels running passes and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether Start was called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range s.claimDue() {
				s.wg.Add(1)
				go func(e *entry) {
					defer s.wg.Done()
					s.execute(ctx, e, false)
				}(e)
			}
		}
	}
}

// claimDue marks due entries as running. A due entry whose previous pass
// is still running loses the slot.
func (s *Scheduler) claimDue() []*entry {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for name, e := range s.entries {
		if !e.enabled || now.Before(e.nextRun) {
			continue
		}
		e.nextRun = e.schedule.Next(now)
		if e.running {
			e.skipped++
			s.log.Warn("previous pass still running, slot skipped", "job", name)
			continue
		}
		e.running = true
		due = append(due, e)
	}
	return due
}

// RunNow runs a job once outside its schedule and waits for it. It fails
// with ErrJobRunning instead of overlapping a scheduled pass.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*JobResult, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	switch {
	case !ok:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	case e.running:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	e.running = true
	s.mu.Unlock()

	res := s.execute(ctx, e, true)
	return &res, res.Err
}

// execute runs one claimed pass and releases the claim.
func (s *Scheduler) execute(ctx context.Context, e *entry, manual bool) JobResult {
	name := e.job.Name()

	s.mu.Lock()
	onStart, onComplete := s.onStart, s.onComplete
	s.mu.Unlock()

	if onStart != nil {
		onStart(name)
	}

	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	started := time.Now()
	err := e.job.Run(ctx)
	res := JobResult{
		JobName:   name,
		Manual:    manual,
		StartedAt: started,
		Duration:  time.Since(started),
		Err:       err,
	}

	s.mu.Lock()
	e.running = false
	e.lastRun = started
	e.runs++
	if err != nil {
		e.failures++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("job failed", "job", name, "manual", manual, "duration", res.Duration, "error", err)
	} else {
		s.log.Info("job completed", "job", name, "manual", manual, "duration", res.Duration)
	}

	if onComplete != nil {
		onComplete(res)
	}
	return res
}

// ─────────────────────────────────────────────────────────────────────────────
// Introspection
// ─────────────────────────────────────────────────────────────────────────────

// ListJobs returns snapshots of all jobs ordered by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// JobInfo returns the snapshot of one job.
func (s *Scheduler) JobInfo(name string) (JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return JobInfo{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return e.info(), nil
}

func (e *entry) info() JobInfo {
	return JobInfo{
		Name:        e.job.Name(),
		Description: e.job.Description(),
		Schedule:    e.schedule.String(),
		Enabled:     e.enabled,
		Running:     e.running,
		LastRun:     e.lastRun,
		NextRun:     e.nextRun,
		Runs:        e.runs,
		Failures:    e.failures,
		Skipped:     e.skipped,
	}
}

func (s *Scheduler) now() time.Time {
	return time.Now().In(s.tz)
}
