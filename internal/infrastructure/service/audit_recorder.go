package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alem-hub/course-capacity/internal/domain/audit"
	"github.com/alem-hub/course-capacity/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// ASYNC AUDIT RECORDER
// Record never blocks the lifecycle transition: entries go into a bounded
// queue drained by a small worker pool. A full queue, an open breaker or a
// failed write drops the entry and logs it.
// ══════════════════════════════════════════════════════════════════════════════

// ErrRecorderClosed is logged for entries recorded after Close.
var ErrRecorderClosed = errors.New("audit recorder is closed")

// AuditRecorderConfig contains configuration for AsyncAuditRecorder.
type AuditRecorderConfig struct {
	// QueueSize bounds the number of pending entries.
	QueueSize int

	// Workers is the number of goroutines writing to the store.
	Workers int

	// WriteTimeout bounds a single store write.
	WriteTimeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultAuditRecorderConfig returns sensible defaults.
func DefaultAuditRecorderConfig() AuditRecorderConfig {
	return AuditRecorderConfig{
		QueueSize:    1024,
		Workers:      2,
		WriteTimeout: 5 * time.Second,
	}
}

// AuditRecorderStats is a snapshot of recorder counters.
type AuditRecorderStats struct {
	Written int64
	Dropped int64
	Failed  int64
}

// AsyncAuditRecorder implements audit.Recorder.
type AsyncAuditRecorder struct {
	store   audit.Store
	breaker *circuitbreaker.CircuitBreaker
	config  AuditRecorderConfig
	logger  *slog.Logger

	queue chan *audit.Entry
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncAuditRecorder creates a recorder and starts its workers.
// breaker may be nil.
func NewAsyncAuditRecorder(store audit.Store, breaker *circuitbreaker.CircuitBreaker, config AuditRecorderConfig) *AsyncAuditRecorder {
	defaults := DefaultAuditRecorderConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	r := &AsyncAuditRecorder{
		store:   store,
		breaker: breaker,
		config:  config,
		logger:  config.Logger.With("component", "audit_recorder"),
		queue:   make(chan *audit.Entry, config.QueueSize),
	}

	for i := 0; i < config.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Record implements audit.Recorder.
func (r *AsyncAuditRecorder) Record(_ context.Context, e *audit.Entry) {
	if e == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(e, ErrRecorderClosed)
		return
	}

	select {
	case r.queue <- e:
	default:
		r.drop(e, errors.New("audit queue is full"))
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// expire.
func (r *AsyncAuditRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns counter values.
func (r *AsyncAuditRecorder) Stats() AuditRecorderStats {
	return AuditRecorderStats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}

func (r *AsyncAuditRecorder) worker() {
	defer r.wg.Done()
	for e := range r.queue {
		r.write(e)
	}
}

func (r *AsyncAuditRecorder) write(e *audit.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	write := func(ctx context.Context) error { return r.store.Append(ctx, e) }

	var err error
	if r.breaker != nil {
		err = r.breaker.Execute(ctx, write)
	} else {
		err = write(ctx)
	}

	if err != nil {
		r.failed.Add(1)
		r.logger.Error("audit write failed",
			"action", e.Action,
			"course_id", e.CourseID,
			"student_id", e.StudentID,
			"performed_by", e.PerformedBy,
			"error", err,
		)
		return
	}
	r.written.Add(1)
}

func (r *AsyncAuditRecorder) drop(e *audit.Entry, reason error) {
	r.dropped.Add(1)
	r.logger.Warn("audit entry dropped",
		"action", e.Action,
		"course_id", e.CourseID,
		"student_id", e.StudentID,
		"reason", reason,
	)
}
