// Package retry re-runs an operation with exponential backoff. The service
// uses it to replay a seat transaction that lost a serialization conflict
// and to republish events to Redis.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it at once. Do unwraps it again before
// returning.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Backoff computes the wait before each retry.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter spreads each wait by up to ±Jitter of its value, in [0, 1].
	Jitter float64
}

// Delay returns the wait after the given failed attempt, starting at 1.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 1; i < attempt && d < float64(b.Max); i++ {
		d *= b.Multiplier
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(max(d, 0))
}

type settings struct {
	attempts int
	backoff  Backoff
	retryIf  func(error) bool
	onRetry  func(attempt int, err error, delay time.Duration)
}

// Option configures a Retrier.
type Option func(*settings)

// WithMaxAttempts counts the first call. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithBackoff replaces the default backoff.
func WithBackoff(b Backoff) Option {
	return func(s *settings) { s.backoff = b }
}

// WithRetryIf restricts retries to errors for which fn returns true.
func WithRetryIf(fn func(error) bool) Option {
	return func(s *settings) { s.retryIf = fn }
}

// WithOnRetry is called before every wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(s *settings) { s.onRetry = fn }
}

// Retrier runs operations under one retry policy. It holds no per-call
// state and may be shared.
type Retrier struct {
	cfg settings
}

// New returns a Retrier. By default it makes 3 attempts and retries every
// error that is neither Permanent nor a context error.
func New(opts ...Option) *Retrier {
	cfg := settings{
		attempts: 3,
		backoff: Backoff{
			Initial:    100 * time.Millisecond,
			Max:        5 * time.Second,
			Multiplier: 2,
			Jitter:     0.1,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Retrier{cfg: cfg}
}

// Do calls op until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. The last error from op is returned; a
// context error is returned only when op never ran.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var p permanent
		if errors.As(err, &p) {
			return p.err
		}
		if attempt >= r.cfg.attempts || !r.retryable(err) {
			return err
		}

		delay := r.cfg.backoff.Delay(attempt)
		if r.cfg.onRetry != nil {
			r.cfg.onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (r *Retrier) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.cfg.retryIf != nil {
		return r.cfg.retryIf(err)
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Presets
// ─────────────────────────────────────────────────────────────────────────────

// TransactionRetrier replays a whole database transaction while isConflict
// reports a transient conflict such as a serialization failure.
func TransactionRetrier(maxAttempts int, isConflict func(error) bool, onRetry func(attempt int, err error, delay time.Duration)) *Retrier {
	return New(
		WithMaxAttempts(maxAttempts),
		WithBackoff(Backoff{Initial: 20 * time.Millisecond, Max: 500 * time.Millisecond, Multiplier: 2, Jitter: 0.3}),
		WithRetryIf(isConflict),
		WithOnRetry(onRetry),
	)
}

// PublishRetrier retries a message publish a couple of times.
func PublishRetrier() *Retrier {
	return New(
		WithMaxAttempts(3),
		WithBackoff(Backoff{Initial: 50 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.1}),
	)
}
