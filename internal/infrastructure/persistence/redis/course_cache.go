package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alem-hub/course-capacity/internal/domain/course"
	"github.com/alem-hub/course-capacity/pkg/circuitbreaker"
)

// KeyValue is the subset of Cache used by CourseCache.
type KeyValue interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CourseCache implements course.Registry as a read-through cache in front of
// another registry. Cache failures never fail a lookup: the breaker opens
// after repeated Redis errors and lookups go straight to the registry.
//
// Only course metadata is cached. Seat counts are always read live.
type CourseCache struct {
	next    course.Registry
	cache   KeyValue
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewCourseCache wraps next. breaker may be nil.
func NewCourseCache(next course.Registry, cache KeyValue, ttl time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *slog.Logger) *CourseCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CourseCache{
		next:    next,
		cache:   cache,
		ttl:     ttl,
		breaker: breaker,
		logger:  logger.With("component", "course_cache"),
	}
}

// GetCourse implements course.Registry.
func (c *CourseCache) GetCourse(ctx context.Context, courseID string) (*course.Course, error) {
	key := CourseKey(courseID)

	var cached course.Course
	err := c.guard(ctx, func(ctx context.Context) error {
		err := c.cache.Get(ctx, key, &cached)
		if errors.Is(err, ErrCacheMiss) {
			// A miss is not a Redis failure.
			return nil
		}
		return err
	})
	if err == nil && cached.ID != "" {
		return &cached, nil
	}
	if err != nil {
		c.logger.Warn("course cache read failed", "course_id", courseID, "error", err)
	}

	crs, err := c.next.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}

	if err := c.guard(ctx, func(ctx context.Context) error {
		return c.cache.Set(ctx, key, crs, c.ttl)
	}); err != nil {
		c.logger.Warn("course cache write failed", "course_id", courseID, "error", err)
	}
	return crs, nil
}

// Invalidate drops the cached snapshot of a course.
func (c *CourseCache) Invalidate(ctx context.Context, courseID string) error {
	return c.guard(ctx, func(ctx context.Context) error {
		return c.cache.Delete(ctx, CourseKey(courseID))
	})
}

func (c *CourseCache) guard(ctx context.Context, fn func(context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Execute(ctx, fn)
}
