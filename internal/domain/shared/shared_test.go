package shared

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_MatchesSentinelAndKind(t *testing.T) {
	err := fmt.Errorf("enroll: %w", ErrAlreadyWaitlisted.WithReason("student is already on the waitlist at position 3"))

	assert.ErrorIs(t, err, ErrAlreadyWaitlisted)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.NotErrorIs(t, err, ErrAlreadyEnrolled)
	assert.True(t, IsAlreadyExists(err))
	assert.Equal(t, "already_waitlisted", CodeOf(err))
	assert.Contains(t, err.Error(), "position 3")
	assert.Equal(t, "student is already on the waitlist for this course", ErrAlreadyWaitlisted.Message, "sentinel untouched")
}

func TestWrapError_KeepsCause(t *testing.T) {
	cause := errors.New("40001")
	err := WrapError("enrollment", "WithinCourse", ErrConcurrentModification, "course busy", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.True(t, IsRetryable(err))
	assert.Empty(t, CodeOf(err))
	assert.Equal(t, "enrollment.WithinCourse: course busy: 40001", err.Error())
}

func TestClassifiers(t *testing.T) {
	assert.True(t, IsNotFound(ErrCourseNotFound))
	assert.True(t, IsValidation(RequireID("enrollment", "Enroll", "course_id", "  ")))
	assert.NoError(t, RequireID("enrollment", "Enroll", "course_id", "c1"))
	assert.Equal(t, "invalid_course_id", CodeOf(RequireID("enrollment", "Enroll", "course_id", "")))
	assert.False(t, IsRetryable(ErrCapacityRaceLost))
	assert.Empty(t, CodeOf(errors.New("plain")))
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, "GO-101", NormalizeID("  GO-101 "))
	assert.NotEqual(t, NormalizeID("Alice"), NormalizeID("alice"))
}

func TestTimeWindow(t *testing.T) {
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	w := TimeWindow{Start: &start, End: &end}

	assert.False(t, w.Contains(start.Add(-time.Second)))
	assert.True(t, w.Contains(start))
	assert.True(t, w.Contains(end), "end bound is inclusive")
	assert.True(t, w.HasClosed(end.Add(time.Nanosecond)))
	assert.True(t, TimeWindow{}.Contains(start))
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0.0, NewPercentage(-5).Float64())
	assert.Equal(t, 100.0, NewPercentage(140).Float64())
	assert.Equal(t, 42.5, NewPercentage(42.5).Float64())
}

func TestSeatEvent(t *testing.T) {
	evt := NewSeatEvent(EventStudentPromoted, "c1", "s1", "system")
	evt.BaseEvent = evt.BaseEvent.WithCorrelationID("req-1")

	var e Event = evt
	assert.Equal(t, EventStudentPromoted, e.EventType())
	assert.Equal(t, "c1", e.AggregateID())
	assert.WithinDuration(t, time.Now(), e.OccurredAt(), time.Minute)
	assert.Equal(t, "req-1", evt.CorrelationID)
	assert.NoError(t, NopPublisher{}.Publish(evt))
}
