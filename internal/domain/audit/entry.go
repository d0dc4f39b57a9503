// Package audit describes the append-only history of enrollment lifecycle
// transitions.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action is the transition being recorded.
type Action string

const (
	ActionEnrolled   Action = "enrolled"
	ActionDropped    Action = "dropped"
	ActionWaitlisted Action = "waitlisted"
	ActionPromoted   Action = "promoted"
	ActionWithdrawn  Action = "withdrawn"
	ActionCompleted  Action = "completed"
)

// Entry is one write-once audit record.
type Entry struct {
	ID          string
	CourseID    string
	StudentID   string
	Action      Action
	PerformedBy string
	Reason      string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// NewEntry creates an entry stamped with a fresh ID.
func NewEntry(action Action, courseID, studentID, performedBy string, at time.Time) *Entry {
	return &Entry{
		ID:          uuid.New().String(),
		CourseID:    courseID,
		StudentID:   studentID,
		Action:      action,
		PerformedBy: performedBy,
		CreatedAt:   at,
	}
}

// WithReason sets the free-form reason.
func (e *Entry) WithReason(reason string) *Entry {
	e.Reason = reason
	return e
}

// WithMeta adds a metadata key.
func (e *Entry) WithMeta(key, value string) *Entry {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Store persists entries. Implementations only ever insert.
type Store interface {
	Append(ctx context.Context, e *Entry) error
}

// Recorder accepts entries without blocking the caller and never reports
// failure to it.
type Recorder interface {
	Record(ctx context.Context, e *Entry)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e *Entry)

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, e *Entry) { f(ctx, e) }
