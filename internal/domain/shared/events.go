package shared

import (
	"time"
)

// EventType names a domain event.
type EventType string

// Seat lifecycle events. Their aggregate is always the course.
const (
	EventEnrollmentActivated EventType = "enrollment.activated"
	EventEnrollmentDropped   EventType = "enrollment.dropped"
	EventStudentWaitlisted   EventType = "enrollment.waitlisted"
	EventStudentPromoted     EventType = "enrollment.promoted"
	EventWaitlistWithdrawn   EventType = "waitlist.withdrawn"
)

// Event is implemented by every domain event.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
	AggregateID() string
}

// BaseEvent carries the envelope fields; embed it to implement Event.
type BaseEvent struct {
	Type          EventType `json:"type"`
	At            time.Time `json:"occurred_at"`
	Aggregate     string    `json:"aggregate_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.At }
func (e BaseEvent) AggregateID() string   { return e.Aggregate }

// NewBaseEvent stamps the current UTC time.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{Type: eventType, At: time.Now().UTC(), Aggregate: aggregateID}
}

// WithCorrelationID returns a copy tagged with the request that caused it.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// SeatEvent reports one seat transition: activation, drop, waitlisting,
// promotion or withdrawal. Position is set for waitlist events. Remote
// marks a copy relayed from another instance; it never goes on the wire.
type SeatEvent struct {
	BaseEvent
	CourseID  string `json:"course_id"`
	StudentID string `json:"student_id"`
	ActorID   string `json:"actor_id"`
	Position  int    `json:"position,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Remote    bool   `json:"-"`
}

func NewSeatEvent(eventType EventType, courseID, studentID, actorID string) SeatEvent {
	return SeatEvent{
		BaseEvent: NewBaseEvent(eventType, courseID),
		CourseID:  courseID,
		StudentID: studentID,
		ActorID:   actorID,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Bus contracts
// ─────────────────────────────────────────────────────────────────────────────

// EventHandler reacts to one event. Its error is logged by the bus, never
// returned to the publisher.
type EventHandler func(event Event) error

type EventPublisher interface {
	Publish(event Event) error
}

type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll receives every event type.
	SubscribeAll(handler EventHandler) error
}

type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) error { return nil }
