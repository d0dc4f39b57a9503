// Package eventhandler содержит обработчики доменных событий.
package eventhandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/alem-hub/course-capacity/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON SEAT CHANGED HANDLER
// Превращает события жизненного цикла записи в уведомления студентам:
// - студент получил место из очереди (самое важное уведомление);
// - студент попал в очередь и узнал свою позицию;
// - преподаватель или администратор отчислил студента.
// Доставка уведомлений - задача внешнего сервиса, здесь только намерение.
// ═══════════════════════════════════════════════════════════════════════════

// NotificationKind - тип уведомления.
type NotificationKind string

const (
	NotificationSeatGranted NotificationKind = "seat_granted"
	NotificationWaitlisted  NotificationKind = "waitlisted"
	NotificationUnenrolled  NotificationKind = "unenrolled"
)

// SeatNotification - уведомление для одного студента.
type SeatNotification struct {
	RecipientID   string
	Kind          NotificationKind
	CourseID      string
	Position      int
	Reason        string
	CorrelationID string
	CreatedAt     time.Time
}

// Notifier доставляет уведомления.
type Notifier interface {
	Notify(ctx context.Context, n SeatNotification) error
}

// OnSeatChangedHandler обрабатывает события мест.
type OnSeatChangedHandler struct {
	notifier Notifier
	logger   *slog.Logger
	timeout  time.Duration
}

// NewOnSeatChangedHandler создаёт новый обработчик.
func NewOnSeatChangedHandler(notifier Notifier, logger *slog.Logger) *OnSeatChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnSeatChangedHandler{
		notifier: notifier,
		logger:   logger.With("handler", "on_seat_changed"),
		timeout:  10 * time.Second,
	}
}

// Subscribe регистрирует обработчик на нужные типы событий.
func (h *OnSeatChangedHandler) Subscribe(bus shared.EventSubscriber) error {
	for _, t := range []shared.EventType{
		shared.EventStudentPromoted,
		shared.EventStudentWaitlisted,
		shared.EventEnrollmentDropped,
	} {
		if err := bus.Subscribe(t, h.Handle); err != nil {
			return err
		}
	}
	return nil
}

// Handle обрабатывает событие.
// Реализует интерфейс shared.EventHandler.
func (h *OnSeatChangedHandler) Handle(event shared.Event) error {
	seat, ok := event.(shared.SeatEvent)
	if !ok {
		h.logger.Warn("received non-SeatEvent", "event_type", event.EventType())
		return nil
	}
	// Уведомление отправляет инстанс, на котором произошёл переход.
	if seat.Remote {
		return nil
	}

	n := SeatNotification{
		RecipientID:   seat.StudentID,
		CourseID:      seat.CourseID,
		Position:      seat.Position,
		Reason:        seat.Reason,
		CorrelationID: seat.CorrelationID,
		CreatedAt:     seat.OccurredAt(),
	}

	switch seat.EventType() {
	case shared.EventStudentPromoted:
		n.Kind = NotificationSeatGranted
	case shared.EventStudentWaitlisted:
		n.Kind = NotificationWaitlisted
	case shared.EventEnrollmentDropped:
		// Студент сам знает, что ушёл с курса.
		if seat.ActorID == seat.StudentID {
			return nil
		}
		n.Kind = NotificationUnenrolled
	default:
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.notifier.Notify(ctx, n); err != nil {
		h.logger.Error("failed to send seat notification",
			"kind", n.Kind,
			"student_id", n.RecipientID,
			"course_id", n.CourseID,
			"error", err,
		)
		return err
	}
	return nil
}
