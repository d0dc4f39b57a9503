package service

import (
	"context"
	"log/slog"

	"github.com/alem-hub/course-capacity/internal/application/eventhandler"
)

// LogNotifier implements eventhandler.Notifier by logging the notification.
// Delivery channels live outside this service.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, notif eventhandler.SeatNotification) error {
	n.logger.InfoContext(ctx, "seat notification",
		"kind", notif.Kind,
		"recipient", notif.RecipientID,
		"course_id", notif.CourseID,
		"position", notif.Position,
		"correlation_id", notif.CorrelationID,
	)
	return nil
}
