// Package course содержит доменную модель курса в том виде, в каком её видит
// сервис управления местами. Курсом владеет внешний реестр курсов,
// здесь он только читается.
package course

import (
	"context"
	"time"

	"github.com/alem-hub/course-capacity/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Status определяет жизненный цикл курса в реестре.
type Status string

const (
	// StatusDraft - курс ещё готовится, запись закрыта.
	StatusDraft Status = "draft"
	// StatusActive - курс опубликован, запись возможна.
	StatusActive Status = "active"
	// StatusArchived - курс в архиве, запись закрыта.
	StatusArchived Status = "archived"
)

// IsValid проверяет, что статус корректен.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusArchived:
		return true
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN ENTITY: COURSE
// ══════════════════════════════════════════════════════════════════════════════

// Course - снимок курса из реестра.
type Course struct {
	// ID - идентификатор курса.
	ID string `json:"id"`

	// Title - название (только для логов и ответов API).
	Title string `json:"title"`

	// MaxStudents - вместимость курса, всегда положительная.
	MaxStudents int `json:"max_students"`

	// Status - текущий статус курса.
	Status Status `json:"status"`

	// EnrollmentStart - начало окна записи (включительно), nil - без ограничения.
	EnrollmentStart *time.Time `json:"enrollment_start_date,omitempty"`

	// EnrollmentEnd - конец окна записи (включительно), nil - без ограничения.
	EnrollmentEnd *time.Time `json:"enrollment_end_date,omitempty"`

	// Prerequisites - курсы, которые студент должен завершить до записи.
	Prerequisites []string `json:"prerequisites,omitempty"`
}

// Validate проверяет инварианты снимка курса.
func (c *Course) Validate() error {
	if err := shared.RequireID("course", "Validate", "course_id", c.ID); err != nil {
		return err
	}
	if c.MaxStudents <= 0 {
		return shared.NewDomainError("course", "Validate", shared.ErrInvalidInput, "invalid_capacity", "max_students must be positive")
	}
	if !c.Status.IsValid() {
		return shared.NewDomainError("course", "Validate", shared.ErrInvalidInput, "invalid_status", "unknown course status")
	}
	return nil
}

// Window возвращает окно записи.
func (c *Course) Window() shared.TimeWindow {
	return shared.TimeWindow{Start: c.EnrollmentStart, End: c.EnrollmentEnd}
}

// IsActive возвращает true, если курс опубликован.
func (c *Course) IsActive() bool {
	return c.Status == StatusActive
}

// IsOpenAt возвращает true, если на курс можно записаться в момент t.
func (c *Course) IsOpenAt(t time.Time) bool {
	return c.IsActive() && c.Window().Contains(t)
}

// HasPrerequisites возвращает true, если у курса есть пререквизиты.
func (c *Course) HasPrerequisites() bool {
	return len(c.Prerequisites) > 0
}

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ══════════════════════════════════════════════════════════════════════════════

// Registry - контракт внешнего реестра курсов.
type Registry interface {
	// GetCourse возвращает курс по ID.
	// Возвращает shared.ErrCourseNotFound, если курс не найден.
	GetCourse(ctx context.Context, courseID string) (*Course, error)
}
