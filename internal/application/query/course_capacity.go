// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/course-capacity/internal/domain/course"
	"github.com/alem-hub/course-capacity/internal/domain/enrollment"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET COURSE CAPACITY QUERY
// Показывает занятость курса: сколько мест занято, сколько свободно и
// сколько студентов ждёт в очереди. Значения считаются из живых данных.
// ══════════════════════════════════════════════════════════════════════════════

// GetCourseCapacityQuery содержит параметры запроса занятости курса.
type GetCourseCapacityQuery struct {
	// CourseID - идентификатор курса.
	CourseID string
}

// Validate проверяет корректность параметров запроса.
func (q *GetCourseCapacityQuery) Validate() error {
	q.CourseID = shared.NormalizeID(q.CourseID)
	return shared.RequireID("query", "GetCourseCapacity", "course_id", q.CourseID)
}

// CourseCapacityDTO - DTO с занятостью курса.
type CourseCapacityDTO struct {
	CourseID       string        `json:"course_id"`
	Title          string        `json:"title"`
	Status         course.Status `json:"status"`
	MaxStudents    int           `json:"max_students"`
	ActiveSeats    int           `json:"active_seats"`
	FreeSeats      int           `json:"free_seats"`
	WaitlistLength int           `json:"waitlist_length"`
	IsOpen         bool          `json:"is_open"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// GetCourseCapacityHandler обрабатывает запрос занятости курса.
type GetCourseCapacityHandler struct {
	store   enrollment.Store
	courses course.Registry
	ledger  *enrollment.CapacityLedger
	clock   timeutil.Clock
}

// NewGetCourseCapacityHandler создаёт новый обработчик.
func NewGetCourseCapacityHandler(store enrollment.Store, courses course.Registry, clock timeutil.Clock) *GetCourseCapacityHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &GetCourseCapacityHandler{
		store:   store,
		courses: courses,
		ledger:  enrollment.NewCapacityLedger(),
		clock:   clock,
	}
}

// Handle выполняет запрос.
func (h *GetCourseCapacityHandler) Handle(ctx context.Context, q GetCourseCapacityQuery) (*CourseCapacityDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	crs, err := h.courses.GetCourse(ctx, q.CourseID)
	if err != nil {
		return nil, fmt.Errorf("get course capacity: %w", err)
	}

	now := h.clock.Now()
	dto := &CourseCapacityDTO{
		CourseID:    crs.ID,
		Title:       crs.Title,
		Status:      crs.Status,
		MaxStudents: crs.MaxStudents,
		IsOpen:      crs.IsOpenAt(now),
		CheckedAt:   now,
	}

	err = h.store.View(ctx, func(ctx context.Context, tx enrollment.Tx) error {
		active, err := h.ledger.ActiveSeatCount(ctx, tx, crs.ID)
		if err != nil {
			return err
		}
		waiting, err := tx.ListActiveWaitlist(ctx, crs.ID)
		if err != nil {
			return err
		}
		dto.ActiveSeats = active
		dto.FreeSeats = enrollment.FreeSeats(active, crs.MaxStudents)
		dto.WaitlistLength = len(waiting)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get course capacity: %w", err)
	}
	return dto, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// GET WAITLIST QUERY
// Возвращает активную очередь курса в порядке позиций.
// ══════════════════════════════════════════════════════════════════════════════

// GetWaitlistQuery содержит параметры запроса очереди.
type GetWaitlistQuery struct {
	CourseID string
}

// Validate проверяет корректность параметров запроса.
func (q *GetWaitlistQuery) Validate() error {
	q.CourseID = shared.NormalizeID(q.CourseID)
	return shared.RequireID("query", "GetWaitlist", "course_id", q.CourseID)
}

// WaitlistEntryDTO - одна позиция в очереди.
type WaitlistEntryDTO struct {
	StudentID string    `json:"student_id"`
	Position  int       `json:"position"`
	JoinedAt  time.Time `json:"joined_at"`
}

// WaitlistDTO - очередь курса.
type WaitlistDTO struct {
	CourseID string             `json:"course_id"`
	Entries  []WaitlistEntryDTO `json:"entries"`
}

// GetWaitlistHandler обрабатывает запрос очереди.
type GetWaitlistHandler struct {
	store enrollment.Store
}

// NewGetWaitlistHandler создаёт новый обработчик.
func NewGetWaitlistHandler(store enrollment.Store) *GetWaitlistHandler {
	return &GetWaitlistHandler{store: store}
}

// Handle выполняет запрос.
func (h *GetWaitlistHandler) Handle(ctx context.Context, q GetWaitlistQuery) (*WaitlistDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	dto := &WaitlistDTO{CourseID: q.CourseID, Entries: []WaitlistEntryDTO{}}
	err := h.store.View(ctx, func(ctx context.Context, tx enrollment.Tx) error {
		entries, err := tx.ListActiveWaitlist(ctx, q.CourseID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			dto.Entries = append(dto.Entries, WaitlistEntryDTO{
				StudentID: e.StudentID,
				Position:  e.Position,
				JoinedAt:  e.JoinedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get waitlist: %w", err)
	}
	return dto, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECK ELIGIBILITY QUERY
// Отвечает, может ли студент записаться на курс прямо сейчас, и если нет -
// почему. Ничего не меняет.
// ══════════════════════════════════════════════════════════════════════════════

// CheckEligibilityQuery содержит параметры проверки.
type CheckEligibilityQuery struct {
	StudentID string
	CourseID  string
}

// Validate проверяет корректность параметров запроса.
func (q *CheckEligibilityQuery) Validate() error {
	q.StudentID = shared.NormalizeID(q.StudentID)
	q.CourseID = shared.NormalizeID(q.CourseID)
	if err := shared.RequireID("query", "CheckEligibility", "student_id", q.StudentID); err != nil {
		return err
	}
	return shared.RequireID("query", "CheckEligibility", "course_id", q.CourseID)
}

// EligibilityDTO - результат проверки.
type EligibilityDTO struct {
	StudentID string `json:"student_id"`
	CourseID  string `json:"course_id"`
	Eligible  bool   `json:"eligible"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// HasFreeSeat - есть ли сейчас свободное место (иначе запись попадёт в очередь).
	HasFreeSeat bool `json:"has_free_seat"`
}

// CheckEligibilityHandler обрабатывает проверку.
type CheckEligibilityHandler struct {
	store   enrollment.Store
	courses course.Registry
	checker *enrollment.EligibilityChecker
	ledger  *enrollment.CapacityLedger
	clock   timeutil.Clock
}

// NewCheckEligibilityHandler создаёт новый обработчик.
func NewCheckEligibilityHandler(store enrollment.Store, courses course.Registry, clock timeutil.Clock) *CheckEligibilityHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &CheckEligibilityHandler{
		store:   store,
		courses: courses,
		checker: enrollment.NewEligibilityChecker(),
		ledger:  enrollment.NewCapacityLedger(),
		clock:   clock,
	}
}

// Handle выполняет проверку. Нарушение правила записи - это ответ, а не ошибка.
func (h *CheckEligibilityHandler) Handle(ctx context.Context, q CheckEligibilityQuery) (*EligibilityDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	crs, err := h.courses.GetCourse(ctx, q.CourseID)
	if err != nil {
		return nil, fmt.Errorf("check eligibility: %w", err)
	}

	dto := &EligibilityDTO{StudentID: q.StudentID, CourseID: crs.ID}
	err = h.store.View(ctx, func(ctx context.Context, tx enrollment.Tx) error {
		verdict := h.checker.Check(ctx, tx, crs, q.StudentID, h.clock.Now())
		if verdict != nil {
			code := shared.CodeOf(verdict)
			if code == "" {
				return verdict
			}
			dto.Code = code
			dto.Reason = reasonOf(verdict)
		} else {
			dto.Eligible = true
		}

		free, err := h.ledger.HasFreeSeat(ctx, tx, crs)
		if err != nil {
			return err
		}
		dto.HasFreeSeat = free
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check eligibility: %w", err)
	}
	return dto, nil
}

func reasonOf(err error) string {
	var de *shared.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
