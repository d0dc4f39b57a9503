package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/course-capacity/internal/domain/course"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// COURSE REGISTRY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// CourseRegistry implements course.Registry for PostgreSQL.
type CourseRegistry struct {
	conn *Connection
}

// NewCourseRegistry creates a new CourseRegistry.
func NewCourseRegistry(conn *Connection) *CourseRegistry {
	return &CourseRegistry{conn: conn}
}

// GetCourse returns the course with its prerequisites. Window dates are
// stored as DATE and become inclusive whole-day bounds in the platform
// timezone.
func (r *CourseRegistry) GetCourse(ctx context.Context, courseID string) (*course.Course, error) {
	query := `
		SELECT c.id, c.title, c.max_students, c.status,
			   c.enrollment_start_date, c.enrollment_end_date,
			   COALESCE(array_agg(p.prerequisite_id ORDER BY p.prerequisite_id)
			            FILTER (WHERE p.prerequisite_id IS NOT NULL), '{}')
		FROM courses c
		LEFT JOIN course_prerequisites p ON p.course_id = c.id
		WHERE c.id = $1
		GROUP BY c.id
	`

	var (
		c          course.Course
		status     string
		start, end *time.Time
	)
	err := r.conn.QueryRow(ctx, query, courseID).Scan(
		&c.ID,
		&c.Title,
		&c.MaxStudents,
		&status,
		&start,
		&end,
		&c.Prerequisites,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrCourseNotFound
		}
		return nil, fmt.Errorf("failed to get course: %w", err)
	}

	c.Status = course.Status(status)
	c.EnrollmentStart = timeutil.StartBound(localDate(start))
	c.EnrollmentEnd = timeutil.EndBound(localDate(end))
	return &c, nil
}

// localDate reinterprets a DATE value (scanned as UTC midnight) as the same
// calendar day in the platform timezone.
func localDate(d *time.Time) *time.Time {
	if d == nil {
		return nil
	}
	t := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, timeutil.Location())
	return &t
}
