package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/course-capacity/internal/domain/enrollment"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT STORE IMPLEMENTATION
// WithinCourse opens a read-committed transaction and takes a
// transaction-scoped advisory lock keyed by the course ID, so units for the
// same course run one at a time while other courses proceed. ClaimSeat is
// additionally guarded by a conditional insert.
// ══════════════════════════════════════════════════════════════════════════════

// EnrollmentStore implements enrollment.Store for PostgreSQL.
type EnrollmentStore struct {
	conn    *Connection
	retrier *retry.Retrier
	logger  *slog.Logger
}

// NewEnrollmentStore creates a new EnrollmentStore. Units that fail with a
// serialization failure or deadlock are re-run up to txAttempts times.
func NewEnrollmentStore(conn *Connection, txAttempts int, logger *slog.Logger) *EnrollmentStore {
	if txAttempts <= 0 {
		txAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &EnrollmentStore{
		conn:   conn,
		logger: logger.With("component", "enrollment_store"),
	}
	s.retrier = retry.TransactionRetrier(txAttempts, IsSerializationFailure, func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("retrying enrollment transaction",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	})
	return s
}

// WithinCourse implements enrollment.Store.
// Conflicts that outlast the retries surface as a retryable domain error.
func (s *EnrollmentStore) WithinCourse(ctx context.Context, courseID string, fn func(ctx context.Context, tx enrollment.Tx) error) error {
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.conn.WithTx(ctx, writeTx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, courseID); err != nil {
				return fmt.Errorf("failed to lock course %s: %w", courseID, err)
			}
			return fn(ctx, &pgTx{q: tx})
		})
	})
	if err != nil && IsSerializationFailure(err) {
		return shared.WrapError("enrollment", "WithinCourse", shared.ErrConcurrentModification,
			"course "+courseID+" is busy, try again", err)
	}
	return err
}

// View implements enrollment.Store. The snapshot is repeatable-read so
// counts and lists taken by one fn agree with each other.
func (s *EnrollmentStore) View(ctx context.Context, fn func(ctx context.Context, tx enrollment.Tx) error) error {
	return s.conn.WithTx(ctx, snapshotTx, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx, readOnly: true})
	})
}

// CoursesWithWaitlist implements enrollment.Store.
func (s *EnrollmentStore) CoursesWithWaitlist(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT course_id FROM waitlist_entries
		WHERE is_active
		ORDER BY course_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query waitlisted courses: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan course id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Transaction-bound queries
// ─────────────────────────────────────────────────────────────────────────────

type pgTx struct {
	q        querier
	readOnly bool
}

var errReadOnlyTx = errors.New("postgres: write in read-only enrollment view")

const enrollmentColumns = `
	id::text, student_id, course_id, status, enrolled_at, dropped_at,
	progress_percentage::float8, created_at, updated_at
`

func (t *pgTx) FindEnrollment(ctx context.Context, studentID, courseID string) (*enrollment.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE student_id = $1 AND course_id = $2`

	e, err := scanEnrollment(t.q.QueryRow(ctx, query, studentID, courseID))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return e, nil
}

func (t *pgTx) CountActiveEnrollments(ctx context.Context, courseID string) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `
		SELECT count(*) FROM enrollments
		WHERE course_id = $1 AND status = 'active'
	`, courseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active enrollments: %w", err)
	}
	return n, nil
}

func (t *pgTx) CompletedCourses(ctx context.Context, studentID string, courseIDs []string) (map[string]bool, error) {
	done := make(map[string]bool, len(courseIDs))
	if len(courseIDs) == 0 {
		return done, nil
	}

	rows, err := t.q.Query(ctx, `
		SELECT course_id FROM enrollments
		WHERE student_id = $1 AND status = 'completed' AND course_id = ANY($2)
	`, studentID, courseIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed courses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan completed course: %w", err)
		}
		done[id] = true
	}
	return done, rows.Err()
}

// ClaimSeat inserts the active row, or flips the pair's dropped row back to
// active, only while the live active count is below both maxStudents and
// the capacity currently stored for the course. No returned row means
// either the guard or the status filter rejected it.
func (t *pgTx) ClaimSeat(ctx context.Context, e *enrollment.Enrollment, maxStudents int) error {
	if t.readOnly {
		return errReadOnlyTx
	}

	query := `
		INSERT INTO enrollments (
			id, student_id, course_id, status, enrolled_at, dropped_at,
			progress_percentage, created_at, updated_at
		)
		SELECT $1::uuid, $2::text, $3::text, 'active', $4::timestamptz, NULL, 0, $5::timestamptz, $6::timestamptz
		WHERE (
			SELECT count(*) FROM enrollments
			WHERE course_id = $3::text AND status = 'active'
		) < LEAST($7::bigint, COALESCE(
			(SELECT max_students FROM courses WHERE id = $3::text), $7::bigint
		))
		ON CONFLICT (student_id, course_id) DO UPDATE SET
			status = 'active',
			enrolled_at = EXCLUDED.enrolled_at,
			dropped_at = NULL,
			progress_percentage = 0,
			updated_at = EXCLUDED.updated_at
		WHERE enrollments.status = 'dropped'
		RETURNING id::text, created_at
	`

	err := t.q.QueryRow(ctx, query,
		e.ID,
		e.StudentID,
		e.CourseID,
		e.EnrolledAt,
		e.CreatedAt,
		e.UpdatedAt,
		maxStudents,
	).Scan(&e.ID, &e.CreatedAt)
	if err == nil {
		return nil
	}
	if !IsNoRows(err) {
		return fmt.Errorf("failed to claim seat: %w", err)
	}

	active, err := t.CountActiveEnrollments(ctx, e.CourseID)
	if err != nil {
		return err
	}
	if active >= maxStudents {
		return shared.ErrCapacityRaceLost
	}
	return shared.ErrAlreadyEnrolled
}

func (t *pgTx) UpdateEnrollment(ctx context.Context, e *enrollment.Enrollment) error {
	if t.readOnly {
		return errReadOnlyTx
	}

	tag, err := t.q.Exec(ctx, `
		UPDATE enrollments SET
			status = $1,
			enrolled_at = $2,
			dropped_at = $3,
			progress_percentage = $4,
			updated_at = $5
		WHERE id = $6
	`,
		string(e.Status),
		e.EnrolledAt,
		e.DroppedAt,
		e.Progress.Float64(),
		e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrEnrollmentNotFound
	}
	return nil
}

const waitlistColumns = `
	id::text, student_id, course_id, position, is_active, joined_at, left_at, updated_at
`

func (t *pgTx) FindWaitlistEntry(ctx context.Context, studentID, courseID string) (*enrollment.WaitlistEntry, error) {
	query := `SELECT ` + waitlistColumns + ` FROM waitlist_entries WHERE student_id = $1 AND course_id = $2`

	w, err := scanWaitlistEntry(t.q.QueryRow(ctx, query, studentID, courseID))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrWaitlistEntryAbsent
		}
		return nil, fmt.Errorf("failed to get waitlist entry: %w", err)
	}
	return w, nil
}

func (t *pgTx) MaxActivePosition(ctx context.Context, courseID string) (int, error) {
	var max int
	err := t.q.QueryRow(ctx, `
		SELECT COALESCE(MAX(position), 0) FROM waitlist_entries
		WHERE course_id = $1 AND is_active
	`, courseID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to get max waitlist position: %w", err)
	}
	return max, nil
}

func (t *pgTx) SaveWaitlistEntry(ctx context.Context, w *enrollment.WaitlistEntry) error {
	if t.readOnly {
		return errReadOnlyTx
	}

	query := `
		INSERT INTO waitlist_entries (
			id, student_id, course_id, position, is_active, joined_at, left_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (student_id, course_id) DO UPDATE SET
			position = EXCLUDED.position,
			is_active = EXCLUDED.is_active,
			joined_at = EXCLUDED.joined_at,
			left_at = EXCLUDED.left_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id::text
	`

	err := t.q.QueryRow(ctx, query,
		w.ID,
		w.StudentID,
		w.CourseID,
		w.Position,
		w.IsActive,
		w.JoinedAt,
		w.LeftAt,
		w.UpdatedAt,
	).Scan(&w.ID)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("waitlist position %d already taken in course %s: %w", w.Position, w.CourseID, shared.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to save waitlist entry: %w", err)
	}
	return nil
}

func (t *pgTx) FirstActiveWaitlistEntry(ctx context.Context, courseID string) (*enrollment.WaitlistEntry, error) {
	query := `SELECT ` + waitlistColumns + `
		FROM waitlist_entries
		WHERE course_id = $1 AND is_active
		ORDER BY position ASC
		LIMIT 1`

	w, err := scanWaitlistEntry(t.q.QueryRow(ctx, query, courseID))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrWaitlistEntryAbsent
		}
		return nil, fmt.Errorf("failed to get waitlist head: %w", err)
	}
	return w, nil
}

func (t *pgTx) ListActiveWaitlist(ctx context.Context, courseID string) ([]*enrollment.WaitlistEntry, error) {
	query := `SELECT ` + waitlistColumns + `
		FROM waitlist_entries
		WHERE course_id = $1 AND is_active
		ORDER BY position ASC`

	rows, err := t.q.Query(ctx, query, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list waitlist: %w", err)
	}
	defer rows.Close()

	var entries []*enrollment.WaitlistEntry
	for rows.Next() {
		w, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan waitlist entry: %w", err)
		}
		entries = append(entries, w)
	}
	return entries, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Scanning
// ─────────────────────────────────────────────────────────────────────────────

func scanEnrollment(row pgx.Row) (*enrollment.Enrollment, error) {
	var (
		e        enrollment.Enrollment
		status   string
		progress float64
	)
	err := row.Scan(
		&e.ID,
		&e.StudentID,
		&e.CourseID,
		&status,
		&e.EnrolledAt,
		&e.DroppedAt,
		&progress,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = enrollment.Status(status)
	e.Progress = shared.NewPercentage(progress)
	return &e, nil
}

func scanWaitlistEntry(row pgx.Row) (*enrollment.WaitlistEntry, error) {
	var w enrollment.WaitlistEntry
	err := row.Scan(
		&w.ID,
		&w.StudentID,
		&w.CourseID,
		&w.Position,
		&w.IsActive,
		&w.JoinedAt,
		&w.LeftAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
