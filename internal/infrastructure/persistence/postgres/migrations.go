package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration is one forward-only schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations returns the schema history in version order.
func Migrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_registry", SQL: migration001},
		{Version: 2, Name: "create_enrollments", SQL: migration002},
		{Version: 3, Name: "create_audit_log", SQL: migration003},
		{Version: 4, Name: "audit_completed_action", SQL: migration004},
	}
}

// Migrator applies pending migrations and records them in
// schema_migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
}

// NewMigrator creates a migrator for the built-in schema.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: Migrations()}
}

// Migrate applies every migration that is not recorded yet, each in its own
// transaction. Concurrent starts are serialized by an advisory lock.
func (m *Migrator) Migrate(ctx context.Context) error {
	if _, err := m.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	for _, mig := range m.migrations {
		err := m.conn.WithTx(ctx, writeTx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('schema_migrations'))`); err != nil {
				return err
			}
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, mig.Version,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, mig.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE REGISTRY
// Read-side copies of the course registry and user directory. Other systems
// own these rows; the service only reads them.
// ══════════════════════════════════════════════════════════════════════════════

const migration001 = `
CREATE TABLE IF NOT EXISTS courses (
    id VARCHAR(64) PRIMARY KEY,
    title VARCHAR(255) NOT NULL DEFAULT '',
    max_students INTEGER NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'draft',
    enrollment_start_date DATE,
    enrollment_end_date DATE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_course_status CHECK (status IN ('draft', 'active', 'archived')),
    CONSTRAINT positive_capacity CHECK (max_students > 0),
    CONSTRAINT valid_window CHECK (
        enrollment_start_date IS NULL OR enrollment_end_date IS NULL
        OR enrollment_start_date <= enrollment_end_date
    )
);

CREATE TABLE IF NOT EXISTS course_prerequisites (
    course_id VARCHAR(64) NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
    prerequisite_id VARCHAR(64) NOT NULL REFERENCES courses(id) ON DELETE CASCADE,

    PRIMARY KEY (course_id, prerequisite_id),
    CONSTRAINT not_self_prerequisite CHECK (course_id != prerequisite_id)
);

CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(64) PRIMARY KEY,
    role VARCHAR(20) NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_role CHECK (role IN ('student', 'teacher', 'parent', 'admin'))
);

CREATE TABLE IF NOT EXISTS course_instructors (
    course_id VARCHAR(64) NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
    teacher_id VARCHAR(64) NOT NULL REFERENCES users(id) ON DELETE CASCADE,

    PRIMARY KEY (course_id, teacher_id)
);

CREATE INDEX IF NOT EXISTS idx_course_instructors_teacher ON course_instructors(teacher_id);
`


// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CREATE ENROLLMENTS
// One enrollment row and at most one waitlist row per (student, course).
// Active waitlist positions are unique within a course.
// ══════════════════════════════════════════════════════════════════════════════

const migration002 = `
CREATE TABLE IF NOT EXISTS enrollments (
    id UUID PRIMARY KEY,
    student_id VARCHAR(64) NOT NULL,
    course_id VARCHAR(64) NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'active',
    enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL,
    dropped_at TIMESTAMP WITH TIME ZONE,
    progress_percentage DECIMAL(5,2) NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    UNIQUE(student_id, course_id),
    CONSTRAINT valid_enrollment_status CHECK (status IN ('active', 'completed', 'dropped')),
    CONSTRAINT valid_progress CHECK (progress_percentage >= 0 AND progress_percentage <= 100)
);

CREATE INDEX IF NOT EXISTS idx_enrollments_course_active ON enrollments(course_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_enrollments_student ON enrollments(student_id);

CREATE TABLE IF NOT EXISTS waitlist_entries (
    id UUID PRIMARY KEY,
    student_id VARCHAR(64) NOT NULL,
    course_id VARCHAR(64) NOT NULL,
    position INTEGER NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    joined_at TIMESTAMP WITH TIME ZONE NOT NULL,
    left_at TIMESTAMP WITH TIME ZONE,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    UNIQUE(student_id, course_id),
    CONSTRAINT positive_position CHECK (position > 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_waitlist_active_position
    ON waitlist_entries(course_id, position) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_waitlist_active_course
    ON waitlist_entries(course_id) WHERE is_active;
`


// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: CREATE AUDIT LOG
// Append-only. Rows are never updated.
// ══════════════════════════════════════════════════════════════════════════════

const migration003 = `
CREATE TABLE IF NOT EXISTS enrollment_audit_log (
    id UUID PRIMARY KEY,
    course_id VARCHAR(64) NOT NULL,
    student_id VARCHAR(64) NOT NULL,
    action VARCHAR(20) NOT NULL,
    performed_by VARCHAR(64) NOT NULL,
    reason TEXT,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_audit_action CHECK (action IN ('enrolled', 'dropped', 'waitlisted', 'promoted', 'withdrawn'))
);

CREATE INDEX IF NOT EXISTS idx_audit_course_at ON enrollment_audit_log(course_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_student_at ON enrollment_audit_log(student_id, created_at DESC);
`

const migration004 = `
ALTER TABLE enrollment_audit_log DROP CONSTRAINT IF EXISTS valid_audit_action;
ALTER TABLE enrollment_audit_log ADD CONSTRAINT valid_audit_action
    CHECK (action IN ('enrolled', 'dropped', 'waitlisted', 'promoted', 'withdrawn', 'completed'));
`
