package postgres

import (
	"context"
	"fmt"

	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/internal/domain/user"
)

// ══════════════════════════════════════════════════════════════════════════════
// USER DIRECTORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// UserDirectory implements user.Directory and user.Authorizer for PostgreSQL.
type UserDirectory struct {
	conn *Connection
}

// NewUserDirectory creates a new UserDirectory.
func NewUserDirectory(conn *Connection) *UserDirectory {
	return &UserDirectory{conn: conn}
}

// GetUser returns a directory entry by ID.
func (d *UserDirectory) GetUser(ctx context.Context, userID string) (*user.User, error) {
	var (
		u    user.User
		role string
	)
	err := d.conn.QueryRow(ctx, `
		SELECT id, role, is_active FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &role, &u.IsActive)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Role = user.Role(role)
	return &u, nil
}

// CanManageCourse reports whether actorID is an active admin, or an active
// teacher assigned to the course.
func (d *UserDirectory) CanManageCourse(ctx context.Context, actorID, courseID string) (bool, error) {
	var allowed bool
	err := d.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM users u
			WHERE u.id = $1 AND u.is_active AND (
				u.role = 'admin'
				OR (u.role = 'teacher' AND EXISTS (
					SELECT 1 FROM course_instructors ci
					WHERE ci.course_id = $2 AND ci.teacher_id = u.id
				))
			)
		)
	`, actorID, courseID).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("failed to check course permissions: %w", err)
	}
	return allowed, nil
}
