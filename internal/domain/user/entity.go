// Package user describes the slice of the external user directory that the
// enrollment lifecycle depends on: identity, role, activity and course
// authorization.
package user

import "context"

// Role is the platform role of a user.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleParent  Role = "parent"
	RoleAdmin   Role = "admin"
)

// IsValid checks that the role is known.
func (r Role) IsValid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleParent, RoleAdmin:
		return true
	default:
		return false
	}
}

// User is a directory entry.
type User struct {
	ID       string
	Role     Role
	IsActive bool
}

// IsActiveStudent reports whether the user may hold seats.
func (u *User) IsActiveStudent() bool {
	return u != nil && u.IsActive && u.Role == RoleStudent
}

// Directory answers "does user X exist, is active, has role R".
type Directory interface {
	// GetUser returns shared.ErrUserNotFound when the user does not exist.
	GetUser(ctx context.Context, userID string) (*User, error)
}

// Authorizer decides whether an actor may manage enrollments of a course
// on behalf of other users (admin/instructor-initiated changes).
type Authorizer interface {
	CanManageCourse(ctx context.Context, actorID, courseID string) (bool, error)
}
