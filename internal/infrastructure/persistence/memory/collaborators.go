package memory

import (
	"context"

	"github.com/alem-hub/course-capacity/internal/domain/audit"
	"github.com/alem-hub/course-capacity/internal/domain/course"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/internal/domain/user"
)

// CourseRegistry implements course.Registry.
type CourseRegistry struct{ db *DB }

// NewCourseRegistry creates a registry over db.
func NewCourseRegistry(db *DB) *CourseRegistry { return &CourseRegistry{db: db} }

// GetCourse implements course.Registry.
func (r *CourseRegistry) GetCourse(ctx context.Context, courseID string) (*course.Course, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	c, ok := r.db.courses[courseID]
	if !ok {
		return nil, shared.ErrCourseNotFound
	}
	cp := *c
	cp.Prerequisites = append([]string(nil), c.Prerequisites...)
	return &cp, nil
}

// UserDirectory implements user.Directory and user.Authorizer.
type UserDirectory struct{ db *DB }

// NewUserDirectory creates a directory over db.
func NewUserDirectory(db *DB) *UserDirectory { return &UserDirectory{db: db} }

// GetUser implements user.Directory.
func (d *UserDirectory) GetUser(ctx context.Context, userID string) (*user.User, error) {
	d.db.mu.RLock()
	defer d.db.mu.RUnlock()
	u, ok := d.db.users[userID]
	if !ok {
		return nil, shared.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// CanManageCourse implements user.Authorizer: active admins manage every
// course, active teachers manage the courses they instruct.
func (d *UserDirectory) CanManageCourse(ctx context.Context, actorID, courseID string) (bool, error) {
	d.db.mu.RLock()
	defer d.db.mu.RUnlock()
	u, ok := d.db.users[actorID]
	if !ok || !u.IsActive {
		return false, nil
	}
	switch u.Role {
	case user.RoleAdmin:
		return true, nil
	case user.RoleTeacher:
		return d.db.instructors[courseID][actorID], nil
	default:
		return false, nil
	}
}

// AuditStore implements audit.Store.
type AuditStore struct{ db *DB }

// NewAuditStore creates an audit store over db.
func NewAuditStore(db *DB) *AuditStore { return &AuditStore{db: db} }

// Append implements audit.Store.
func (s *AuditStore) Append(ctx context.Context, e *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *e
	s.db.mu.Lock()
	s.db.auditLog = append(s.db.auditLog, &cp)
	s.db.mu.Unlock()
	return nil
}
