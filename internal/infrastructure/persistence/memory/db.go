// Package memory is an in-process implementation of the enrollment store and
// its collaborators (course registry, user directory, authorizer, audit
// store). It backs local development without PostgreSQL and the test suites.
package memory

import (
	"sync"

	"github.com/alem-hub/course-capacity/internal/domain/audit"
	"github.com/alem-hub/course-capacity/internal/domain/course"
	"github.com/alem-hub/course-capacity/internal/domain/enrollment"
	"github.com/alem-hub/course-capacity/internal/domain/user"
)

type pairKey struct {
	studentID string
	courseID  string
}

// DB holds all tables. Committed rows are only touched under mu; units of
// work for one course are serialized by that course's lock.
type DB struct {
	mu          sync.RWMutex
	enrollments map[pairKey]*enrollment.Enrollment
	waitlist    map[pairKey]*enrollment.WaitlistEntry
	courses     map[string]*course.Course
	users       map[string]*user.User
	instructors map[string]map[string]bool // courseID -> teacher IDs
	auditLog    []*audit.Entry

	locksMu     sync.Mutex
	courseLocks map[string]*sync.Mutex
}

// NewDB creates an empty database.
func NewDB() *DB {
	return &DB{
		enrollments: make(map[pairKey]*enrollment.Enrollment),
		waitlist:    make(map[pairKey]*enrollment.WaitlistEntry),
		courses:     make(map[string]*course.Course),
		users:       make(map[string]*user.User),
		instructors: make(map[string]map[string]bool),
		courseLocks: make(map[string]*sync.Mutex),
	}
}

func (db *DB) courseLock(courseID string) *sync.Mutex {
	db.locksMu.Lock()
	defer db.locksMu.Unlock()
	l, ok := db.courseLocks[courseID]
	if !ok {
		l = &sync.Mutex{}
		db.courseLocks[courseID] = l
	}
	return l
}

// ─────────────────────────────────────────────────────────────────────────────
// Seeding
// ─────────────────────────────────────────────────────────────────────────────

// PutCourse inserts or replaces a course.
func (db *DB) PutCourse(c course.Course) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c.Prerequisites = append([]string(nil), c.Prerequisites...)
	db.courses[c.ID] = &c
}

// PutUser inserts or replaces a user.
func (db *DB) PutUser(u user.User) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users[u.ID] = &u
}

// AssignInstructor makes teacherID an instructor of courseID.
func (db *DB) AssignInstructor(courseID, teacherID string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	set, ok := db.instructors[courseID]
	if !ok {
		set = make(map[string]bool)
		db.instructors[courseID] = set
	}
	set[teacherID] = true
}

// PutEnrollment writes a row directly, bypassing the course lock. Meant for
// fixtures such as completed prerequisite courses.
func (db *DB) PutEnrollment(e enrollment.Enrollment) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.enrollments[pairKey{e.StudentID, e.CourseID}] = &e
}

// ─────────────────────────────────────────────────────────────────────────────
// Inspection
// ─────────────────────────────────────────────────────────────────────────────

// Enrollments returns copies of all rows for a course.
func (db *DB) Enrollments(courseID string) []enrollment.Enrollment {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []enrollment.Enrollment
	for k, e := range db.enrollments {
		if k.courseID == courseID {
			out = append(out, *e)
		}
	}
	return out
}

// WaitlistEntries returns copies of all waitlist rows for a course, active
// or not.
func (db *DB) WaitlistEntries(courseID string) []enrollment.WaitlistEntry {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []enrollment.WaitlistEntry
	for k, w := range db.waitlist {
		if k.courseID == courseID {
			out = append(out, *w)
		}
	}
	return out
}

// AuditEntries returns copies of all audit entries in insertion order.
func (db *DB) AuditEntries() []audit.Entry {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]audit.Entry, 0, len(db.auditLog))
	for _, e := range db.auditLog {
		out = append(out, *e)
	}
	return out
}
