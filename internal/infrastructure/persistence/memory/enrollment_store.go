package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/alem-hub/course-capacity/internal/domain/enrollment"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
)

var (
	errOutsideCourse = errors.New("memory: write outside the locked course")
	errReadOnly      = errors.New("memory: write in a read-only unit")
)

// EnrollmentStore implements enrollment.Store. Writes made inside a unit are
// staged and only become visible when the unit's function returns nil.
type EnrollmentStore struct {
	db *DB
}

// NewEnrollmentStore creates a store over db.
func NewEnrollmentStore(db *DB) *EnrollmentStore {
	return &EnrollmentStore{db: db}
}

// WithinCourse implements enrollment.Store.
func (s *EnrollmentStore) WithinCourse(ctx context.Context, courseID string, fn func(ctx context.Context, tx enrollment.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.db.courseLock(courseID)
	lock.Lock()
	defer lock.Unlock()

	t := newTx(s.db, courseID, false)
	if err := fn(ctx, t); err != nil {
		return err
	}
	t.commit()
	return nil
}

// View implements enrollment.Store.
func (s *EnrollmentStore) View(ctx context.Context, fn func(ctx context.Context, tx enrollment.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, newTx(s.db, "", true))
}

// CoursesWithWaitlist implements enrollment.Store.
func (s *EnrollmentStore) CoursesWithWaitlist(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	seen := make(map[string]bool)
	for k, w := range s.db.waitlist {
		if w.IsActive {
			seen[k.courseID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Unit of work
// ─────────────────────────────────────────────────────────────────────────────

type tx struct {
	db          *DB
	courseID    string
	readOnly    bool
	enrollments map[pairKey]*enrollment.Enrollment
	waitlist    map[pairKey]*enrollment.WaitlistEntry
}

func newTx(db *DB, courseID string, readOnly bool) *tx {
	return &tx{
		db:          db,
		courseID:    courseID,
		readOnly:    readOnly,
		enrollments: make(map[pairKey]*enrollment.Enrollment),
		waitlist:    make(map[pairKey]*enrollment.WaitlistEntry),
	}
}

func (t *tx) commit() {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for k, e := range t.enrollments {
		t.db.enrollments[k] = e
	}
	for k, w := range t.waitlist {
		t.db.waitlist[k] = w
	}
}

func (t *tx) checkWrite(courseID string) error {
	if t.readOnly {
		return errReadOnly
	}
	if courseID != t.courseID {
		return fmt.Errorf("%w: %s", errOutsideCourse, courseID)
	}
	return nil
}

func (t *tx) enrollmentRow(k pairKey) (*enrollment.Enrollment, bool) {
	if e, ok := t.enrollments[k]; ok {
		return e, true
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	e, ok := t.db.enrollments[k]
	return e, ok
}

func (t *tx) waitlistRow(k pairKey) (*enrollment.WaitlistEntry, bool) {
	if w, ok := t.waitlist[k]; ok {
		return w, true
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	w, ok := t.db.waitlist[k]
	return w, ok
}

func (t *tx) courseEnrollments(courseID string) []*enrollment.Enrollment {
	var out []*enrollment.Enrollment
	for k, e := range t.enrollments {
		if k.courseID == courseID {
			out = append(out, e)
		}
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	for k, e := range t.db.enrollments {
		if k.courseID != courseID {
			continue
		}
		if _, staged := t.enrollments[k]; staged {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (t *tx) activeWaitlist(courseID string) []*enrollment.WaitlistEntry {
	var out []*enrollment.WaitlistEntry
	for k, w := range t.waitlist {
		if k.courseID == courseID && w.IsActive {
			out = append(out, w)
		}
	}
	t.db.mu.RLock()
	for k, w := range t.db.waitlist {
		if k.courseID != courseID || !w.IsActive {
			continue
		}
		if _, staged := t.waitlist[k]; staged {
			continue
		}
		out = append(out, w)
	}
	t.db.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Enrollments
// ─────────────────────────────────────────────────────────────────────────────

func (t *tx) FindEnrollment(ctx context.Context, studentID, courseID string) (*enrollment.Enrollment, error) {
	e, ok := t.enrollmentRow(pairKey{studentID, courseID})
	if !ok {
		return nil, shared.ErrEnrollmentNotFound
	}
	cp := *e
	return &cp, nil
}

func (t *tx) CountActiveEnrollments(ctx context.Context, courseID string) (int, error) {
	n := 0
	for _, e := range t.courseEnrollments(courseID) {
		if e.HoldsSeat() {
			n++
		}
	}
	return n, nil
}

func (t *tx) CompletedCourses(ctx context.Context, studentID string, courseIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(courseIDs))
	for _, id := range courseIDs {
		if e, ok := t.enrollmentRow(pairKey{studentID, id}); ok && e.Status == enrollment.StatusCompleted {
			out[id] = true
		}
	}
	return out, nil
}

func (t *tx) ClaimSeat(ctx context.Context, e *enrollment.Enrollment, maxStudents int) error {
	if err := t.checkWrite(e.CourseID); err != nil {
		return err
	}

	active, _ := t.CountActiveEnrollments(ctx, e.CourseID)
	if active >= maxStudents {
		return shared.ErrCapacityRaceLost
	}

	k := pairKey{e.StudentID, e.CourseID}
	if existing, ok := t.enrollmentRow(k); ok {
		if existing.Status != enrollment.StatusDropped {
			return shared.ErrAlreadyEnrolled
		}
		e.ID = existing.ID
		e.CreatedAt = existing.CreatedAt
	}
	cp := *e
	t.enrollments[k] = &cp
	return nil
}

func (t *tx) UpdateEnrollment(ctx context.Context, e *enrollment.Enrollment) error {
	if err := t.checkWrite(e.CourseID); err != nil {
		return err
	}
	k := pairKey{e.StudentID, e.CourseID}
	if _, ok := t.enrollmentRow(k); !ok {
		return shared.ErrEnrollmentNotFound
	}
	cp := *e
	t.enrollments[k] = &cp
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Waitlist
// ─────────────────────────────────────────────────────────────────────────────

func (t *tx) FindWaitlistEntry(ctx context.Context, studentID, courseID string) (*enrollment.WaitlistEntry, error) {
	w, ok := t.waitlistRow(pairKey{studentID, courseID})
	if !ok {
		return nil, shared.ErrWaitlistEntryAbsent
	}
	cp := *w
	return &cp, nil
}

func (t *tx) MaxActivePosition(ctx context.Context, courseID string) (int, error) {
	max := 0
	for _, w := range t.activeWaitlist(courseID) {
		if w.Position > max {
			max = w.Position
		}
	}
	return max, nil
}

func (t *tx) SaveWaitlistEntry(ctx context.Context, w *enrollment.WaitlistEntry) error {
	if err := t.checkWrite(w.CourseID); err != nil {
		return err
	}

	k := pairKey{w.StudentID, w.CourseID}
	if w.IsActive {
		for _, other := range t.activeWaitlist(w.CourseID) {
			if other.StudentID != w.StudentID && other.Position == w.Position {
				return fmt.Errorf("memory: duplicate active waitlist position %d in course %s", w.Position, w.CourseID)
			}
		}
	}
	if existing, ok := t.waitlistRow(k); ok {
		w.ID = existing.ID
	}
	cp := *w
	t.waitlist[k] = &cp
	return nil
}

func (t *tx) FirstActiveWaitlistEntry(ctx context.Context, courseID string) (*enrollment.WaitlistEntry, error) {
	active := t.activeWaitlist(courseID)
	if len(active) == 0 {
		return nil, shared.ErrWaitlistEntryAbsent
	}
	cp := *active[0]
	return &cp, nil
}

func (t *tx) ListActiveWaitlist(ctx context.Context, courseID string) ([]*enrollment.WaitlistEntry, error) {
	active := t.activeWaitlist(courseID)
	out := make([]*enrollment.WaitlistEntry, 0, len(active))
	for _, w := range active {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}
