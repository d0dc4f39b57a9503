package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/course-capacity/internal/domain/audit"
	"github.com/alem-hub/course-capacity/internal/domain/course"
	"github.com/alem-hub/course-capacity/internal/domain/enrollment"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/internal/domain/user"
	"github.com/alem-hub/course-capacity/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/course-capacity/pkg/logger"
	"github.com/alem-hub/course-capacity/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURE
// ══════════════════════════════════════════════════════════════════════════════

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type auditSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *auditSink) Record(_ context.Context, e *audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
}

func (s *auditSink) actions() []audit.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Action, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

func (s *auditSink) last() audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[len(s.entries)-1]
}

type eventSink struct {
	mu     sync.Mutex
	events []shared.Event
}

func (s *eventSink) Publish(e shared.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *eventSink) types() []shared.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]shared.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType())
	}
	return out
}

// faultyStore wraps a real store and injects claim failures.
type faultyStore struct {
	enrollment.Store
	loseNextClaim atomic.Bool
	failClaims    atomic.Bool
}

func (s *faultyStore) WithinCourse(ctx context.Context, courseID string, fn func(context.Context, enrollment.Tx) error) error {
	return s.Store.WithinCourse(ctx, courseID, func(ctx context.Context, tx enrollment.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, store: s})
	})
}

type faultyTx struct {
	enrollment.Tx
	store *faultyStore
}

func (t *faultyTx) ClaimSeat(ctx context.Context, e *enrollment.Enrollment, maxStudents int) error {
	if t.store.failClaims.Load() {
		return errors.New("connection reset by peer")
	}
	if t.store.loseNextClaim.CompareAndSwap(true, false) {
		return shared.ErrCapacityRaceLost
	}
	return t.Tx.ClaimSeat(ctx, e, maxStudents)
}

type fixture struct {
	db     *memory.DB
	store  *faultyStore
	clock  *timeutil.FixedClock
	audit  *auditSink
	events *eventSink
	mgr    *LifecycleManager
}

func newFixture(t *testing.T, courses ...course.Course) *fixture {
	t.Helper()

	db := memory.NewDB()
	for _, c := range courses {
		db.PutCourse(c)
	}
	for i := 1; i <= 30; i++ {
		db.PutUser(user.User{ID: fmt.Sprintf("s%d", i), Role: user.RoleStudent, IsActive: true})
	}
	db.PutUser(user.User{ID: "inactive", Role: user.RoleStudent, IsActive: false})
	db.PutUser(user.User{ID: "admin", Role: user.RoleAdmin, IsActive: true})
	db.PutUser(user.User{ID: "teacher-1", Role: user.RoleTeacher, IsActive: true})
	db.PutUser(user.User{ID: "teacher-2", Role: user.RoleTeacher, IsActive: true})
	for _, c := range courses {
		db.AssignInstructor(c.ID, "teacher-1")
	}

	store := &faultyStore{Store: memory.NewEnrollmentStore(db)}
	directory := memory.NewUserDirectory(db)
	f := &fixture{
		db:     db,
		store:  store,
		clock:  timeutil.NewFixedClock(testNow),
		audit:  &auditSink{},
		events: &eventSink{},
	}
	f.mgr = NewLifecycleManager(
		store,
		memory.NewCourseRegistry(db),
		directory,
		directory,
		f.audit,
		f.events,
		f.clock,
		logger.Nop(),
		DefaultLifecycleConfig(),
	)
	return f
}

func activeCourse(id string, max int) course.Course {
	return course.Course{ID: id, Title: "Course " + id, MaxStudents: max, Status: course.StatusActive}
}

func (f *fixture) enroll(t *testing.T, studentID, courseID string) *EnrollResult {
	t.Helper()
	res, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)
	return res
}

func (f *fixture) activeStudents(courseID string) []string {
	var out []string
	for _, e := range f.db.Enrollments(courseID) {
		if e.Status == enrollment.StatusActive {
			out = append(out, e.StudentID)
		}
	}
	return out
}

func (f *fixture) activePositions(courseID string) map[string]int {
	out := make(map[string]int)
	for _, w := range f.db.WaitlistEntries(courseID) {
		if w.IsActive {
			out[w.StudentID] = w.Position
		}
	}
	return out
}

// assertInvariants checks the capacity bound, unique waitlist positions and
// that nobody holds a seat and a waitlist place at once.
func (f *fixture) assertInvariants(t *testing.T, courseID string, max int) {
	t.Helper()

	active := f.activeStudents(courseID)
	assert.LessOrEqual(t, len(active), max, "capacity exceeded")

	seen := make(map[int]string)
	for student, pos := range f.activePositions(courseID) {
		if other, dup := seen[pos]; dup {
			t.Errorf("position %d shared by %s and %s", pos, other, student)
		}
		seen[pos] = student
		assert.NotContains(t, active, student, "student %s is both enrolled and waitlisted", student)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENROLL
// ══════════════════════════════════════════════════════════════════════════════

func TestEnroll_SeatFree(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 2))

	res := f.enroll(t, "s1", "c1")

	assert.True(t, res.Enrolled)
	assert.False(t, res.Waitlisted)
	assert.NotEmpty(t, res.EnrollmentID)
	assert.Equal(t, []string{"s1"}, f.activeStudents("c1"))
	assert.Equal(t, []audit.Action{audit.ActionEnrolled}, f.audit.actions())
	assert.Equal(t, []shared.EventType{shared.EventEnrollmentActivated}, f.events.types())
}

func TestEnroll_SecondCallReturnsAlreadyEnrolled(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 2))
	first := f.enroll(t, "s1", "c1")

	_, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "s1", CourseID: "c1"})

	require.ErrorIs(t, err, shared.ErrAlreadyEnrolled)
	rows := f.db.Enrollments("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, first.EnrollmentID, rows[0].ID)
	assert.Equal(t, enrollment.StatusActive, rows[0].Status)
	assert.Len(t, f.audit.actions(), 1)
}

func TestEnroll_FullCourseWaitlists(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	f.enroll(t, "s1", "c1")

	second := f.enroll(t, "s2", "c1")
	third := f.enroll(t, "s3", "c1")

	assert.True(t, second.Waitlisted)
	assert.Equal(t, 1, second.Position)
	assert.Equal(t, 2, third.Position)
	assert.Equal(t, map[string]int{"s2": 1, "s3": 2}, f.activePositions("c1"))
	assert.Equal(t, audit.ActionWaitlisted, f.audit.last().Action)
	assert.Equal(t, "2", f.audit.last().Metadata["position"])
	f.assertInvariants(t, "c1", 1)
}

func TestEnroll_AlreadyWaitlisted(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	f.enroll(t, "s1", "c1")
	f.enroll(t, "s2", "c1")

	_, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "s2", CourseID: "c1"})

	assert.ErrorIs(t, err, shared.ErrAlreadyWaitlisted)
	assert.Equal(t, map[string]int{"s2": 1}, f.activePositions("c1"))
}

func TestEnroll_CompletedCourseBlocksReenrollment(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 5))
	f.db.PutEnrollment(enrollment.Enrollment{ID: "e-done", StudentID: "s1", CourseID: "c1", Status: enrollment.StatusCompleted})

	_, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "s1", CourseID: "c1"})

	assert.ErrorIs(t, err, shared.ErrAlreadyEnrolled)
}

func TestEnroll_MaxOneScenario(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))

	a := f.enroll(t, "s1", "c1")
	require.True(t, a.Enrolled)
	assert.Len(t, f.activeStudents("c1"), 1)

	b := f.enroll(t, "s2", "c1")
	require.True(t, b.Waitlisted)
	assert.Equal(t, 1, b.Position)

	drop, err := f.mgr.Drop(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1", Reason: "schedule conflict"})
	require.NoError(t, err)

	assert.True(t, drop.Promoted)
	assert.Equal(t, "s2", drop.PromotedStudentID)
	assert.Equal(t, []string{"s2"}, f.activeStudents("c1"))
	assert.Empty(t, f.activePositions("c1"))
	assert.Equal(t, []audit.Action{
		audit.ActionEnrolled, audit.ActionWaitlisted, audit.ActionDropped, audit.ActionPromoted,
	}, f.audit.actions())
	assert.Contains(t, f.events.types(), shared.EventStudentPromoted)
	f.assertInvariants(t, "c1", 1)
}

func TestEnroll_RoundTripReusesRow(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 3))

	first := f.enroll(t, "s1", "c1")
	_, err := f.mgr.Drop(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)
	second := f.enroll(t, "s1", "c1")

	assert.True(t, second.Enrolled)
	assert.Equal(t, first.EnrollmentID, second.EnrollmentID)
	rows := f.db.Enrollments("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, enrollment.StatusActive, rows[0].Status)
	assert.Nil(t, rows[0].DroppedAt)
}

func TestEnroll_DroppedStudentRejoinsFullCourseAsWaitlisted(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	f.enroll(t, "s1", "c1")
	_, err := f.mgr.Drop(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)
	f.enroll(t, "s2", "c1")

	res := f.enroll(t, "s1", "c1")

	assert.True(t, res.Waitlisted)
	assert.Equal(t, 1, res.Position)
	f.assertInvariants(t, "c1", 1)
}

func TestEnroll_ConcurrentMaxOne(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, activeCourse("c1", 1))

		var wg sync.WaitGroup
		results := make([]*EnrollResult, 2)
		errs := make([]error, 2)
		start := make(chan struct{})
		for j, student := range []string{"s1", "s2"} {
			wg.Add(1)
			go func(j int, student string) {
				defer wg.Done()
				<-start
				results[j], errs[j] = f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: student, CourseID: "c1"})
			}(j, student)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.True(t, results[0].Enrolled != results[1].Enrolled, "exactly one student must get the seat")
		for _, r := range results {
			if r.Waitlisted {
				assert.Equal(t, 1, r.Position)
			}
		}
		assert.Len(t, f.activeStudents("c1"), 1)
		f.assertInvariants(t, "c1", 1)
	}
}

func TestEnroll_ConcurrentManyStudents(t *testing.T) {
	const max = 5
	f := newFixture(t, activeCourse("c1", max), activeCourse("c2", max))

	var wg sync.WaitGroup
	var enrolled atomic.Int32
	for i := 1; i <= 20; i++ {
		for _, courseID := range []string{"c1", "c2"} {
			wg.Add(1)
			go func(student, courseID string) {
				defer wg.Done()
				res, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: student, CourseID: courseID})
				if assert.NoError(t, err) && res.Enrolled {
					enrolled.Add(1)
				}
			}(fmt.Sprintf("s%d", i), courseID)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(2*max), enrolled.Load())
	for _, courseID := range []string{"c1", "c2"} {
		assert.Len(t, f.activeStudents(courseID), max)
		positions := f.activePositions(courseID)
		assert.Len(t, positions, 20-max)
		f.assertInvariants(t, courseID, max)
	}
}

func TestEnroll_RaceLostIsRetriedAsWaitlist(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 3))
	f.store.loseNextClaim.Store(true)

	res := f.enroll(t, "s1", "c1")

	assert.False(t, res.Enrolled)
	assert.True(t, res.Waitlisted)
	assert.True(t, res.RaceLost)
	assert.Equal(t, 1, res.Position)
	assert.Empty(t, f.activeStudents("c1"))
	assert.Equal(t, "true", f.audit.last().Metadata["race_lost"])
}

func TestEnroll_EnrollmentWindow(t *testing.T) {
	start := testNow.Add(24 * time.Hour)
	end := testNow.Add(72 * time.Hour)
	c := activeCourse("c1", 5)
	c.EnrollmentStart = &start
	c.EnrollmentEnd = &end
	f := newFixture(t, c)

	_, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "s1", CourseID: "c1"})
	assert.ErrorIs(t, err, shared.ErrCourseNotAvailable, "before window opens")

	f.clock.Set(start)
	assert.True(t, f.enroll(t, "s1", "c1").Enrolled, "start bound is inclusive")

	f.clock.Set(end)
	assert.True(t, f.enroll(t, "s2", "c1").Enrolled, "end bound is inclusive")

	f.clock.Set(end.Add(time.Second))
	_, err = f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "s3", CourseID: "c1"})
	assert.ErrorIs(t, err, shared.ErrCourseNotAvailable, "after window closes")
}

func TestEnroll_InactiveCourse(t *testing.T) {
	draft := activeCourse("c1", 5)
	draft.Status = course.StatusDraft
	archived := activeCourse("c2", 5)
	archived.Status = course.StatusArchived
	f := newFixture(t, draft, archived)

	for _, id := range []string{"c1", "c2"} {
		_, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "s1", CourseID: id})
		assert.ErrorIs(t, err, shared.ErrCourseNotAvailable)
	}
}

func TestEnroll_Prerequisites(t *testing.T) {
	advanced := activeCourse("go-advanced", 5)
	advanced.Prerequisites = []string{"go-basics"}
	f := newFixture(t, activeCourse("go-basics", 5), advanced)

	_, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "s1", CourseID: "go-advanced"})
	require.ErrorIs(t, err, shared.ErrPrerequisitesNotMet)
	assert.Contains(t, err.Error(), "go-basics")

	f.enroll(t, "s1", "go-basics")
	_, err = f.mgr.Complete(context.Background(), DropCommand{StudentID: "s1", CourseID: "go-basics", ActorID: "teacher-1"})
	require.NoError(t, err)

	res := f.enroll(t, "s1", "go-advanced")
	assert.True(t, res.Enrolled)
}

func TestEnroll_InvalidStudent(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 5))

	for _, id := range []string{"ghost", "inactive", "teacher-2"} {
		_, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: id, CourseID: "c1", ActorID: "admin"})
		assert.ErrorIs(t, err, shared.ErrInvalidStudent, id)
	}
	assert.Empty(t, f.db.Enrollments("c1"))
}

func TestEnroll_OnBehalfRequiresAuthorization(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 5))

	_, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "s1", CourseID: "c1", ActorID: "teacher-2"})
	assert.ErrorIs(t, err, shared.ErrUnauthorizedActor)

	_, err = f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "s1", CourseID: "c1", ActorID: "s2"})
	assert.ErrorIs(t, err, shared.ErrUnauthorizedActor)

	res, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "s1", CourseID: "c1", ActorID: "admin"})
	require.NoError(t, err)
	assert.True(t, res.Enrolled)
	assert.Equal(t, "admin", f.audit.last().PerformedBy)
}

func TestEnroll_UnknownCourse(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "s1", CourseID: "nope"})

	assert.ErrorIs(t, err, shared.ErrCourseNotFound)
}

func TestEnroll_Validation(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 5))

	_, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: " ", CourseID: "c1"})

	assert.True(t, shared.IsValidation(err))
	assert.Equal(t, "invalid_student_id", shared.CodeOf(err))
}

// ══════════════════════════════════════════════════════════════════════════════
// DROP / UNENROLL
// ══════════════════════════════════════════════════════════════════════════════

func TestDrop_NotEnrolled(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))

	_, err := f.mgr.Drop(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1"})
	assert.ErrorIs(t, err, shared.ErrNotEnrolled)

	f.enroll(t, "s1", "c1")
	_, err = f.mgr.Drop(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)

	_, err = f.mgr.Drop(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1"})
	assert.ErrorIs(t, err, shared.ErrNotEnrolled, "dropping twice")
}

func TestDrop_WaitlistedStudentIsNotEnrolled(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	f.enroll(t, "s1", "c1")
	f.enroll(t, "s2", "c1")

	_, err := f.mgr.Drop(context.Background(), DropCommand{StudentID: "s2", CourseID: "c1"})

	assert.ErrorIs(t, err, shared.ErrNotEnrolled)
}

func TestDrop_EmptyWaitlist(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	f.enroll(t, "s1", "c1")

	res, err := f.mgr.Drop(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1"})

	require.NoError(t, err)
	assert.False(t, res.Promoted)
	assert.Empty(t, res.PromotedStudentID)
	assert.Empty(t, f.activeStudents("c1"))
}

func TestDrop_PromotionFailureKeepsDrop(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	f.enroll(t, "s1", "c1")
	f.enroll(t, "s2", "c1")
	f.store.failClaims.Store(true)

	res, err := f.mgr.Drop(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1"})

	require.NoError(t, err)
	assert.False(t, res.Promoted)
	assert.Empty(t, f.activeStudents("c1"))
	assert.Equal(t, map[string]int{"s2": 1}, f.activePositions("c1"), "failed promotion must leave the entry in place")
	assert.NotContains(t, f.audit.actions(), audit.ActionPromoted)

	f.store.failClaims.Store(false)
	rec, err := f.mgr.PromoteWaitlisted(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, rec.PromotedStudentIDs)
	assert.Equal(t, []string{"s2"}, f.activeStudents("c1"))
	assert.Equal(t, "system", f.audit.last().PerformedBy)
}

func TestDrop_ByOtherActorRequiresAuthorization(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	f.enroll(t, "s1", "c1")

	_, err := f.mgr.Drop(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1", ActorID: "s2"})

	assert.ErrorIs(t, err, shared.ErrUnauthorizedActor)
	assert.Equal(t, []string{"s1"}, f.activeStudents("c1"))
}

func TestUnenroll(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	f.enroll(t, "s1", "c1")
	f.enroll(t, "s2", "c1")

	_, err := f.mgr.Unenroll(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1", ActorID: "teacher-2", Reason: "x"})
	require.ErrorIs(t, err, shared.ErrUnauthorizedActor)

	res, err := f.mgr.Unenroll(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1", ActorID: "teacher-1", Reason: "did not attend"})
	require.NoError(t, err)
	assert.True(t, res.Promoted)

	var dropped audit.Entry
	for _, e := range f.audit.entries {
		if e.Action == audit.ActionDropped {
			dropped = e
		}
	}
	assert.Equal(t, "s1", dropped.StudentID)
	assert.Equal(t, "teacher-1", dropped.PerformedBy)
	assert.Equal(t, "did not attend", dropped.Reason)
	assert.Equal(t, "unenroll", dropped.Metadata["trigger"])
}

func TestDrop_NoPromotionIntoArchivedCourse(t *testing.T) {
	c := activeCourse("c1", 1)
	f := newFixture(t, c)
	f.enroll(t, "s1", "c1")
	f.enroll(t, "s2", "c1")

	c.Status = course.StatusArchived
	f.db.PutCourse(c)
	res, err := f.mgr.Drop(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1"})

	require.NoError(t, err)
	assert.False(t, res.Promoted)
	assert.Equal(t, map[string]int{"s2": 1}, f.activePositions("c1"))
}

// ══════════════════════════════════════════════════════════════════════════════
// WAITLIST
// ══════════════════════════════════════════════════════════════════════════════

func TestRemoveFromWaitlist(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	f.enroll(t, "s1", "c1")
	f.enroll(t, "s2", "c1")
	f.enroll(t, "s3", "c1")
	f.enroll(t, "s4", "c1")

	_, err := f.mgr.RemoveFromWaitlist(context.Background(), RemoveFromWaitlistCommand{StudentID: "s1", CourseID: "c1"})
	assert.ErrorIs(t, err, shared.ErrNotOnWaitlist)

	res, err := f.mgr.RemoveFromWaitlist(context.Background(), RemoveFromWaitlistCommand{StudentID: "s3", CourseID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Position)
	assert.Equal(t, map[string]int{"s2": 1, "s4": 3}, f.activePositions("c1"), "withdrawal does not renumber")
	assert.Equal(t, audit.ActionWithdrawn, f.audit.last().Action)

	_, err = f.mgr.RemoveFromWaitlist(context.Background(), RemoveFromWaitlistCommand{StudentID: "s3", CourseID: "c1"})
	assert.ErrorIs(t, err, shared.ErrNotOnWaitlist, "withdrawing twice")

	_, err = f.mgr.Drop(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"s4": 1}, f.activePositions("c1"), "promotion renumbers the queue")

	rejoin := f.enroll(t, "s3", "c1")
	assert.Equal(t, 2, rejoin.Position)
	f.assertInvariants(t, "c1", 1)
}

func TestRemoveFromWaitlist_OnBehalf(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	f.enroll(t, "s1", "c1")
	f.enroll(t, "s2", "c1")

	_, err := f.mgr.RemoveFromWaitlist(context.Background(), RemoveFromWaitlistCommand{StudentID: "s2", CourseID: "c1", ActorID: "s1"})
	assert.ErrorIs(t, err, shared.ErrUnauthorizedActor)

	_, err = f.mgr.RemoveFromWaitlist(context.Background(), RemoveFromWaitlistCommand{StudentID: "s2", CourseID: "c1", ActorID: "admin"})
	assert.NoError(t, err)
}

func TestPromoteWaitlisted_AfterCapacityIncrease(t *testing.T) {
	c := activeCourse("c1", 1)
	f := newFixture(t, c)
	for i := 1; i <= 4; i++ {
		f.enroll(t, fmt.Sprintf("s%d", i), "c1")
	}

	c.MaxStudents = 3
	f.db.PutCourse(c)
	res, err := f.mgr.PromoteWaitlisted(context.Background(), "c1")

	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s3"}, res.PromotedStudentIDs)
	assert.Equal(t, map[string]int{"s4": 1}, f.activePositions("c1"))
	f.assertInvariants(t, "c1", 3)

	again, err := f.mgr.PromoteWaitlisted(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, again.PromotedStudentIDs)
}

func TestComplete_FreesSeat(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	f.enroll(t, "s1", "c1")
	f.enroll(t, "s2", "c1")

	_, err := f.mgr.Complete(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1", ActorID: "s1"})
	require.ErrorIs(t, err, shared.ErrUnauthorizedActor)

	res, err := f.mgr.Complete(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1", ActorID: "admin", Reason: "passed"})
	require.NoError(t, err)
	assert.True(t, res.Promoted)

	assert.Equal(t, []audit.Action{
		audit.ActionEnrolled, audit.ActionWaitlisted, audit.ActionCompleted, audit.ActionPromoted,
	}, f.audit.actions())
	completed := f.audit.entries[2]
	assert.Equal(t, "s1", completed.StudentID)
	assert.Equal(t, "admin", completed.PerformedBy)
	assert.Equal(t, "passed", completed.Reason)
	assert.Equal(t, "complete", completed.Metadata["trigger"])

	_, err = f.mgr.Complete(context.Background(), DropCommand{StudentID: "s1", CourseID: "c1", ActorID: "admin"})
	assert.ErrorIs(t, err, shared.ErrNotEnrolled)
}

func TestEnroll_MixedCaseIDs(t *testing.T) {
	f := newFixture(t, activeCourse("CS101", 2))
	f.db.PutUser(user.User{ID: "Alice", Role: user.RoleStudent, IsActive: true})

	res, err := f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: " Alice ", CourseID: "CS101 "})
	require.NoError(t, err)
	assert.True(t, res.Enrolled)
	assert.Equal(t, []string{"Alice"}, f.activeStudents("CS101"))

	_, err = f.mgr.Enroll(context.Background(), EnrollCommand{StudentID: "alice", CourseID: "CS101", ActorID: "admin"})
	assert.ErrorIs(t, err, shared.ErrInvalidStudent)
}

func TestEvents_CarryCorrelationID(t *testing.T) {
	f := newFixture(t, activeCourse("c1", 1))
	ctx := WithCorrelationID(context.Background(), "req-42")

	_, err := f.mgr.Enroll(ctx, EnrollCommand{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)

	require.Len(t, f.events.events, 1)
	evt, ok := f.events.events[0].(shared.SeatEvent)
	require.True(t, ok)
	assert.Equal(t, "req-42", evt.CorrelationID)
	assert.Equal(t, "c1", evt.AggregateID())
}
