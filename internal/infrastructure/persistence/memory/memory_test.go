package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/course-capacity/internal/domain/audit"
	"github.com/alem-hub/course-capacity/internal/domain/course"
	"github.com/alem-hub/course-capacity/internal/domain/enrollment"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/internal/domain/user"
)

var testNow = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

func claim(t *testing.T, store *EnrollmentStore, studentID, courseID string, max int) error {
	t.Helper()
	return store.WithinCourse(context.Background(), courseID, func(ctx context.Context, tx enrollment.Tx) error {
		return tx.ClaimSeat(ctx, enrollment.NewEnrollment(studentID, courseID, testNow), max)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// UNITS OF WORK
// ══════════════════════════════════════════════════════════════════════════════

func TestWithinCourse_CommitsOnSuccess(t *testing.T) {
	db := NewDB()
	store := NewEnrollmentStore(db)

	require.NoError(t, claim(t, store, "s1", "c1", 2))

	rows := db.Enrollments("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, "s1", rows[0].StudentID)
	assert.Equal(t, enrollment.StatusActive, rows[0].Status)
}

func TestWithinCourse_DiscardsWritesOnError(t *testing.T) {
	db := NewDB()
	store := NewEnrollmentStore(db)
	boom := errors.New("boom")

	err := store.WithinCourse(context.Background(), "c1", func(ctx context.Context, tx enrollment.Tx) error {
		require.NoError(t, tx.ClaimSeat(ctx, enrollment.NewEnrollment("s1", "c1", testNow), 5))
		require.NoError(t, tx.SaveWaitlistEntry(ctx, enrollment.NewWaitlistEntry("s2", "c1", 1, testNow)))

		// Staged rows are visible inside the unit.
		n, _ := tx.CountActiveEnrollments(ctx, "c1")
		assert.Equal(t, 1, n)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, db.Enrollments("c1"))
	assert.Empty(t, db.WaitlistEntries("c1"))
}

func TestWithinCourse_CancelledContext(t *testing.T) {
	store := NewEnrollmentStore(NewDB())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.WithinCourse(ctx, "c1", func(context.Context, enrollment.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestWithinCourse_RejectsWritesToOtherCourse(t *testing.T) {
	store := NewEnrollmentStore(NewDB())

	err := store.WithinCourse(context.Background(), "c1", func(ctx context.Context, tx enrollment.Tx) error {
		return tx.ClaimSeat(ctx, enrollment.NewEnrollment("s1", "c2", testNow), 5)
	})
	assert.ErrorIs(t, err, errOutsideCourse)
}

func TestView_IsReadOnly(t *testing.T) {
	db := NewDB()
	store := NewEnrollmentStore(db)
	require.NoError(t, claim(t, store, "s1", "c1", 5))

	err := store.View(context.Background(), func(ctx context.Context, tx enrollment.Tx) error {
		e, err := tx.FindEnrollment(ctx, "s1", "c1")
		require.NoError(t, err)
		assert.Equal(t, "s1", e.StudentID)

		return tx.SaveWaitlistEntry(ctx, enrollment.NewWaitlistEntry("s2", "c1", 1, testNow))
	})
	assert.ErrorIs(t, err, errReadOnly)
	assert.Empty(t, db.WaitlistEntries("c1"))
}

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENTS
// ══════════════════════════════════════════════════════════════════════════════

func TestClaimSeat_CapacityGuard(t *testing.T) {
	store := NewEnrollmentStore(NewDB())

	require.NoError(t, claim(t, store, "s1", "c1", 1))
	assert.ErrorIs(t, claim(t, store, "s2", "c1", 1), shared.ErrCapacityRaceLost)
}

func TestClaimSeat_AlreadyEnrolled(t *testing.T) {
	store := NewEnrollmentStore(NewDB())

	require.NoError(t, claim(t, store, "s1", "c1", 5))
	assert.ErrorIs(t, claim(t, store, "s1", "c1", 5), shared.ErrAlreadyEnrolled)
}

func TestClaimSeat_ReusesDroppedRow(t *testing.T) {
	db := NewDB()
	store := NewEnrollmentStore(db)
	created := testNow.Add(-48 * time.Hour)
	dropped := testNow.Add(-24 * time.Hour)
	db.PutEnrollment(enrollment.Enrollment{
		ID:        "e-old",
		StudentID: "s1",
		CourseID:  "c1",
		Status:    enrollment.StatusDropped,
		DroppedAt: &dropped,
		CreatedAt: created,
	})

	var claimed *enrollment.Enrollment
	err := store.WithinCourse(context.Background(), "c1", func(ctx context.Context, tx enrollment.Tx) error {
		claimed = enrollment.NewEnrollment("s1", "c1", testNow)
		return tx.ClaimSeat(ctx, claimed, 5)
	})
	require.NoError(t, err)
	assert.Equal(t, "e-old", claimed.ID)
	assert.True(t, claimed.CreatedAt.Equal(created))

	rows := db.Enrollments("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, "e-old", rows[0].ID)
	assert.Equal(t, enrollment.StatusActive, rows[0].Status)
}

func TestUpdateEnrollment_RequiresExistingRow(t *testing.T) {
	db := NewDB()
	store := NewEnrollmentStore(db)
	require.NoError(t, claim(t, store, "s1", "c1", 5))

	err := store.WithinCourse(context.Background(), "c1", func(ctx context.Context, tx enrollment.Tx) error {
		e, err := tx.FindEnrollment(ctx, "s1", "c1")
		if err != nil {
			return err
		}
		e.Status = enrollment.StatusCompleted
		return tx.UpdateEnrollment(ctx, e)
	})
	require.NoError(t, err)

	err = store.WithinCourse(context.Background(), "c1", func(ctx context.Context, tx enrollment.Tx) error {
		return tx.UpdateEnrollment(ctx, enrollment.NewEnrollment("ghost", "c1", testNow))
	})
	assert.ErrorIs(t, err, shared.ErrEnrollmentNotFound)

	err = store.View(context.Background(), func(ctx context.Context, tx enrollment.Tx) error {
		n, _ := tx.CountActiveEnrollments(ctx, "c1")
		assert.Zero(t, n)

		done, _ := tx.CompletedCourses(ctx, "s1", []string{"c1", "c2"})
		assert.Equal(t, map[string]bool{"c1": true}, done)

		_, err := tx.FindEnrollment(ctx, "s2", "c1")
		assert.ErrorIs(t, err, shared.ErrEnrollmentNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestClaimSeat_ConcurrentClaimsNeverExceedCapacity(t *testing.T) {
	const (
		capacity = 3
		students = 20
	)
	db := NewDB()
	store := NewEnrollmentStore(db)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		lost    int
	)
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.WithinCourse(context.Background(), "c1", func(ctx context.Context, tx enrollment.Tx) error {
				return tx.ClaimSeat(ctx, enrollment.NewEnrollment(fmt.Sprintf("s%d", i), "c1", testNow), capacity)
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, shared.ErrCapacityRaceLost):
				lost++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, capacity, granted)
	assert.Equal(t, students-capacity, lost)
	assert.Len(t, db.Enrollments("c1"), capacity)
}

// ══════════════════════════════════════════════════════════════════════════════
// WAITLIST
// ══════════════════════════════════════════════════════════════════════════════

func TestWaitlist_OrderingAndPositions(t *testing.T) {
	db := NewDB()
	store := NewEnrollmentStore(db)
	ctx := context.Background()

	err := store.WithinCourse(ctx, "c1", func(ctx context.Context, tx enrollment.Tx) error {
		for i, sid := range []string{"s3", "s1", "s2"} {
			if err := tx.SaveWaitlistEntry(ctx, enrollment.NewWaitlistEntry(sid, "c1", 3-i, testNow)); err != nil {
				return err
			}
		}
		max, _ := tx.MaxActivePosition(ctx, "c1")
		assert.Equal(t, 3, max)
		return nil
	})
	require.NoError(t, err)

	err = store.View(ctx, func(ctx context.Context, tx enrollment.Tx) error {
		list, err := tx.ListActiveWaitlist(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"s2", "s1", "s3"}, []string{list[0].StudentID, list[1].StudentID, list[2].StudentID})
		assert.Equal(t, []int{1, 2, 3}, []int{list[0].Position, list[1].Position, list[2].Position})

		first, err := tx.FirstActiveWaitlistEntry(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "s2", first.StudentID)
		return nil
	})
	require.NoError(t, err)
}

func TestWaitlist_RejectsDuplicateActivePosition(t *testing.T) {
	store := NewEnrollmentStore(NewDB())
	ctx := context.Background()

	err := store.WithinCourse(ctx, "c1", func(ctx context.Context, tx enrollment.Tx) error {
		require.NoError(t, tx.SaveWaitlistEntry(ctx, enrollment.NewWaitlistEntry("s1", "c1", 1, testNow)))
		return tx.SaveWaitlistEntry(ctx, enrollment.NewWaitlistEntry("s2", "c1", 1, testNow))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate active waitlist position")
}

func TestWaitlist_DeactivatedEntryKeepsIdentity(t *testing.T) {
	db := NewDB()
	store := NewEnrollmentStore(db)
	ctx := context.Background()

	var id string
	err := store.WithinCourse(ctx, "c1", func(ctx context.Context, tx enrollment.Tx) error {
		w := enrollment.NewWaitlistEntry("s1", "c1", 1, testNow)
		id = w.ID
		return tx.SaveWaitlistEntry(ctx, w)
	})
	require.NoError(t, err)

	err = store.WithinCourse(ctx, "c1", func(ctx context.Context, tx enrollment.Tx) error {
		w, err := tx.FindWaitlistEntry(ctx, "s1", "c1")
		if err != nil {
			return err
		}
		w.IsActive = false
		return tx.SaveWaitlistEntry(ctx, w)
	})
	require.NoError(t, err)

	rows := db.WaitlistEntries("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
	assert.False(t, rows[0].IsActive)

	err = store.View(ctx, func(ctx context.Context, tx enrollment.Tx) error {
		_, err := tx.FirstActiveWaitlistEntry(ctx, "c1")
		assert.ErrorIs(t, err, shared.ErrWaitlistEntryAbsent)
		_, err = tx.FindWaitlistEntry(ctx, "s9", "c1")
		assert.ErrorIs(t, err, shared.ErrWaitlistEntryAbsent)
		return nil
	})
	require.NoError(t, err)
}

func TestCoursesWithWaitlist_SortedActiveOnly(t *testing.T) {
	store := NewEnrollmentStore(NewDB())
	ctx := context.Background()

	for _, cid := range []string{"c3", "c1", "c2"} {
		cid := cid
		err := store.WithinCourse(ctx, cid, func(ctx context.Context, tx enrollment.Tx) error {
			w := enrollment.NewWaitlistEntry("s1", cid, 1, testNow)
			w.IsActive = cid != "c2"
			return tx.SaveWaitlistEntry(ctx, w)
		})
		require.NoError(t, err)
	}

	ids, err := store.CoursesWithWaitlist(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3"}, ids)
}

// ══════════════════════════════════════════════════════════════════════════════
// COLLABORATORS
// ══════════════════════════════════════════════════════════════════════════════

func TestCourseRegistry_GetCourse(t *testing.T) {
	db := NewDB()
	db.PutCourse(course.Course{ID: "c1", MaxStudents: 10, Prerequisites: []string{"c0"}})
	reg := NewCourseRegistry(db)

	c, err := reg.GetCourse(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 10, c.MaxStudents)

	// Returned copies do not alias stored rows.
	c.Prerequisites[0] = "changed"
	again, err := reg.GetCourse(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c0"}, again.Prerequisites)

	_, err = reg.GetCourse(context.Background(), "missing")
	assert.ErrorIs(t, err, shared.ErrCourseNotFound)
}

func TestUserDirectory_GetUser(t *testing.T) {
	db := NewDB()
	db.PutUser(user.User{ID: "s1", Role: user.RoleStudent, IsActive: true})
	dir := NewUserDirectory(db)

	u, err := dir.GetUser(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, u.IsActiveStudent())

	_, err = dir.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, shared.ErrUserNotFound)
}

func TestUserDirectory_CanManageCourse(t *testing.T) {
	db := NewDB()
	db.PutUser(user.User{ID: "admin", Role: user.RoleAdmin, IsActive: true})
	db.PutUser(user.User{ID: "teacher", Role: user.RoleTeacher, IsActive: true})
	db.PutUser(user.User{ID: "retired", Role: user.RoleAdmin, IsActive: false})
	db.PutUser(user.User{ID: "parent", Role: user.RoleParent, IsActive: true})
	db.AssignInstructor("c1", "teacher")
	dir := NewUserDirectory(db)

	tests := []struct {
		actor  string
		course string
		want   bool
	}{
		{"admin", "c1", true},
		{"admin", "c2", true},
		{"teacher", "c1", true},
		{"teacher", "c2", false},
		{"retired", "c1", false},
		{"parent", "c1", false},
		{"nobody", "c1", false},
	}
	for _, tt := range tests {
		t.Run(tt.actor+"/"+tt.course, func(t *testing.T) {
			ok, err := dir.CanManageCourse(context.Background(), tt.actor, tt.course)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestAuditStore_Append(t *testing.T) {
	db := NewDB()
	store := NewAuditStore(db)

	first := audit.NewEntry(audit.ActionEnrolled, "c1", "s1", "s1", testNow)
	second := audit.NewEntry(audit.ActionWaitlisted, "c1", "s2", "s2", testNow)
	require.NoError(t, store.Append(context.Background(), first))
	require.NoError(t, store.Append(context.Background(), second))

	entries := db.AuditEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionEnrolled, entries[0].Action)
	assert.Equal(t, audit.ActionWaitlisted, entries[1].Action)
	assert.Equal(t, first.ID, entries[0].ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.Append(ctx, first), context.Canceled)
	assert.Len(t, db.AuditEntries(), 2)
}
