package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/course-capacity/config"
	"github.com/alem-hub/course-capacity/internal/application/command"
	"github.com/alem-hub/course-capacity/internal/application/query"
	"github.com/alem-hub/course-capacity/internal/domain/audit"
	"github.com/alem-hub/course-capacity/internal/domain/course"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/internal/domain/user"
	"github.com/alem-hub/course-capacity/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/course-capacity/pkg/timeutil"
)

func buildInMemory(t *testing.T) *Container {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_DISABLED", "true")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := config.Load()
	require.NoError(t, err)

	c, err := Build(context.Background(), cfg, NewLogger(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestBuild_InMemory(t *testing.T) {
	c := buildInMemory(t)

	require.NotNil(t, c.MemoryDB)
	assert.NotNil(t, c.Store)
	assert.NotNil(t, c.Lifecycle)
	assert.NotNil(t, c.Recorder)

	status := c.Health.Check(context.Background())
	assert.True(t, status.Ready)
}

func TestContainer_EnrollAndWaitlist(t *testing.T) {
	c := buildInMemory(t)
	ctx := context.Background()

	c.MemoryDB.PutCourse(course.Course{ID: "c1", Title: "Go", MaxStudents: 1, Status: course.StatusActive})
	c.MemoryDB.PutUser(user.User{ID: "s1", Role: user.RoleStudent, IsActive: true})
	c.MemoryDB.PutUser(user.User{ID: "s2", Role: user.RoleStudent, IsActive: true})

	first, err := c.Lifecycle.Enroll(ctx, command.EnrollCommand{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)
	assert.True(t, first.Enrolled)

	second, err := c.Lifecycle.Enroll(ctx, command.EnrollCommand{StudentID: "s2", CourseID: "c1"})
	require.NoError(t, err)
	assert.True(t, second.Waitlisted)
	assert.Equal(t, 1, second.Position)

	// Closing drains the audit queue.
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(closeCtx))

	var actions []audit.Action
	for _, e := range c.MemoryDB.AuditEntries() {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []audit.Action{audit.ActionEnrolled, audit.ActionWaitlisted}, actions)
}

func TestContainer_HTTPServer(t *testing.T) {
	c := buildInMemory(t)
	c.MemoryDB.PutCourse(course.Course{ID: "c1", MaxStudents: 3, Status: course.StatusActive})

	srv, err := c.NewHTTPServer()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/courses/c1/capacity", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"max_students":3`)
}

func TestContainer_Scheduler(t *testing.T) {
	c := buildInMemory(t)

	sched, job, err := c.NewScheduler()
	require.NoError(t, err)
	require.NotNil(t, job)

	jobs := sched.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, job.Name(), jobs[0].Name)

	_, err = sched.RunNow(context.Background(), job.Name())
	assert.NoError(t, err)
}

// jsonCache is a redis.KeyValue that never expires entries.
type jsonCache map[string][]byte

func (c jsonCache) Get(_ context.Context, key string, dest interface{}) error {
	b, ok := c[key]
	if !ok {
		return redis.ErrCacheMiss
	}
	return json.Unmarshal(b, dest)
}

func (c jsonCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	b, err := json.Marshal(value)
	c[key] = b
	return err
}

func (c jsonCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c, k)
	}
	return nil
}

func TestContainer_EnrollUsesLiveCapacityWhileCacheIsStale(t *testing.T) {
	c := buildInMemory(t)
	ctx := context.Background()

	c.MemoryDB.PutCourse(course.Course{ID: "c1", Title: "Go", MaxStudents: 3, Status: course.StatusActive})
	c.MemoryDB.PutUser(user.User{ID: "s1", Role: user.RoleStudent, IsActive: true})
	c.MemoryDB.PutUser(user.User{ID: "s2", Role: user.RoleStudent, IsActive: true})
	c.MemoryDB.PutUser(user.User{ID: "s3", Role: user.RoleStudent, IsActive: true})

	c.CourseReads = redis.NewCourseCache(c.Courses, jsonCache{}, time.Hour, nil, c.Slog)
	c.wireApplication(timeutil.SystemClock{})

	warm, err := c.Capacity.Handle(ctx, query.GetCourseCapacityQuery{CourseID: "c1"})
	require.NoError(t, err)
	require.Equal(t, 3, warm.MaxStudents)

	// Capacity drops after the cache was filled.
	c.MemoryDB.PutCourse(course.Course{ID: "c1", Title: "Go", MaxStudents: 1, Status: course.StatusActive})

	first, err := c.Lifecycle.Enroll(ctx, command.EnrollCommand{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)
	assert.True(t, first.Enrolled)

	second, err := c.Lifecycle.Enroll(ctx, command.EnrollCommand{StudentID: "s2", CourseID: "c1"})
	require.NoError(t, err)
	assert.True(t, second.Waitlisted, "enrollment must honour the lowered capacity")

	// Archiving is seen by the write path immediately as well.
	c.MemoryDB.PutCourse(course.Course{ID: "c1", Title: "Go", MaxStudents: 1, Status: course.StatusArchived})
	_, err = c.Lifecycle.Enroll(ctx, command.EnrollCommand{StudentID: "s3", CourseID: "c1"})
	assert.ErrorIs(t, err, shared.ErrCourseNotAvailable)
}
