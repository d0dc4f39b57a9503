// Package app assembles the course capacity service from its configuration.
// Both binaries build the same graph; they differ only in what they start.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alem-hub/course-capacity/config"
	"github.com/alem-hub/course-capacity/internal/application/command"
	"github.com/alem-hub/course-capacity/internal/application/eventhandler"
	"github.com/alem-hub/course-capacity/internal/application/query"
	"github.com/alem-hub/course-capacity/internal/domain/audit"
	"github.com/alem-hub/course-capacity/internal/domain/course"
	"github.com/alem-hub/course-capacity/internal/domain/enrollment"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/internal/domain/user"
	"github.com/alem-hub/course-capacity/internal/infrastructure/messaging"
	"github.com/alem-hub/course-capacity/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/course-capacity/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/course-capacity/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/course-capacity/internal/infrastructure/scheduler"
	"github.com/alem-hub/course-capacity/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/course-capacity/internal/infrastructure/service"
	httpserver "github.com/alem-hub/course-capacity/internal/interface/http"
	"github.com/alem-hub/course-capacity/internal/interface/http/handlers"
	"github.com/alem-hub/course-capacity/pkg/circuitbreaker"
	"github.com/alem-hub/course-capacity/pkg/logger"
	"github.com/alem-hub/course-capacity/pkg/timeutil"
)

// eventBus is satisfied by both the in-memory and the Redis bus.
type eventBus interface {
	shared.EventBus
	Close() error
}

// Container holds the wired service graph.
type Container struct {
	Config *config.Config
	Logger *logger.Logger
	Slog   *slog.Logger

	Store enrollment.Store

	// Courses is the authoritative registry; commands read capacity and
	// status from it. CourseReads may be cached and serves queries only.
	Courses     course.Registry
	CourseReads course.Registry

	Users      user.Directory
	Authorizer user.Authorizer
	Recorder   *service.AsyncAuditRecorder
	Bus        shared.EventBus

	Lifecycle   *command.LifecycleManager
	Capacity    *query.GetCourseCapacityHandler
	Waitlist    *query.GetWaitlistHandler
	Eligibility *query.CheckEligibilityHandler

	Health *handlers.CompositeHealthChecker

	// MemoryDB is set when no database is configured.
	MemoryDB *memory.DB

	closers []func(ctx context.Context) error
}

// NewLogger builds the application logger from configuration.
func NewLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Output = os.Stdout
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	opts.Format = logger.Format(cfg.Observability.LogFormat)
	if cfg.App.Debug {
		opts.Level = logger.LevelDebug
	}
	return logger.New(opts).With(
		logger.String("service", cfg.App.Name),
		logger.String("env", string(cfg.App.Environment)),
	)
}

// Build connects to the backing stores and wires every component. The
// returned container must be closed.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *Container, err error) {
	sl := log.Slog()
	slog.SetDefault(sl)

	if err := timeutil.SetLocation(cfg.App.Timezone); err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}

	c := &Container{
		Config: cfg,
		Logger: log,
		Slog:   sl,
		Health: handlers.NewCompositeHealthChecker(cfg.App.Version),
	}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// Storage
	// ─────────────────────────────────────────────────────────────────────────
	var auditStore audit.Store
	if cfg.Database.URL != "" {
		auditStore, err = c.buildPostgres(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("DATABASE_URL is not set, using in-memory storage")
		db := memory.NewDB()
		dir := memory.NewUserDirectory(db)
		c.MemoryDB = db
		c.Store = memory.NewEnrollmentStore(db)
		c.Courses = memory.NewCourseRegistry(db)
		c.Users = dir
		c.Authorizer = dir
		auditStore = memory.NewAuditStore(db)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Redis: course cache and cross-instance events
	// ─────────────────────────────────────────────────────────────────────────
	var cache *redis.Cache
	if !cfg.Redis.Disabled {
		var redisErr error
		cache, redisErr = c.buildRedis(ctx)
		if redisErr != nil {
			// Redis is an accelerator only.
			log.Warn("redis unavailable, continuing without cache", logger.Err(redisErr))
			cache = nil
		}
	}

	c.CourseReads = c.Courses
	if cache != nil {
		breaker := circuitbreaker.CacheBreaker(c.logStateChange)
		c.CourseReads = redis.NewCourseCache(c.Courses, cache, cfg.Enrollment.CourseCacheTTL, breaker, sl)
	}

	bus, err := c.buildEventBus(cache)
	if err != nil {
		return nil, err
	}
	c.Bus = bus
	c.closers = append(c.closers, func(context.Context) error { return bus.Close() })

	// ─────────────────────────────────────────────────────────────────────────
	// Audit and notifications
	// ─────────────────────────────────────────────────────────────────────────
	c.Recorder = service.NewAsyncAuditRecorder(
		auditStore,
		circuitbreaker.AuditStoreBreaker(
			cfg.Enrollment.AuditBreakerThreshold,
			cfg.Enrollment.AuditBreakerTimeout,
			c.logStateChange,
		),
		service.AuditRecorderConfig{
			QueueSize: cfg.Enrollment.AuditQueueSize,
			Workers:   cfg.Enrollment.AuditWorkers,
			Logger:    sl,
		},
	)
	// Registered after the bus so it is closed before it.
	c.closers = append(c.closers, c.Recorder.Close)

	seats := eventhandler.NewOnSeatChangedHandler(service.NewLogNotifier(sl), sl)
	if err := seats.Subscribe(bus); err != nil {
		return nil, fmt.Errorf("subscribe seat handler: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Application layer
	// ─────────────────────────────────────────────────────────────────────────
	c.wireApplication(timeutil.SystemClock{})

	return c, nil
}

// wireApplication builds the command and query handlers over the storage
// already in c.
func (c *Container) wireApplication(clock timeutil.Clock) {
	c.Lifecycle = command.NewLifecycleManager(
		c.Store, c.Courses, c.Users, c.Authorizer,
		c.Recorder, c.Bus, clock, c.Logger,
		command.LifecycleConfig{
			SystemActorID:       c.Config.Enrollment.SystemActorID,
			MaxPromotionsPerRun: c.Config.Enrollment.MaxPromotionsPerRun,
		},
	)
	c.Capacity = query.NewGetCourseCapacityHandler(c.Store, c.CourseReads, clock)
	c.Waitlist = query.NewGetWaitlistHandler(c.Store)
	c.Eligibility = query.NewCheckEligibilityHandler(c.Store, c.CourseReads, clock)
}

func (c *Container) buildPostgres(ctx context.Context) (audit.Store, error) {
	cfg := c.Config.Database
	c.Logger.Info("connecting to database")

	pc := postgres.DefaultConfig()
	pc.URL = cfg.URL
	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)

	conn, err := postgres.NewConnection(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	c.closers = append(c.closers, func(context.Context) error {
		conn.Close()
		return nil
	})

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	if cfg.AutoMigrate {
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	c.Health.AddCheck("database", handlers.NewPingCheck(conn))

	dir := postgres.NewUserDirectory(conn)
	c.Store = postgres.NewEnrollmentStore(conn, cfg.TxRetryAttempts, c.Slog)
	c.Courses = postgres.NewCourseRegistry(conn)
	c.Users = dir
	c.Authorizer = dir
	c.Logger.Info("database ready")

	return postgres.NewAuditRepository(conn), nil
}

func (c *Container) buildRedis(ctx context.Context) (*redis.Cache, error) {
	cfg := c.Config.Redis
	rc := redis.DefaultConfig()
	rc.Host = cfg.Host
	rc.Port = cfg.Port
	rc.Password = cfg.Password
	rc.DB = cfg.DB
	rc.PoolSize = cfg.PoolSize
	rc.MinIdleConns = cfg.MinIdleConns
	rc.DialTimeout = cfg.DialTimeout
	rc.ReadTimeout = cfg.ReadTimeout
	rc.WriteTimeout = cfg.WriteTimeout

	cache := redis.NewCache(rc)
	if err := cache.Ping(ctx); err != nil {
		_ = cache.Close()
		return nil, err
	}
	c.closers = append(c.closers, func(context.Context) error { return cache.Close() })
	c.Health.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
	c.Logger.Info("redis ready", logger.String("addr", rc.Addr()))
	return cache, nil
}

func (c *Container) buildEventBus(cache *redis.Cache) (eventBus, error) {
	local := messaging.DefaultInMemoryEventBusConfig()
	local.Logger = c.Slog

	if cache == nil {
		return messaging.NewInMemoryEventBus(local), nil
	}

	bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Client:         redis.NewPubSubClient(cache),
		ChannelName:    c.Config.Redis.EventChannel,
		LocalBusConfig: local,
		Logger:         c.Slog,
	})
	if err != nil {
		return nil, fmt.Errorf("redis event bus: %w", err)
	}
	return bus, nil
}

func (c *Container) logStateChange(name string, from, to circuitbreaker.State) {
	c.Logger.Warn("circuit breaker state changed",
		logger.String("breaker", name),
		logger.String("from", from.String()),
		logger.String("to", to.String()),
	)
}

// NewHTTPServer builds the API server on top of the container.
func (c *Container) NewHTTPServer() (*httpserver.Server, error) {
	cfg := c.Config.HTTP
	sc := httpserver.DefaultConfig()
	sc.Host = cfg.Host
	sc.Port = cfg.Port
	sc.ReadTimeout = cfg.ReadTimeout
	sc.WriteTimeout = cfg.WriteTimeout
	sc.IdleTimeout = cfg.IdleTimeout
	sc.AllowedOrigins = cfg.AllowedOrigins
	sc.RateLimitPerMinute = cfg.RateLimitPerMinute
	sc.APIKeyHashes = cfg.APIKeyHashes
	sc.Version = c.Config.App.Version

	return httpserver.NewServer(sc, httpserver.Dependencies{
		Enrollments:   c.Lifecycle,
		Capacity:      c.Capacity,
		Waitlist:      c.Waitlist,
		Eligibility:   c.Eligibility,
		Logger:        c.Logger,
		HealthChecker: c.Health,
	})
}

// NewScheduler builds the scheduler with the waitlist reconciliation job.
func (c *Container) NewScheduler() (*scheduler.Scheduler, *jobs.ReconcileWaitlistsJob, error) {
	cfg := c.Config.Scheduler

	schedule, err := scheduler.ParseSchedule(cfg.ReconcileSchedule)
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile schedule: %w", err)
	}

	sc := scheduler.DefaultSchedulerConfig()
	sc.Logger = c.Slog
	sc.Timezone = timeutil.Location()
	sc.JobTimeout = cfg.JobTimeout
	s := scheduler.NewScheduler(sc)

	job := jobs.NewReconcileWaitlistsJob(c.Store, c.Lifecycle, c.Slog, jobs.ReconcileWaitlistsConfig{
		Concurrency: cfg.ReconcileConcurrency,
		Timeout:     cfg.JobTimeout,
	})
	if err := s.Register(job, schedule); err != nil {
		return nil, nil, err
	}
	return s, job, nil
}

// Close releases resources in reverse order of acquisition.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
