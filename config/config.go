// Package config loads the course capacity service configuration from
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment is the deployment stage.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config is the whole service configuration.
type Config struct {
	App           AppConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	HTTP          HTTPConfig
	Enrollment    EnrollmentConfig
	Scheduler     SchedulerConfig
	Observability ObservabilityConfig
}

type AppConfig struct {
	Name        string
	Environment Environment
	Debug       bool
	Version     string

	// Timezone of enrollment window dates. Location is nil when the name
	// is unknown, which Validate reports.
	Timezone string
	Location *time.Location

	ShutdownTimeout time.Duration
}

// DatabaseConfig selects PostgreSQL. An empty URL selects the in-memory
// store, which is refused in production.
type DatabaseConfig struct {
	URL string

	MaxConns     int
	MinConns     int
	QueryTimeout time.Duration

	// TxRetryAttempts bounds replays of a per-course unit after a
	// serialization failure or deadlock.
	TxRetryAttempts int

	AutoMigrate bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// EventChannel carries seat events between instances.
	EventChannel string

	// Disabled runs without cache and with a process-local event bus.
	Disabled bool
}

type HTTPConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string

	// RateLimitPerMinute is per client IP; 0 disables limiting.
	RateLimitPerMinute int

	// APIKeyHashes are bcrypt hashes, never plain keys.
	APIKeyHashes []string
}

// EnrollmentConfig tunes the lifecycle manager and its side channels.
type EnrollmentConfig struct {
	CourseCacheTTL time.Duration

	AuditQueueSize        int
	AuditWorkers          int
	AuditBreakerThreshold int
	AuditBreakerTimeout   time.Duration

	// SystemActorID is recorded as the actor of promotions made by
	// reconciliation.
	SystemActorID string

	// MaxPromotionsPerRun caps promotions per course in one reconciliation
	// pass.
	MaxPromotionsPerRun int
}

type SchedulerConfig struct {
	Enabled bool

	// ReconcileSchedule is a Go duration ("1m") or a five-field cron
	// expression.
	ReconcileSchedule    string
	ReconcileConcurrency int
	JobTimeout           time.Duration
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// IsDevelopment reports APP_ENV=development.
func (c *Config) IsDevelopment() bool { return c.App.Environment == EnvDevelopment }

// IsProduction reports APP_ENV=production.
func (c *Config) IsProduction() bool { return c.App.Environment == EnvProduction }

// ══════════════════════════════════════════════════════════════════════════════
// LOADING
// ══════════════════════════════════════════════════════════════════════════════

// Load reads the environment and validates the result. Malformed values and
// failed checks are reported together.
func Load() (*Config, error) {
	e := &env{}

	cfg := &Config{
		App: AppConfig{
			Name:            e.str("APP_NAME", "course-capacity"),
			Environment:     Environment(e.str("APP_ENV", string(EnvDevelopment))),
			Version:         e.str("APP_VERSION", "0.1.0"),
			Timezone:        e.str("APP_TIMEZONE", "Asia/Almaty"),
			ShutdownTimeout: e.duration("APP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             databaseURL(e),
			MaxConns:        e.integer("DB_MAX_CONNS", 10),
			MinConns:        e.integer("DB_MIN_CONNS", 2),
			QueryTimeout:    e.duration("DB_QUERY_TIMEOUT", 10*time.Second),
			TxRetryAttempts: e.integer("DB_TX_RETRY_ATTEMPTS", 3),
			AutoMigrate:     e.boolean("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Host:         e.str("REDIS_HOST", "localhost"),
			Port:         e.integer("REDIS_PORT", 6379),
			Password:     e.str("REDIS_PASSWORD", ""),
			DB:           e.integer("REDIS_DB", 0),
			PoolSize:     e.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: e.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  e.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  e.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: e.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			EventChannel: e.str("REDIS_EVENT_CHANNEL", "course-capacity:events"),
			Disabled:     e.boolean("REDIS_DISABLED", false),
		},
		HTTP: HTTPConfig{
			Host:               e.str("HTTP_HOST", "0.0.0.0"),
			Port:               e.integer("HTTP_PORT", 8080),
			ReadTimeout:        e.duration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       e.duration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:        e.duration("HTTP_IDLE_TIMEOUT", time.Minute),
			AllowedOrigins:     e.list("HTTP_ALLOWED_ORIGINS", []string{"*"}),
			RateLimitPerMinute: e.integer("HTTP_RATE_LIMIT", 300),
			APIKeyHashes:       e.list("HTTP_API_KEY_HASHES", nil),
		},
		Enrollment: EnrollmentConfig{
			CourseCacheTTL:        e.duration("ENROLLMENT_COURSE_CACHE_TTL", 5*time.Minute),
			AuditQueueSize:        e.integer("ENROLLMENT_AUDIT_QUEUE_SIZE", 1024),
			AuditWorkers:          e.integer("ENROLLMENT_AUDIT_WORKERS", 2),
			AuditBreakerThreshold: e.integer("ENROLLMENT_AUDIT_CB_THRESHOLD", 5),
			AuditBreakerTimeout:   e.duration("ENROLLMENT_AUDIT_CB_TIMEOUT", 30*time.Second),
			SystemActorID:         e.str("ENROLLMENT_SYSTEM_ACTOR", "system"),
			MaxPromotionsPerRun:   e.integer("ENROLLMENT_MAX_PROMOTIONS_PER_RUN", 100),
		},
		Scheduler: SchedulerConfig{
			Enabled:              e.boolean("SCHEDULER_ENABLED", true),
			ReconcileSchedule:    e.str("SCHEDULER_RECONCILE_SCHEDULE", "1m"),
			ReconcileConcurrency: e.integer("SCHEDULER_RECONCILE_CONCURRENCY", 4),
			JobTimeout:           e.duration("SCHEDULER_JOB_TIMEOUT", 5*time.Minute),
		},
		Observability: ObservabilityConfig{
			LogLevel:  e.str("LOG_LEVEL", "info"),
			LogFormat: e.str("LOG_FORMAT", "json"),
		},
	}

	cfg.App.Debug = cfg.IsDevelopment() || e.boolean("APP_DEBUG", false)
	if loc, err := time.LoadLocation(cfg.App.Timezone); err == nil {
		cfg.App.Location = loc
	}

	if err := errors.Join(e.err(), cfg.Validate()); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// databaseURL prefers DATABASE_URL and otherwise assembles one from the
// DB_* variables when at least host and user are set.
func databaseURL(e *env) string {
	if u := e.str("DATABASE_URL", ""); u != "" {
		return u
	}
	host, user := e.str("DB_HOST", ""), e.str("DB_USER", "")
	if host == "" || user == "" {
		return ""
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, e.str("DB_PASSWORD", "")),
		Host:     host + ":" + e.str("DB_PORT", "5432"),
		Path:     "/" + e.str("DB_NAME", "course_capacity"),
		RawQuery: "sslmode=" + url.QueryEscape(e.str("DB_SSLMODE", "require")),
	}
	return u.String()
}

// Validate checks cross-field rules and reports every violation.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.App.Location != nil, fmt.Sprintf("APP_TIMEZONE %q is not a known time zone", c.App.Timezone))
	if c.IsProduction() {
		check(c.Database.URL != "", "DATABASE_URL is required in production")
		check(len(c.HTTP.APIKeyHashes) > 0, "HTTP_API_KEY_HASHES is required in production")
	}
	check(c.Database.MaxConns > 0 && c.Database.MinConns >= 0 && c.Database.MinConns <= c.Database.MaxConns,
		"DB_MIN_CONNS must be 0..DB_MAX_CONNS and DB_MAX_CONNS positive")
	check(c.Database.TxRetryAttempts >= 1, "DB_TX_RETRY_ATTEMPTS must be at least 1")
	check(c.HTTP.Port >= 1 && c.HTTP.Port <= 65535, "HTTP_PORT must be 1-65535")
	check(c.Enrollment.AuditQueueSize >= 1 && c.Enrollment.AuditWorkers >= 1,
		"ENROLLMENT_AUDIT_QUEUE_SIZE and ENROLLMENT_AUDIT_WORKERS must be positive")
	check(c.Enrollment.AuditBreakerThreshold >= 1, "ENROLLMENT_AUDIT_CB_THRESHOLD must be positive")
	check(c.Enrollment.MaxPromotionsPerRun >= 1, "ENROLLMENT_MAX_PROMOTIONS_PER_RUN must be positive")
	check(!c.Scheduler.Enabled || strings.TrimSpace(c.Scheduler.ReconcileSchedule) != "",
		"SCHEDULER_RECONCILE_SCHEDULE is required when the scheduler is enabled")
	check(c.Observability.LogFormat == "json" || c.Observability.LogFormat == "text",
		"LOG_FORMAT must be json or text")

	if len(problems) == 0 {
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
}

// ─────────────────────────────────────────────────────────────────────────────
// Environment reader
// ─────────────────────────────────────────────────────────────────────────────

// env reads variables, keeping the default for unset ones and remembering
// every value that fails to parse.
type env struct {
	bad []string
}

func (e *env) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func parse[T any](e *env, key string, def T, fn func(string) (T, error)) T {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	out, err := fn(v)
	if err != nil {
		e.bad = append(e.bad, fmt.Sprintf("%s=%q is malformed", key, v))
		return def
	}
	return out
}

func (e *env) integer(key string, def int) int {
	return parse(e, key, def, strconv.Atoi)
}

func (e *env) boolean(key string, def bool) bool {
	return parse(e, key, def, strconv.ParseBool)
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	return parse(e, key, def, time.ParseDuration)
}

// list splits on commas and drops empty items.
func (e *env) list(key string, def []string) []string {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *env) err() error {
	if len(e.bad) == 0 {
		return nil
	}
	return errors.New(strings.Join(e.bad, "; "))
}
