// Package http implements the REST API of the course capacity service:
// enrollment, drop, completion and waitlist withdrawal, plus read-only
// capacity, waitlist and eligibility views and health probes.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/alem-hub/course-capacity/internal/application/command"
	"github.com/alem-hub/course-capacity/internal/application/query"
	"github.com/alem-hub/course-capacity/internal/interface/http/handlers"
	"github.com/alem-hub/course-capacity/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config configures the API server.
type Config struct {
	Host string
	Port int

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// MaxBodyBytes caps request bodies on /api routes. Zero disables the cap.
	MaxBodyBytes int64

	EnableCORS     bool
	AllowedOrigins []string

	// RateLimitPerMinute is per client IP. Zero disables limiting.
	RateLimitPerMinute int

	// APIKeyHashes are bcrypt hashes of the accepted keys, sent in
	// APIKeyHeader. With none configured /api routes are open.
	APIKeyHeader string
	APIKeyHashes []string

	Version string
}

// DefaultConfig listens on :8080 with CORS open to every origin and 300
// requests per minute per IP.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        time.Minute,
		MaxHeaderBytes:     1 << 20,
		MaxBodyBytes:       64 << 10,
		EnableCORS:         true,
		AllowedOrigins:     []string{"*"},
		RateLimitPerMinute: 300,
		APIKeyHeader:       "X-API-Key",
		Version:            "v1",
	}
}

// Address is host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// EnrollmentService is the write side used by the API.
type EnrollmentService interface {
	Enroll(ctx context.Context, cmd command.EnrollCommand) (*command.EnrollResult, error)
	Drop(ctx context.Context, cmd command.DropCommand) (*command.DropResult, error)
	Unenroll(ctx context.Context, cmd command.DropCommand) (*command.DropResult, error)
	Complete(ctx context.Context, cmd command.DropCommand) (*command.DropResult, error)
	RemoveFromWaitlist(ctx context.Context, cmd command.RemoveFromWaitlistCommand) (*command.RemoveFromWaitlistResult, error)
}

type CapacityReader interface {
	Handle(ctx context.Context, q query.GetCourseCapacityQuery) (*query.CourseCapacityDTO, error)
}

type WaitlistReader interface {
	Handle(ctx context.Context, q query.GetWaitlistQuery) (*query.WaitlistDTO, error)
}

type EligibilityReader interface {
	Handle(ctx context.Context, q query.CheckEligibilityQuery) (*query.EligibilityDTO, error)
}

// Dependencies are the services behind the handlers. A nil reader makes its
// route answer 501.
type Dependencies struct {
	Enrollments EnrollmentService

	Capacity    CapacityReader
	Waitlist    WaitlistReader
	Eligibility EligibilityReader

	Logger        *logger.Logger
	HealthChecker handlers.HealthChecker
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server serves the API.
type Server struct {
	config Config
	deps   Dependencies
	logger *logger.Logger

	mux         *http.ServeMux
	handler     http.Handler
	httpServer  *http.Server
	rateLimiter *rateLimiter
	apiAuth     *handlers.APIKeyAuth

	running atomic.Bool
}

// NewServer wires routes and middleware. It fails when an API key hash is
// not a bcrypt hash.
func NewServer(config Config, deps Dependencies) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = handlers.NewNoopHealthChecker()
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: deps.Logger.With(logger.Component("http")),
		mux:    http.NewServeMux(),
	}

	if len(config.APIKeyHashes) > 0 {
		auth, err := handlers.NewAPIKeyAuth(config.APIKeyHeader, config.APIKeyHashes)
		if err != nil {
			return nil, fmt.Errorf("api key auth: %w", err)
		}
		s.apiAuth = auth
	}
	if config.RateLimitPerMinute > 0 {
		s.rateLimiter = newRateLimiter(config.RateLimitPerMinute, time.Minute)
	}

	s.routes()
	s.handler = s.wrap(s.mux)
	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	return s, nil
}

// Handler returns the root handler with every middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() {
	// Probes
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.HandleFunc("GET /live", s.handleLive)

	// Enrollment lifecycle
	s.api("POST /api/v1/courses/{courseID}/enrollments", s.handleEnroll)
	s.api("POST /api/v1/courses/{courseID}/enrollments/{studentID}/drop", s.handleDrop)
	s.api("POST /api/v1/courses/{courseID}/enrollments/{studentID}/complete", s.handleComplete)
	s.api("DELETE /api/v1/courses/{courseID}/waitlist/{studentID}", s.handleRemoveFromWaitlist)

	// Read side
	s.api("GET /api/v1/courses/{courseID}/capacity", s.handleGetCapacity)
	s.api("GET /api/v1/courses/{courseID}/waitlist", s.handleGetWaitlist)
	s.api("GET /api/v1/courses/{courseID}/eligibility/{studentID}", s.handleCheckEligibility)
}

// api registers a route behind security headers, the body cap and API key
// auth.
func (s *Server) api(pattern string, fn http.HandlerFunc) {
	mws := []handlers.MiddlewareFunc{handlers.SecurityHeadersMiddleware}
	if s.config.MaxBodyBytes > 0 {
		mws = append(mws, handlers.RequestSizeLimitMiddleware(s.config.MaxBodyBytes))
	}
	if s.apiAuth != nil {
		mws = append(mws, s.apiAuth.Middleware)
	}
	s.mux.Handle(pattern, handlers.ChainHandler(fn, mws...))
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("http: server already running")
	}
	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http: serve: %w", err)
	}
	return nil
}

// StartAsync runs Start on a goroutine. The channel yields Start's error, if
// any, and is then closed.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Start(); err != nil {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
