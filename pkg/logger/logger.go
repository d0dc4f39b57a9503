// Package logger is the structured logger used by the application and HTTP
// layers. It takes typed fields instead of loose key/value pairs and writes
// through log/slog, so the infrastructure packages, which take a
// *slog.Logger, share its sink and level.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

// Level is the minimum severity a logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// levelOff is above every level and silences a logger.
const levelOff = slog.Level(64)

func (l Level) toSlog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// ParseLevel maps debug, info, warn(ing) and error, in any case. Anything
// else is info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Fields
// ─────────────────────────────────────────────────────────────────────────────

// Field is one structured attribute.
type Field = slog.Attr

func String(key, value string) Field                 { return slog.String(key, value) }
func Int(key string, value int) Field                { return slog.Int(key, value) }
func Bool(key string, value bool) Field              { return slog.Bool(key, value) }
func Duration(key string, value time.Duration) Field { return slog.String(key, value.String()) }
func Any(key string, value any) Field                { return slog.Any(key, value) }

// Err renders err as its message under "error".
func Err(err error) Field {
	if err == nil {
		return slog.Any("error", nil)
	}
	return slog.String("error", err.Error())
}

// Domain fields.
func CourseID(id string) Field      { return String("course_id", id) }
func StudentID(id string) Field     { return String("student_id", id) }
func ActorID(id string) Field       { return String("actor_id", id) }
func Position(pos int) Field        { return Int("position", pos) }
func Component(name string) Field   { return String("component", name) }
func Operation(name string) Field   { return String("operation", name) }
func Latency(d time.Duration) Field { return Duration("latency", d) }

// RequestIDKey names the request correlation field.
const RequestIDKey = "request_id"

// ─────────────────────────────────────────────────────────────────────────────
// Logger
// ─────────────────────────────────────────────────────────────────────────────

// Format selects the encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Options configures New.
type Options struct {
	Output    io.Writer
	Level     Level
	Format    Format
	AddCaller bool
}

// DefaultOptions writes JSON at info level to stdout with the caller.
func DefaultOptions() Options {
	return Options{Output: os.Stdout, Level: LevelInfo, Format: FormatJSON, AddCaller: true}
}

// Logger is safe for concurrent use. Loggers derived with With share the
// underlying handler.
type Logger struct {
	sl *slog.Logger
}

// New creates a logger.
func New(opts Options) *Logger {
	return newLogger(opts, opts.Level.toSlog())
}

func newLogger(opts Options, level slog.Leveler) *Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	ho := &slog.HandlerOptions{Level: level, AddSource: opts.AddCaller}
	var h slog.Handler
	if opts.Format == FormatText {
		h = slog.NewTextHandler(opts.Output, ho)
	} else {
		h = slog.NewJSONHandler(opts.Output, ho)
	}
	return &Logger{sl: slog.New(h)}
}

// Default is New(DefaultOptions()).
func Default() *Logger {
	return New(DefaultOptions())
}

// Nop discards everything.
func Nop() *Logger {
	return newLogger(Options{Output: io.Discard}, levelOff)
}

// With returns a logger that adds fields to every line.
func (l *Logger) With(fields ...Field) *Logger {
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = f
	}
	return &Logger{sl: l.sl.With(args...)}
}

// WithRequestID is With(String(RequestIDKey, id)).
func (l *Logger) WithRequestID(id string) *Logger {
	return l.With(String(RequestIDKey, id))
}

// Slog exposes the logger to packages that take a *slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.sl }

func (l *Logger) Debug(msg string, fields ...Field) { l.log(slog.LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(slog.LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(slog.LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(slog.LevelError, msg, fields) }

// log builds the record itself so the source points at our caller.
func (l *Logger) log(level slog.Level, msg string, fields []Field) {
	ctx := context.Background()
	h := l.sl.Handler()
	if !h.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(fields...)
	_ = h.Handle(ctx, r)
}

// ─────────────────────────────────────────────────────────────────────────────
// Context
// ─────────────────────────────────────────────────────────────────────────────

type ctxKey struct{}

// WithContext attaches l to ctx.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached to ctx, or Default.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return Default()
}
