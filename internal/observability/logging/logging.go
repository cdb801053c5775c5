package logging

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"liveroom-gateway/internal/observability/metrics"
)

type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

type LogFormat string

const (
	FormatJSON   LogFormat = "json"
	FormatText   LogFormat = "text"
	FormatPretty LogFormat = "pretty"
)

// Init creates a slog.Logger from cfg and installs it as the process default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured slog.Logger using the provided configuration.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	return slog.New(newHandler(cfg, writer))
}

func newHandler(cfg Config, writer io.Writer) slog.Handler {
	level := parseLevel(cfg.Level)
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		return slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	case FormatPretty:
		return tint.NewHandler(writer, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		return slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	}
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// ctxKey is a typed context key; distinct names yield distinct keys.
type ctxKey[T any] struct{ name string }

func (k ctxKey[T]) get(ctx context.Context) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(k).(T)
	return v, ok
}

var (
	requestIDKey = ctxKey[string]{"request_id"}
	userIDKey    = ctxKey[string]{"user_id"}
	loggerKey    = ctxKey[*slog.Logger]{"logger"}
)

func withTrimmed(ctx context.Context, key ctxKey[string], value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func nonEmpty(ctx context.Context, key ctxKey[string]) (string, bool) {
	v, ok := key.get(ctx)
	return v, ok && v != ""
}

// NewRequestID returns a random UUIDv4.
func NewRequestID() string {
	return uuid.NewString()
}

// ContextWithRequestID stores id on ctx; blank IDs are ignored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withTrimmed(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return nonEmpty(ctx, requestIDKey)
}

// ContextWithUserID stores the authenticated profile ID on ctx.
func ContextWithUserID(ctx context.Context, id string) context.Context {
	return withTrimmed(ctx, userIDKey, id)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	return nonEmpty(ctx, userIDKey)
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the request-scoped logger or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	logger, _ := loggerKey.get(ctx)
	return logger
}

// WithContext annotates logger with the request and user IDs carried by ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	var attrs []any
	if id, ok := RequestIDFromContext(ctx); ok {
		attrs = append(attrs, "request_id", id)
	}
	if id, ok := UserIDFromContext(ctx); ok {
		attrs = append(attrs, "user_id", id)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// userSlot lets the auth middleware, which runs inside the logging middleware,
// report the resolved user back to the outer request log line.
type userSlot struct {
	id string
}

type userSlotKey struct{}

// NoteUserID records id on the request's log slot, if one was installed by
// RequestLogger.
func NoteUserID(ctx context.Context, id string) {
	if slot, ok := ctx.Value(userSlotKey{}).(*userSlot); ok && slot != nil {
		slot.id = id
	}
}

// NotedUserID returns the user recorded with NoteUserID further down the
// middleware chain.
func NotedUserID(ctx context.Context) (string, bool) {
	slot, ok := ctx.Value(userSlotKey{}).(*userSlot)
	if !ok || slot == nil || slot.id == "" {
		return "", false
	}
	return slot.id, true
}

// RequestLoggerConfig configures the HTTP request logging middleware.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger returns middleware that logs one "request completed" line per
// request with method, path, status, duration and the client IP.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder, ok := w.(*metrics.ResponseRecorder)
			if !ok {
				recorder = metrics.NewResponseRecorder(w)
			}
			slot := &userSlot{}
			r = r.WithContext(context.WithValue(r.Context(), userSlotKey{}, slot))
			start := time.Now()
			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			requestLogger := WithContext(r.Context(), baseLogger)
			if slot.id != "" {
				requestLogger = requestLogger.With("user_id", slot.id)
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.Status(),
				"duration_ms", duration.Milliseconds(),
				"bytes", recorder.BytesWritten(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_ip", remoteIP(r.RemoteAddr))
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, recorder.Status(), duration)...)
			}

			level := slog.LevelInfo
			if recorder.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			requestLogger.Log(r.Context(), level, "request completed", attrs...)
		})
	}
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
