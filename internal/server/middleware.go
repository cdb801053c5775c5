package server

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"liveroom-gateway/internal/auth"
	"liveroom-gateway/internal/observability/logging"
	"liveroom-gateway/internal/observability/metrics"
)

// Authenticator resolves the caller behind a request's session token.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.User, error)
}

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr, ok := w.(*metrics.ResponseRecorder)
		if !ok {
			rr = metrics.NewResponseRecorder(w)
		}
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			loggerWithRequestContext(r.Context(), logger).Error("panic serving request",
				"panic", recovered,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			if !rr.WroteHeader() {
				writeMiddlewareError(rr, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(rr, r)
	})
}

// auditMiddleware writes one line per state-changing API request. Denied
// attempts are logged at warn level so privilege probing stands out.
func auditMiddleware(logger *slog.Logger, resolver clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isWrite(r.Method) || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		rr, ok := w.(*metrics.ResponseRecorder)
		if !ok {
			rr = metrics.NewResponseRecorder(w)
		}
		start := time.Now()
		next.ServeHTTP(rr, r)

		status := rr.Status()
		fields := []any{
			"action", auditAction(r.URL.Path),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", resolver.clientIP(r),
		}
		if requestID, ok := logging.RequestIDFromContext(r.Context()); ok {
			fields = append(fields, "request_id", requestID)
		}
		if userID, ok := logging.NotedUserID(r.Context()); ok {
			fields = append(fields, "user_id", userID)
		}
		level := slog.LevelInfo
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "audit", fields...)
	})
}

// auditAction groups API paths into the families operators filter on.
func auditAction(path string) string {
	rest := strings.TrimPrefix(path, "/api/")
	switch {
	case strings.HasPrefix(rest, "owner/"):
		return "owner"
	case strings.HasPrefix(rest, "admin/"):
		return "admin"
	case strings.HasPrefix(rest, "rooms/") && strings.HasSuffix(rest, "/moderation"):
		return "room_moderation"
	case strings.HasPrefix(rest, "rooms/") && strings.HasSuffix(rest, "/roles"):
		return "room_roles"
	case strings.HasPrefix(rest, "gifts/"):
		return "gift"
	case strings.HasPrefix(rest, "referrals/"):
		return "referral"
	case strings.HasPrefix(rest, "applications"):
		return "application"
	case strings.HasPrefix(rest, "presence/"):
		return "presence"
	case strings.HasPrefix(rest, "live/"):
		return "live_token"
	default:
		return "other"
	}
}

// authMiddleware attaches the verified user to API requests. Requests without
// a valid token continue anonymously; handlers that need a caller reject them.
func authMiddleware(authenticator Authenticator, logger *slog.Logger, next http.Handler) http.Handler {
	if authenticator == nil {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		user, err := authenticator.Authenticate(r)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) || hasCredentials(r) {
				loggerWithRequestContext(r.Context(), logger).Debug("session rejected", "error", err, "path", r.URL.Path)
			}
			next.ServeHTTP(w, r)
			return
		}

		ctx := auth.ContextWithUser(r.Context(), user)
		ctx = logging.ContextWithUserID(ctx, user.ID)
		if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
			ctx = logging.ContextWithLogger(ctx, ctxLogger.With("user_id", user.ID))
		}
		logging.NoteUserID(ctx, user.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func hasCredentials(r *http.Request) bool {
	_, ok := auth.ExtractToken(r)
	return ok
}
