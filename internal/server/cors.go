package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// CORSConfig lists the browser origins allowed to call the API with
// credentials. "*" reflects any origin and is meant for local development.
// Requests whose Origin matches their own Host are always allowed.
type CORSConfig struct {
	AllowedOrigins []string
}

var (
	corsMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsHeaders = []string{"Content-Type", "Authorization", "X-Request-Id"}
)

const (
	corsExposeHeaders = "X-Request-Id, Retry-After"
	corsMaxAge        = "600"
)

type corsPolicy struct {
	anyOrigin bool
	origins   map[string]bool
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{origins: make(map[string]bool, len(cfg.AllowedOrigins))}
	for _, raw := range cfg.AllowedOrigins {
		if strings.TrimSpace(raw) == "*" {
			policy.anyOrigin = true
			continue
		}
		origin, err := normalizeOrigin(raw)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("cors origin %q: %w", raw, err)
		}
		if origin != "" {
			policy.origins[origin] = true
		}
	}
	return policy, nil
}

// normalizeOrigin lowercases scheme and host and drops any path.
func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

func (p corsPolicy) permits(r *http.Request, origin string) bool {
	if p.anyOrigin {
		return true
	}
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return false
	}
	if p.origins[normalized] {
		return true
	}
	return normalized == selfOrigin(r)
}

// selfOrigin is the origin a browser would send for a page served by this
// host over the same scheme.
func selfOrigin(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	if r.TLS != nil {
		return "https://" + host
	}
	return "http://" + host
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Add("Vary", "Origin")
		if !policy.permits(r, origin) {
			loggerWithRequestContext(r.Context(), logger).Warn("blocked cross-origin request", "origin", origin, "path", r.URL.Path)
			writeMiddlewareError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)

		requestedMethod := r.Header.Get("Access-Control-Request-Method")
		if r.Method != http.MethodOptions || requestedMethod == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !containsFold(corsMethods, requestedMethod) {
			writeMiddlewareError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.Add("Vary", "Access-Control-Request-Method")
		h.Add("Vary", "Access-Control-Request-Headers")
		h.Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ", "))
		h.Set("Access-Control-Allow-Headers", strings.Join(allowedRequestHeaders(r.Header.Get("Access-Control-Request-Headers")), ", "))
		h.Set("Access-Control-Max-Age", corsMaxAge)
		w.WriteHeader(http.StatusNoContent)
	})
}

// allowedRequestHeaders keeps the requested headers the API accepts, or the
// full list when none were named.
func allowedRequestHeaders(requested string) []string {
	if strings.TrimSpace(requested) == "" {
		return corsHeaders
	}
	var out []string
	for _, name := range strings.Split(requested, ",") {
		name = http.CanonicalHeaderKey(strings.TrimSpace(name))
		if name != "" && containsFold(corsHeaders, name) {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return corsHeaders
	}
	return out
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
