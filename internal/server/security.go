package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultPermissionsPolicy     = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions    = "nosniff"
	defaultStrictTransport       = "max-age=31536000; includeSubDomains"
)

// SecurityConfig overrides the hardening headers attached to every response.
// The gateway only serves JSON, so the default policy forbids loading any
// resource. StrictTransportSecurity is only sent on TLS connections.
type SecurityConfig struct {
	ContentSecurityPolicy   string
	FrameOptions            string
	ReferrerPolicy          string
	PermissionsPolicy       string
	ContentTypeOptions      string
	StrictTransportSecurity string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.PermissionsPolicy == "" {
		cfg.PermissionsPolicy = defaultPermissionsPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	if cfg.StrictTransportSecurity == "" {
		cfg.StrictTransportSecurity = defaultStrictTransport
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		h.Set("X-Frame-Options", effective.FrameOptions)
		h.Set("X-Content-Type-Options", effective.ContentTypeOptions)
		h.Set("Referrer-Policy", effective.ReferrerPolicy)
		h.Set("Permissions-Policy", effective.PermissionsPolicy)
		h.Set("Cache-Control", "no-store")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", effective.StrictTransportSecurity)
		}
		next.ServeHTTP(w, r)
	})
}
