package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"liveroom-gateway/internal/api"
	"liveroom-gateway/internal/observability/logging"
	"liveroom-gateway/internal/observability/metrics"
	"liveroom-gateway/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	// TrustForwardedFor keys rate limits and audit lines on X-Forwarded-For.
	// Enable it only behind a proxy that overwrites the header.
	TrustForwardedFor bool
	Authenticator     Authenticator
	Logger            *slog.Logger
	AuditLogger       *slog.Logger
	Metrics           *metrics.Recorder
	Clock             clockwork.Clock
	ShutdownTimeout   time.Duration
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	rateLimiter     *rateLimiter
	tls             TLSConfig
	shutdownTimeout time.Duration
}

// New assembles the gateway's HTTP server around handler.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit, cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("configure rate limiter: %w", err)
	}
	if handler.RateLimiter == nil && rl.distributed() {
		handler.RateLimiter = rl
	}
	resolver := clientIPResolver{trustForwarded: cfg.TrustForwardedFor}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", recorder.Handler())

	var chain http.Handler = mux
	chain = authMiddleware(cfg.Authenticator, logger, chain)
	chain = rateLimitMiddleware(rl, resolver, recorder, logger, chain)
	chain = corsMiddleware(policy, logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = auditMiddleware(cfg.AuditLogger, resolver, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			if !cfg.TrustForwardedFor {
				return nil
			}
			return []any{"client_ip", resolver.clientIP(r)}
		},
	})(chain)
	chain = requestIDMiddleware(logger, chain)
	chain = recoverMiddleware(logger, chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:      httpServer,
		logger:          logger,
		rateLimiter:     rl,
		shutdownTimeout: cfg.ShutdownTimeout,
		tls: TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// releases the rate limiter's Redis connection.
func (s *Server) Run(ctx context.Context, ready chan<- string) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tls.CertFile, KeyFile: s.tls.KeyFile},
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
		Logger:          s.logger,
		Cleanup: []func(context.Context) error{
			func(context.Context) error {
				if err := s.rateLimiter.Close(); err != nil {
					return fmt.Errorf("close rate limiter: %w", err)
				}
				return nil
			},
		},
	})
}
