// Command server starts the liveroom gateway HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sony/gobreaker"

	"liveroom-gateway/internal/api"
	"liveroom-gateway/internal/auth"
	"liveroom-gateway/internal/backend"
	"liveroom-gateway/internal/observability/logging"
	"liveroom-gateway/internal/observability/metrics"
	"liveroom-gateway/internal/server"
	"liveroom-gateway/internal/upstream"
)

const (
	driverPostgres = "postgres"
	driverREST     = "rest"

	modeDevelopment = "development"
	modeProduction  = "production"
)

type config struct {
	Mode      string
	Addr      string
	TLSCert   string
	TLSKey    string
	LogLevel  string
	LogFormat string

	BackendDriver         string
	BackendDriverExplicit bool
	PostgresDSN           string
	PostgresMaxConns      int
	PostgresMinConns      int
	PostgresMaxLifetime   time.Duration
	PostgresMaxIdle       time.Duration
	PostgresHealthCheck   time.Duration
	PostgresAppName       string
	SupabaseURL           string
	ServiceRoleKey        string
	BackendTimeout        time.Duration
	BreakerThreshold      int
	BreakerOpenTimeout    time.Duration

	JWTSecret   string
	JWTAudience string
	JWTLeeway   time.Duration
	OwnerIDs    []string

	CORSOrigins       []string
	TrustForwardedFor bool
	GlobalRPS         float64
	GlobalBurst       int
	WriteLimit        int
	WriteWindow       time.Duration
	RedisAddr         string
	RedisPassword     string
	RedisTimeout      time.Duration
	RedisTLSCA        string
	RedisTLSSkip      bool

	PresenceWindow  time.Duration
	TokenURL        string
	TokenKey        string
	TokenTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func main() {
	loadDotEnv(".env", ".env.local")

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics.Default()); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// loadDotEnv loads each file that exists without overriding variables
// already present in the environment.
func loadDotEnv(paths ...string) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: load %s: %v\n", path, err)
		}
	}
}

func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	addr := fs.String("addr", "", "HTTP listen address")
	mode := fs.String("mode", "", "server runtime mode (development or production)")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json, text, pretty)")
	backendDriver := fs.String("backend-driver", "", "backend driver (postgres or rest)")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxLifetime := fs.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxIdle := fs.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealth := fs.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAppName := fs.String("postgres-app-name", "", "application_name reported to Postgres")
	supabaseURL := fs.String("supabase-url", "", "Supabase project URL for the REST driver")
	serviceRoleKey := fs.String("supabase-service-role-key", "", "Supabase service role key")
	backendTimeout := fs.Duration("backend-timeout", 0, "timeout for a single backend call")
	breakerThreshold := fs.Int("backend-breaker-threshold", 0, "consecutive backend transport failures before the breaker opens")
	breakerOpen := fs.Duration("backend-breaker-open", 0, "how long the backend breaker stays open")
	jwtSecret := fs.String("jwt-secret", "", "Supabase JWT secret used to verify access tokens")
	jwtAudience := fs.String("jwt-audience", "", "expected aud claim on access tokens")
	jwtLeeway := fs.Duration("jwt-leeway", 0, "clock skew tolerated when validating tokens")
	ownerIDs := fs.String("owner-ids", "", "comma separated profile IDs with platform owner rights")
	corsOrigins := fs.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	trustForwarded := fs.Bool("trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst allowance")
	writeLimit := fs.Int("rate-write-limit", 0, "maximum write requests per window for a single IP")
	writeWindow := fs.Duration("rate-write-window", 0, "window for counting write requests")
	redisAddr := fs.String("rate-redis-addr", "", "Redis address for distributed write limits")
	redisPassword := fs.String("rate-redis-password", "", "Redis password for distributed write limits")
	redisTimeout := fs.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	redisTLSCA := fs.String("rate-redis-tls-ca", "", "path to the Redis TLS CA certificate")
	redisTLSSkip := fs.Bool("rate-redis-tls-skip-verify", false, "skip Redis TLS verification")
	presenceWindow := fs.Duration("presence-window", 0, "how long a heartbeat keeps a viewer present")
	tokenURL := fs.String("token-service-url", "", "URL of the live session token service")
	tokenKey := fs.String("token-service-key", "", "bearer token presented to the token service")
	tokenTimeout := fs.Duration("token-service-timeout", 0, "timeout for token service requests")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "grace period for in-flight requests on shutdown")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg := config{
		Mode:      modeValue(*mode, os.Getenv("LIVEROOM_MODE")),
		TLSCert:   firstNonEmpty(*tlsCert, os.Getenv("LIVEROOM_TLS_CERT")),
		TLSKey:    firstNonEmpty(*tlsKey, os.Getenv("LIVEROOM_TLS_KEY")),
		LogLevel:  firstNonEmpty(*logLevel, os.Getenv("LIVEROOM_LOG_LEVEL"), "info"),
		LogFormat: firstNonEmpty(*logFormat, os.Getenv("LIVEROOM_LOG_FORMAT")),

		PostgresDSN:         firstNonEmpty(*postgresDSN, os.Getenv("LIVEROOM_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		PostgresMaxConns:    resolveInt(*postgresMaxConns, "LIVEROOM_POSTGRES_MAX_CONNS"),
		PostgresMinConns:    resolveInt(*postgresMinConns, "LIVEROOM_POSTGRES_MIN_CONNS"),
		PostgresMaxLifetime: resolveDuration(*postgresMaxLifetime, "LIVEROOM_POSTGRES_MAX_CONN_LIFETIME", 0),
		PostgresMaxIdle:     resolveDuration(*postgresMaxIdle, "LIVEROOM_POSTGRES_MAX_CONN_IDLE", 0),
		PostgresHealthCheck: resolveDuration(*postgresHealth, "LIVEROOM_POSTGRES_HEALTH_INTERVAL", 0),
		PostgresAppName:     firstNonEmpty(*postgresAppName, os.Getenv("LIVEROOM_POSTGRES_APP_NAME"), "liveroom-gateway"),
		SupabaseURL:         firstNonEmpty(*supabaseURL, os.Getenv("SUPABASE_URL")),
		ServiceRoleKey:      firstNonEmpty(*serviceRoleKey, os.Getenv("SUPABASE_SERVICE_ROLE_KEY")),
		BackendTimeout:      resolveDuration(*backendTimeout, "LIVEROOM_BACKEND_TIMEOUT", 10*time.Second),
		BreakerThreshold:    resolveInt(*breakerThreshold, "LIVEROOM_BACKEND_BREAKER_THRESHOLD"),
		BreakerOpenTimeout:  resolveDuration(*breakerOpen, "LIVEROOM_BACKEND_BREAKER_OPEN", 30*time.Second),

		JWTSecret:   firstNonEmpty(*jwtSecret, os.Getenv("LIVEROOM_JWT_SECRET"), os.Getenv("SUPABASE_JWT_SECRET")),
		JWTAudience: firstNonEmpty(*jwtAudience, os.Getenv("LIVEROOM_JWT_AUDIENCE")),
		JWTLeeway:   resolveDuration(*jwtLeeway, "LIVEROOM_JWT_LEEWAY", 0),
		OwnerIDs:    splitAndTrim(firstNonEmpty(*ownerIDs, os.Getenv("LIVEROOM_OWNER_IDS"))),

		CORSOrigins:       splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("LIVEROOM_CORS_ORIGINS"))),
		TrustForwardedFor: resolveBool(*trustForwarded, "LIVEROOM_TRUST_FORWARDED_HEADERS"),
		GlobalRPS:         resolveFloat(*globalRPS, "LIVEROOM_RATE_GLOBAL_RPS"),
		GlobalBurst:       resolveInt(*globalBurst, "LIVEROOM_RATE_GLOBAL_BURST"),
		WriteLimit:        resolveInt(*writeLimit, "LIVEROOM_RATE_WRITE_LIMIT"),
		WriteWindow:       resolveDuration(*writeWindow, "LIVEROOM_RATE_WRITE_WINDOW", time.Minute),
		RedisAddr:         firstNonEmpty(*redisAddr, os.Getenv("LIVEROOM_RATE_REDIS_ADDR")),
		RedisPassword:     firstNonEmpty(*redisPassword, os.Getenv("LIVEROOM_RATE_REDIS_PASSWORD")),
		RedisTimeout:      resolveDuration(*redisTimeout, "LIVEROOM_RATE_REDIS_TIMEOUT", 2*time.Second),
		RedisTLSCA:        firstNonEmpty(*redisTLSCA, os.Getenv("LIVEROOM_RATE_REDIS_TLS_CA")),
		RedisTLSSkip:      resolveBool(*redisTLSSkip, "LIVEROOM_RATE_REDIS_TLS_SKIP_VERIFY"),

		PresenceWindow:  resolveDuration(*presenceWindow, "LIVEROOM_PRESENCE_WINDOW", api.DefaultPresenceWindow),
		TokenURL:        firstNonEmpty(*tokenURL, os.Getenv("LIVEROOM_TOKEN_SERVICE_URL")),
		TokenKey:        firstNonEmpty(*tokenKey, os.Getenv("LIVEROOM_TOKEN_SERVICE_KEY")),
		TokenTimeout:    resolveDuration(*tokenTimeout, "LIVEROOM_TOKEN_SERVICE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "LIVEROOM_SHUTDOWN_TIMEOUT", 15*time.Second),
	}
	cfg.Addr = resolveListenAddr(*addr, cfg.Mode, os.Getenv("LIVEROOM_ADDR"))
	if cfg.Mode != modeDevelopment && cfg.Mode != modeProduction {
		return config{}, fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	driver, explicit, err := resolveBackendDriver(*backendDriver, os.Getenv("LIVEROOM_BACKEND_DRIVER"), cfg.PostgresDSN, cfg.SupabaseURL)
	if err != nil {
		return config{}, err
	}
	cfg.BackendDriver = driver
	cfg.BackendDriverExplicit = explicit

	if err := validateBackend(cfg); err != nil {
		return config{}, err
	}
	if cfg.Mode == modeProduction {
		if err := validateProduction(cfg); err != nil {
			return config{}, err
		}
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config, logger *slog.Logger, recorder *metrics.Recorder) error {
	client, err := openBackend(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("close backend", "error", err)
		}
	}()

	authz := auth.NewAuthorizer(client,
		auth.WithOwnerIDs(cfg.OwnerIDs),
		auth.WithDenialHook(recorder.ObserveAuthDenial),
	)
	handler := api.NewHandler(client, authz)
	handler.Logger = logger
	handler.PresenceWindow = cfg.PresenceWindow

	proxy, err := upstream.New(upstream.Config{
		URL:          cfg.TokenURL,
		ServiceToken: cfg.TokenKey,
		Timeout:      cfg.TokenTimeout,
		Logger:       logger,
		Metrics:      recorder,
	})
	if err != nil {
		return fmt.Errorf("configure token proxy: %w", err)
	}
	if proxy.Configured() {
		handler.TokenProxy = proxy
	} else {
		logger.Warn("token service not configured; /api/live/token will answer 503")
	}

	var authenticator server.Authenticator
	if cfg.JWTSecret != "" {
		verifier, err := auth.NewVerifier(cfg.JWTSecret, auth.WithAudience(cfg.JWTAudience), auth.WithLeeway(cfg.JWTLeeway))
		if err != nil {
			return fmt.Errorf("configure token verifier: %w", err)
		}
		authenticator = verifier
	} else {
		logger.Warn("no JWT secret configured; every request is anonymous")
	}

	srv, err := server.New(handler, server.Config{
		Addr: cfg.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   cfg.GlobalRPS,
			GlobalBurst: cfg.GlobalBurst,
			WriteLimit:  cfg.WriteLimit,
			WriteWindow: cfg.WriteWindow,
			Redis: server.RedisConfig{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				Timeout:  cfg.RedisTimeout,
				TLS:      server.RedisTLSConfig{CAFile: cfg.RedisTLSCA, InsecureSkipVerify: cfg.RedisTLSSkip},
			},
		},
		CORS:              server.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		TrustForwardedFor: cfg.TrustForwardedFor,
		Authenticator:     authenticator,
		Logger:            logger,
		AuditLogger:       logging.WithComponent(logger, "audit"),
		Metrics:           recorder,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}

	logger.Info("starting liveroom gateway",
		"mode", cfg.Mode,
		"addr", cfg.Addr,
		"backend", cfg.BackendDriver,
		"owners", len(cfg.OwnerIDs),
		"distributed_rate_limit", cfg.RedisAddr != "",
	)
	return srv.Run(ctx, nil)
}

func openBackend(ctx context.Context, cfg config, logger *slog.Logger, recorder *metrics.Recorder) (backend.Client, error) {
	var (
		raw backend.Client
		err error
	)
	switch cfg.BackendDriver {
	case driverPostgres:
		raw, err = backend.NewPostgres(ctx, cfg.PostgresDSN,
			backend.WithCallTimeout(cfg.BackendTimeout),
			backend.WithPostgresPoolLimits(int32(cfg.PostgresMaxConns), int32(cfg.PostgresMinConns)),
			backend.WithPostgresPoolDurations(cfg.PostgresMaxLifetime, cfg.PostgresMaxIdle, cfg.PostgresHealthCheck),
			backend.WithPostgresApplicationName(cfg.PostgresAppName),
		)
	case driverREST:
		raw, err = backend.NewREST(cfg.SupabaseURL,
			backend.WithServiceKey(cfg.ServiceRoleKey),
			backend.WithCallTimeout(cfg.BackendTimeout),
		)
	default:
		err = fmt.Errorf("unsupported backend driver %q", cfg.BackendDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.BackendDriver, err)
	}

	backendLogger := logging.WithComponent(logger, "backend")
	guarded := backend.WithBreaker(raw, backend.BreakerConfig{
		Name:             "backend",
		FailureThreshold: uint32(cfg.BreakerThreshold),
		OpenTimeout:      cfg.BreakerOpenTimeout,
		Logger:           backendLogger,
		OnStateChange: func(name string, _, to gobreaker.State) {
			recorder.SetBreakerState(name, to.String())
		},
	})
	recorder.SetBreakerState("backend", gobreaker.StateClosed.String())
	return backend.Instrument(guarded, recorder, backendLogger), nil
}

func resolveBackendDriver(flagValue, envValue, postgresDSN, supabaseURL string) (string, bool, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue))
	explicit := driver != ""
	if driver == "" {
		switch {
		case postgresDSN != "":
			driver = driverPostgres
		case supabaseURL != "":
			driver = driverREST
		default:
			return "", false, fmt.Errorf("no backend configured: set --backend-driver, LIVEROOM_POSTGRES_DSN/DATABASE_URL, or SUPABASE_URL")
		}
	}
	if driver != driverPostgres && driver != driverREST {
		return "", false, fmt.Errorf("unknown backend driver %q (want postgres or rest)", driver)
	}
	return driver, explicit, nil
}

func validateBackend(cfg config) error {
	switch cfg.BackendDriver {
	case driverPostgres:
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("postgres backend selected without a DSN")
		}
	case driverREST:
		if cfg.SupabaseURL == "" {
			return fmt.Errorf("rest backend selected without SUPABASE_URL")
		}
		parsed, err := url.Parse(cfg.SupabaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("SUPABASE_URL must be an absolute URL")
		}
		if cfg.ServiceRoleKey == "" {
			return fmt.Errorf("rest backend requires SUPABASE_SERVICE_ROLE_KEY")
		}
	}
	return nil
}

func validateProduction(cfg config) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("production mode requires SUPABASE_JWT_SECRET or LIVEROOM_JWT_SECRET")
	}
	if !cfg.BackendDriverExplicit {
		return fmt.Errorf("production mode requires an explicit backend driver (LIVEROOM_BACKEND_DRIVER)")
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return fmt.Errorf("both TLS cert and key must be provided")
	}
	return nil
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = modeDevelopment
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == modeProduction {
		return ":80"
	}
	return ":8080"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
