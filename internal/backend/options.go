package backend

import (
	"net/http"
	"strings"
	"time"
)

const (
	defaultSchema      = "public"
	defaultCallTimeout = 10 * time.Second
)

// Config describes how a driver reaches the backend. Pool settings only apply
// to the Postgres driver; ServiceKey and HTTPClient only to the REST driver.
type Config struct {
	Schema              string
	CallTimeout         time.Duration
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ApplicationName     string
	ServiceKey          string
	HTTPClient          *http.Client
}

// Option configures a driver.
type Option func(*Config)

func newConfig(opts ...Option) Config {
	cfg := Config{
		Schema:      defaultSchema,
		CallTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if strings.TrimSpace(cfg.Schema) == "" {
		cfg.Schema = defaultSchema
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return cfg
}

// WithSchema selects the schema holding the RPCs and tables.
func WithSchema(schema string) Option {
	return func(cfg *Config) {
		cfg.Schema = strings.TrimSpace(schema)
	}
}

// WithCallTimeout bounds every backend round trip.
func WithCallTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		if timeout > 0 {
			cfg.CallTimeout = timeout
		}
	}
}

// WithPostgresPoolLimits sets the maximum and minimum pool sizes.
func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *Config) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns > 0 {
			cfg.MinConnections = minConns
		}
	}
}

// WithPostgresPoolDurations sets pooled connection lifetimes and the health
// check cadence.
func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *Config) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	}
}

// WithPostgresApplicationName reports name as application_name to Postgres.
func WithPostgresApplicationName(name string) Option {
	return func(cfg *Config) {
		cfg.ApplicationName = strings.TrimSpace(name)
	}
}

// WithServiceKey sets the key sent as apikey and bearer token by the REST
// driver.
func WithServiceKey(key string) Option {
	return func(cfg *Config) {
		cfg.ServiceKey = strings.TrimSpace(key)
	}
}

// WithHTTPClient overrides the REST driver's HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *Config) {
		cfg.HTTPClient = client
	}
}
