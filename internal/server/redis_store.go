package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTLSConfig enables TLS towards the limiter's Redis instance.
type RedisTLSConfig struct {
	CAFile             string
	InsecureSkipVerify bool
}

func (c RedisTLSConfig) enabled() bool {
	return strings.TrimSpace(c.CAFile) != "" || c.InsecureSkipVerify
}

type redisStoreConfig struct {
	Addr     string
	Password string
	Timeout  time.Duration
	TLS      RedisTLSConfig
}

// redisStore counts writes per key in fixed windows so every gateway replica
// shares the same budget.
type redisStore struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisStore(cfg redisStoreConfig) (*redisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	var tlsConfig *tls.Config
	if cfg.TLS.enabled() {
		built, err := buildRedisTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		tlsConfig = built
	}
	client := redis.NewClient(&redis.Options{
		Addr:             addr,
		Password:         cfg.Password,
		TLSConfig:        tlsConfig,
		DialTimeout:      timeout,
		ReadTimeout:      timeout,
		WriteTimeout:     timeout,
		MaxRetries:       1,
		DisableIndentity: true,
	})
	return &redisStore{client: client, timeout: timeout}, nil
}

func buildRedisTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify}
	if path := strings.TrimSpace(cfg.CAFile); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read redis ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis ca file %s contains no certificates", path)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Allow increments key and reports whether it is still within limit for the
// current window. When over the limit it returns the window's remaining TTL.
// A counter found without a TTL gets one, so a lost EXPIRE cannot pin a key
// over the limit.
func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	window = windowSeconds(window)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	if ttl <= 0 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", key, err)
		}
		return false, window, nil
	}
	return false, ttl, nil
}

// windowSeconds rounds window down to whole seconds, the EXPIRE resolution.
func windowSeconds(window time.Duration) time.Duration {
	if window < time.Second {
		return time.Second
	}
	return window.Truncate(time.Second)
}

func (s *redisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
