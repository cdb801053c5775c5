package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"liveroom-gateway/internal/observability/logging"
	"liveroom-gateway/internal/observability/metrics"
)

// RateLimitConfig bounds request volume. GlobalRPS caps the whole gateway;
// WriteLimit caps state-changing requests per client IP within WriteWindow.
// When Redis.Addr is set the write budget is shared through Redis.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	WriteLimit  int
	WriteWindow time.Duration
	Redis       RedisConfig
}

// RedisConfig locates the Redis instance backing distributed write limits.
type RedisConfig struct {
	Addr     string
	Password string
	Timeout  time.Duration
	TLS      RedisTLSConfig
}

type writeStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

type rateLimiter struct {
	global      *rate.Limiter
	writeLimit  int
	writeWindow time.Duration
	store       writeStore
	clock       clockwork.Clock

	mu      sync.Mutex
	buckets map[string]*ipLimiter
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig, clock clockwork.Clock) (*rateLimiter, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rl := &rateLimiter{
		writeLimit:  cfg.WriteLimit,
		writeWindow: cfg.WriteWindow,
		clock:       clock,
		buckets:     make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.GlobalRPS))
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.writeLimit < 0 {
		rl.writeLimit = 0
	}
	if rl.writeWindow <= 0 {
		rl.writeWindow = time.Minute
	}
	if cfg.Redis.Addr != "" && rl.writeLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Timeout:  cfg.Redis.Timeout,
			TLS:      cfg.Redis.TLS,
		})
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

// AllowRequest consumes a token from the global bucket.
func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.AllowN(r.clock.Now(), 1)
}

// AllowWrite applies the per-IP write budget to key.
func (r *rateLimiter) AllowWrite(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.writeLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("liveroom:writes:%s", key), r.writeLimit, r.writeWindow)
	}

	now := r.clock.Now()
	r.mu.Lock()
	bucket, exists := r.buckets[key]
	if !exists {
		every := r.writeWindow / time.Duration(r.writeLimit)
		bucket = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), r.writeLimit)}
		r.buckets[key] = bucket
	}
	bucket.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, r.writeWindow, nil
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0, nil
	}
	reservation.CancelAt(now)
	return false, delay, nil
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * r.writeWindow)
	for key, bucket := range r.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

// Ping reports the health of the distributed store, if any.
func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *rateLimiter) distributed() bool {
	return r != nil && r.store != nil
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func rateLimitMiddleware(rl *rateLimiter, resolver clientIPResolver, recorder *metrics.Recorder, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger = logging.WithComponent(logger, "ratelimit")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			recorder.ObserveRateLimited("global")
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if isWrite(r.Method) {
			ip := resolver.clientIP(r)
			allowed, retryAfter, err := rl.AllowWrite(r.Context(), ip)
			if err != nil {
				loggerWithRequestContext(r.Context(), logger).Error("rate limiter failure", "error", err, "remote_ip", ip)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
				return
			}
			if !allowed {
				recorder.ObserveRateLimited("write")
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
