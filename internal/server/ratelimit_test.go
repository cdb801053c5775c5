package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-gateway/internal/observability/metrics"
)

func TestGlobalLimiterRefillsWithClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	rl, err := newRateLimiter(RateLimitConfig{GlobalRPS: 2, GlobalBurst: 1}, clock)
	require.NoError(t, err)

	assert.True(t, rl.AllowRequest())
	assert.False(t, rl.AllowRequest())
	clock.Advance(500 * time.Millisecond)
	assert.True(t, rl.AllowRequest())
}

func TestWriteLimiterIsPerKey(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	rl, err := newRateLimiter(RateLimitConfig{WriteLimit: 1, WriteWindow: 10 * time.Second}, clock)
	require.NoError(t, err)
	ctx := context.Background()

	allowed, _, err := rl.AllowWrite(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, retry, err := rl.AllowWrite(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 10*time.Second, retry)

	allowed, _, _ = rl.AllowWrite(ctx, "203.0.113.2")
	assert.True(t, allowed, "other clients keep their own budget")

	clock.Advance(10 * time.Second)
	allowed, _, _ = rl.AllowWrite(ctx, "203.0.113.1")
	assert.True(t, allowed)
}

func TestWriteLimiterForgetsIdleClients(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	rl, err := newRateLimiter(RateLimitConfig{WriteLimit: 3, WriteWindow: time.Second}, clock)
	require.NoError(t, err)

	_, _, _ = rl.AllowWrite(context.Background(), "a")
	clock.Advance(5 * time.Second)
	_, _, _ = rl.AllowWrite(context.Background(), "b")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.buckets, "a")
	assert.Contains(t, rl.buckets, "b")
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{}, nil)
	require.NoError(t, err)
	assert.True(t, rl.AllowRequest())
	allowed, _, err := rl.AllowWrite(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.NoError(t, rl.Ping(context.Background()))
	assert.False(t, rl.distributed())
}

func TestRateLimitMiddlewareGlobalScope(t *testing.T) {
	recorder := metrics.New()
	rl, err := newRateLimiter(RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1}, clockwork.NewFakeClockAt(testNow))
	require.NoError(t, err)
	handler := rateLimitMiddleware(rl, clientIPResolver{}, recorder, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/live", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/live", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
}
