package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		name string
		path string
		want string
	}{
		{name: "root", path: "/", want: "/"},
		{name: "empty", path: "", want: "/"},
		{name: "static route", path: "/api/gifter-levels", want: "/api/gifter-levels"},
		{name: "uuid room", path: "/api/rooms/4f9d2c1e-8a7b-4c3d-9e2f-1a2b3c4d5e6f/presence", want: "/api/rooms/:id/presence"},
		{name: "username", path: "/api/profiles/alice", want: "/api/profiles/:id"},
		{name: "live rooms stays", path: "/api/rooms/live", want: "/api/rooms/live"},
		{name: "numeric", path: "/api/admin/applications/42/review", want: "/api/admin/applications/:id/review"},
		{name: "trailing slash", path: "/api/me/", want: "/api/me"},
		{name: "relative", path: "healthz", want: "/healthz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizePath(tc.path))
		})
	}
}

func TestObserveRequestLabels(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/rooms/live", http.StatusOK, 20*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/rooms/live", http.StatusOK, 30*time.Millisecond)
	recorder.ObserveRequest("post", "/api/gifts/send", http.StatusBadRequest, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/api/rooms/live", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.requests.WithLabelValues("POST", "/api/gifts/send", "400")))
}

func TestDomainCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveBackendCall("rpc", "send_gift", "ok", 10*time.Millisecond)
	recorder.ObserveBackendCall("RPC", "send_gift", "db_error", 10*time.Millisecond)
	recorder.ObserveAuthDenial("admin")
	recorder.ObserveRateLimited("")
	recorder.ObserveUpstream("ok")
	recorder.SetBreakerState("backend", "open")

	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.backendCalls.WithLabelValues("rpc", "send_gift", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.backendCalls.WithLabelValues("rpc", "send_gift", "db_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.authDenials.WithLabelValues("admin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.rateLimited.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.upstream.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.breakerState.WithLabelValues("backend")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/healthz", http.StatusOK, time.Millisecond)

	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `liveroom_http_requests_total{method="GET",path="/healthz",status="200"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
