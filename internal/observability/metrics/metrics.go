package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "liveroom"

// Recorder owns a private Prometheus registry and the gateway's collectors:
// HTTP traffic, backend round trips, auth gate denials, rate limit rejections,
// token proxy outcomes and circuit breaker state.
type Recorder struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	authDenials     *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	upstream        *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// New constructs a Recorder with its own registry, including Go runtime and
// process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed by the API",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Backend RPCs and table reads by kind, name and outcome",
		}, []string{"kind", "name", "outcome"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Backend round trip latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"kind", "name"}),
		authDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_denials_total",
			Help:      "Requests rejected by an authorization gate",
		}, []string{"level"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"scope"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_proxy_requests_total",
			Help:      "Token service proxy requests by outcome",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"breaker"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.backendCalls,
		r.backendDuration,
		r.authDenials,
		r.rateLimited,
		r.upstream,
		r.breakerState,
	)
	return r
}

// Default returns a process-wide Recorder for callers that were not handed one.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = New()
	})
	return defaultRecorder
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records an HTTP request by method, normalized path and status.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.requests.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// ObserveBackendCall records a backend round trip. kind is "rpc", "select"
// or "ping".
func (r *Recorder) ObserveBackendCall(kind, name, outcome string, duration time.Duration) {
	k := normalizeName(kind)
	n := normalizeName(name)
	r.backendCalls.WithLabelValues(k, n, normalizeName(outcome)).Inc()
	r.backendDuration.WithLabelValues(k, n).Observe(duration.Seconds())
}

// ObserveAuthDenial counts a request rejected at the given gate level.
func (r *Recorder) ObserveAuthDenial(level string) {
	r.authDenials.WithLabelValues(normalizeName(level)).Inc()
}

// ObserveRateLimited counts a request rejected by the limiter scope.
func (r *Recorder) ObserveRateLimited(scope string) {
	r.rateLimited.WithLabelValues(normalizeName(scope)).Inc()
}

// ObserveUpstream counts a token proxy request by outcome.
func (r *Recorder) ObserveUpstream(outcome string) {
	r.upstream.WithLabelValues(normalizeName(outcome)).Inc()
}

// SetBreakerState publishes the state name of a circuit breaker.
func (r *Recorder) SetBreakerState(breaker, state string) {
	value := -1.0
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "closed":
		value = 0
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	r.breakerState.WithLabelValues(normalizeName(breaker)).Set(value)
}

func normalizeName(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// collections whose next path segment is a caller-supplied key.
var keyedCollections = map[string]bool{
	"rooms":        true,
	"profiles":     true,
	"applications": true,
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
		if i > 0 && keyedCollections[parts[i-1]] && part != "live" {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if _, err := uuid.Parse(segment); err == nil {
		return true
	}
	digits := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits == len(segment) || digits >= 3
}
