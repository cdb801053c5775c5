// Package upstream proxies live-session token requests to the external token
// service. The gateway authenticates the caller and forwards only the verified
// profile ID; the token service never sees the user's session.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"liveroom-gateway/internal/api"
	"liveroom-gateway/internal/auth"
	"liveroom-gateway/internal/observability/logging"
	"liveroom-gateway/internal/observability/metrics"
)

// ProfileHeader carries the verified caller to the token service.
const ProfileHeader = "X-Profile-Id"

const (
	defaultTimeout          = 10 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
)

var errUpstreamStatus = errors.New("token service returned a server error")

// Config configures the token proxy. An empty URL yields a proxy that answers
// 503 for every request.
type Config struct {
	URL              string
	ServiceToken     string
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Transport        http.RoundTripper
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
}

// TokenProxy is an http.Handler forwarding authenticated requests to the
// token service behind a circuit breaker.
type TokenProxy struct {
	target  *url.URL
	timeout time.Duration
	proxy   *httputil.ReverseProxy
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New builds a TokenProxy from cfg.
func New(cfg Config) (*TokenProxy, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	p := &TokenProxy{
		timeout: cfg.Timeout,
		logger:  logging.WithComponent(logger, "upstream"),
		metrics: recorder,
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}

	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return p, nil
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse token service url: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("token service url must be an absolute http(s) url")
	}
	p.target = target

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "token_service",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			recorder.SetBreakerState(name, to.String())
		},
	})

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	serviceToken := strings.TrimSpace(cfg.ServiceToken)
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.URL.Path = target.Path
			pr.Out.URL.RawPath = target.RawPath
			pr.Out.URL.RawQuery = target.RawQuery
			pr.Out.Host = ""
			pr.SetXForwarded()

			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del("Authorization")
			if serviceToken != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+serviceToken)
			}
			if user, ok := auth.UserFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(ProfileHeader, user.ID)
			}
			if requestID, ok := logging.RequestIDFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set("X-Request-Id", requestID)
			}
		},
		Transport:      &breakerTransport{next: transport, breaker: p.breaker},
		ModifyResponse: p.observeResponse,
		ErrorHandler:   p.handleError,
	}
	return p, nil
}

// Configured reports whether a token service URL was supplied.
func (p *TokenProxy) Configured() bool {
	return p != nil && p.target != nil
}

// State returns the breaker state; unconfigured proxies report closed.
func (p *TokenProxy) State() gobreaker.State {
	if p == nil || p.breaker == nil {
		return gobreaker.StateClosed
	}
	return p.breaker.State()
}

func (p *TokenProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.Configured() {
		p.metrics.ObserveUpstream("unconfigured")
		api.WriteError(w, http.StatusServiceUnavailable, fmt.Errorf("token service not configured"))
		return
	}
	if _, ok := auth.UserFromContext(r.Context()); !ok {
		api.WriteError(w, http.StatusUnauthorized, fmt.Errorf("Unauthorized"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()
	p.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (p *TokenProxy) observeResponse(resp *http.Response) error {
	if resp.StatusCode >= http.StatusInternalServerError {
		p.metrics.ObserveUpstream("error_status")
		return nil
	}
	p.metrics.ObserveUpstream("ok")
	return nil
}

func (p *TokenProxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.WithContext(r.Context(), p.logger)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.metrics.ObserveUpstream("breaker_open")
		api.WriteError(w, http.StatusServiceUnavailable, fmt.Errorf("token service unavailable"))
	case errors.Is(err, context.Canceled):
		p.metrics.ObserveUpstream("canceled")
	default:
		p.metrics.ObserveUpstream("transport_error")
		logger.Error("token proxy error", "error", err, "path", r.URL.Path)
		api.WriteError(w, http.StatusBadGateway, fmt.Errorf("token service unavailable"))
	}
}

// breakerTransport routes round trips through the circuit breaker. Server
// errors from the token service count as failures but are still relayed.
type breakerTransport struct {
	next    http.RoundTripper
	breaker *gobreaker.CircuitBreaker
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errUpstreamStatus
		}
		return resp, nil
	})
	resp, _ := result.(*http.Response)
	if errors.Is(err, errUpstreamStatus) && resp != nil {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
