package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"liveroom-gateway/internal/backend"
)

const healthProbeTimeout = 3 * time.Second

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Breaker   string `json:"breaker,omitempty"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status   string            `json:"status"`
	Services []componentStatus `json:"services"`
}

type probe struct {
	name    string
	ping    func(context.Context) error
	breaker func() string
}

func (h *Handler) probes() []probe {
	var out []probe
	if h.Backend != nil {
		p := probe{name: "backend", ping: h.Backend.Ping}
		if _, ok := backend.State(h.Backend); ok {
			client := h.Backend
			p.breaker = func() string {
				state, _ := backend.State(client)
				return state.String()
			}
		}
		out = append(out, p)
	}
	if h.RateLimiter != nil {
		out = append(out, probe{name: "rate_limiter", ping: h.RateLimiter.Ping})
	}
	return out
}

// checkHealth pings every dependency concurrently. Results keep probe order.
func (h *Handler) checkHealth(ctx context.Context) healthResponse {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	probes := h.probes()
	services := make([]componentStatus, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			services[i] = componentStatus{Component: p.name, Status: statusOK}
			if err := p.ping(ctx); err != nil {
				services[i].Status = statusDegraded
				services[i].Error = err.Error()
			}
			if p.breaker != nil {
				services[i].Breaker = p.breaker()
			}
			return nil
		})
	}
	_ = g.Wait()

	resp := healthResponse{Status: statusOK, Services: services}
	for _, s := range services {
		if s.Status != statusOK {
			resp.Status = statusDegraded
		}
	}
	return resp
}

// Health reports the availability of the backend and rate limiter store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		WriteMethodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}
	resp := h.checkHealth(r.Context())
	code := http.StatusOK
	if resp.Status != statusOK {
		code = http.StatusServiceUnavailable
		h.requestLogger(r).Warn("health check degraded", "services", resp.Services)
	}
	WriteJSON(w, code, resp)
}
