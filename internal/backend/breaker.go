package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker placed in front of a Client.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
	Logger           *slog.Logger
	OnStateChange    func(name string, from, to gobreaker.State)
}

type breakerClient struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker guards next with a circuit breaker. Only transport failures
// count towards tripping it; database errors, missing rows and cancelled
// requests are treated as healthy round trips. While the breaker is open every
// call fails fast with ErrUnavailable.
func WithBreaker(next Client, cfg BreakerConfig) Client {
	if cfg.Name == "" {
		cfg.Name = "backend"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	threshold := cfg.FailureThreshold
	logger := cfg.Logger
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: healthyOutcome,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	}
	return &breakerClient{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func healthyOutcome(err error) bool {
	if err == nil {
		return true
	}
	return IsDatabaseError(err) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled)
}

func (b *breakerClient) execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	return err
}

func (b *breakerClient) Call(ctx context.Context, call Call, dest any) error {
	return b.execute(func() error { return b.next.Call(ctx, call, dest) })
}

func (b *breakerClient) Select(ctx context.Context, q Query, dest any) error {
	return b.execute(func() error { return b.next.Select(ctx, q, dest) })
}

func (b *breakerClient) Ping(ctx context.Context) error {
	return b.execute(func() error { return b.next.Ping(ctx) })
}

func (b *breakerClient) Close(ctx context.Context) error {
	return b.next.Close(ctx)
}

// State reports the state of the first breaker found in c's wrapper chain.
func State(c Client) (gobreaker.State, bool) {
	for c != nil {
		if b, ok := c.(*breakerClient); ok {
			return b.cb.State(), true
		}
		w, ok := c.(interface{ Unwrap() Client })
		if !ok {
			break
		}
		c = w.Unwrap()
	}
	return gobreaker.StateClosed, false
}
