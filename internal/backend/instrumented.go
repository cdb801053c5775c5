package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"liveroom-gateway/internal/observability/logging"
	"liveroom-gateway/internal/observability/metrics"
)

type instrumentedClient struct {
	next     Client
	recorder *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Instrument records every round trip through next in recorder and logs
// failures other than database errors and missing rows at warn level.
func Instrument(next Client, recorder *metrics.Recorder, logger *slog.Logger) Client {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &instrumentedClient{next: next, recorder: recorder, logger: logger, now: time.Now}
}

func (c *instrumentedClient) Call(ctx context.Context, call Call, dest any) error {
	start := c.now()
	err := c.next.Call(ctx, call, dest)
	c.observe(ctx, "rpc", call.Function, start, err)
	return err
}

func (c *instrumentedClient) Select(ctx context.Context, q Query, dest any) error {
	start := c.now()
	err := c.next.Select(ctx, q, dest)
	c.observe(ctx, "select", q.Table, start, err)
	return err
}

func (c *instrumentedClient) Ping(ctx context.Context) error {
	start := c.now()
	err := c.next.Ping(ctx)
	c.observe(ctx, "ping", "ping", start, err)
	return err
}

func (c *instrumentedClient) Close(ctx context.Context) error {
	return c.next.Close(ctx)
}

func (c *instrumentedClient) Unwrap() Client {
	return c.next
}

func (c *instrumentedClient) observe(ctx context.Context, kind, name string, start time.Time, err error) {
	outcome := Outcome(err)
	c.recorder.ObserveBackendCall(kind, name, outcome, c.now().Sub(start))
	switch outcome {
	case "ok", "not_found", "db_error", "canceled":
		return
	}
	logging.WithContext(ctx, c.logger).Warn("backend call failed", "kind", kind, "name", name, "outcome", outcome, "error", err)
}

// Outcome classifies err into a short metrics label.
func Outcome(err error) string {
	var transportErr *TransportError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case IsDatabaseError(err):
		return "db_error"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &transportErr):
		return "transport_error"
	default:
		return "error"
	}
}
