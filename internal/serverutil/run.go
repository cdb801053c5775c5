// Package serverutil runs an http.Server until its context ends, then drains
// in-flight requests within a bounded grace period.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultShutdownTimeout bounds the drain when Config.ShutdownTimeout is unset.
const DefaultShutdownTimeout = 10 * time.Second

// TLSConfig names the PEM files served when both are set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Config describes one server run.
//
// Ready, when set, receives the bound address once the listener is open; the
// send never blocks. Cleanup functions run after the server has drained, in
// order, sharing the remaining shutdown budget.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Ready           chan<- string
	Cleanup         []func(context.Context) error
	Logger          *slog.Logger
}

// Run serves cfg.Server until ctx is cancelled or the server fails.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg.Server, cfg.TLS)
	if err != nil {
		return err
	}
	addr := ln.Addr().String()
	logger.Info("http server listening", "addr", addr, "tls", cfg.TLS.enabled())
	if cfg.Ready != nil {
		select {
		case cfg.Ready <- addr:
		default:
		}
	}

	served := make(chan error, 1)
	go func() {
		served <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return errors.Join(err, runCleanup(context.Background(), cfg.Cleanup))
	case <-ctx.Done():
	}

	logger.Info("http server draining", "timeout", timeout.String())
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(drainCtx)
	if shutdownErr != nil {
		// Stragglers past the deadline are cut off.
		_ = cfg.Server.Close()
	}
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	cleanupErr := runCleanup(drainCtx, cfg.Cleanup)
	if shutdownErr == nil && cleanupErr == nil {
		logger.Info("http server stopped")
	}
	return errors.Join(shutdownErr, cleanupErr)
}

func listen(server *http.Server, certs TLSConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", server.Addr, err)
	}
	if !certs.enabled() {
		return ln, nil
	}
	pair, err := tls.LoadX509KeyPair(certs.CertFile, certs.KeyFile)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if server.TLSConfig != nil {
		tlsCfg = server.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{pair}, tlsCfg.Certificates...)
	server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func runCleanup(ctx context.Context, steps []func(context.Context) error) error {
	var errs []error
	for _, step := range steps {
		if step == nil {
			continue
		}
		if err := step(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
