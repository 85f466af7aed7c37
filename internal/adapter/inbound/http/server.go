// Package http provides the observability sidecar server. The MCP stream
// itself runs over stdio; this server only exposes /health and /metrics
// for operators, bound to localhost by default.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ObservabilityServer serves health and Prometheus metrics endpoints.
type ObservabilityServer struct {
	server        *http.Server
	addr          string
	registry      *prometheus.Registry
	healthChecker *HealthChecker
	logger        *slog.Logger
}

// Option is a functional option for configuring ObservabilityServer.
type Option func(*ObservabilityServer)

// WithAddr sets the listen address. Default is "127.0.0.1:9090".
func WithAddr(addr string) Option {
	return func(s *ObservabilityServer) {
		s.addr = addr
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *ObservabilityServer) {
		s.logger = logger
	}
}

// WithHealthChecker sets the health checker behind /health.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *ObservabilityServer) {
		s.healthChecker = hc
	}
}

// NewObservabilityServer creates a server exposing the given registry at
// /metrics. Go runtime and process collectors are registered on it.
func NewObservabilityServer(registry *prometheus.Registry, opts ...Option) *ObservabilityServer {
	s := &ObservabilityServer{
		addr:     "127.0.0.1:9090",
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Start begins serving and blocks until the context is cancelled or the
// listener fails.
func (s *ObservabilityServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.Handle("/health", s.healthChecker.Handler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("observability server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-errCh:
		return err
	}
}

// Close shuts the server down gracefully.
func (s *ObservabilityServer) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
