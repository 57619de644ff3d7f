package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessTimeout = 5 * time.Second

// ReadinessFunc reports whether the transport can serve traffic.
type ReadinessFunc func(ctx context.Context) error

// Server exposes /metrics, /health and /ready for a running endpoint.
type Server struct {
	httpServer *http.Server
	ready      ReadinessFunc
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithReadiness installs the check served at /ready. Without it /ready
// behaves like /health.
func WithReadiness(fn ReadinessFunc) ServerOption {
	return func(s *Server) {
		s.ready = fn
	}
}

// NewServer creates a metrics HTTP server listening on addr (e.g., ":9090").
func NewServer(addr string, gatherer prometheus.Gatherer, opts ...ServerOption) *Server {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/ready", s.handleReady)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		writeStatus(w, http.StatusOK, "ok")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if err := s.ready(ctx); err != nil {
		writeStatus(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeStatus(w, http.StatusOK, "ok")
}

func writeStatus(w http.ResponseWriter, code int, body string) {
	w.WriteHeader(code)
	w.Write([]byte(body)) //nolint:errcheck // best-effort health response
}

// Start serves in the background. The returned channel yields an error if
// the listener fails and is closed once the server stops.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the server, waiting for active requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
