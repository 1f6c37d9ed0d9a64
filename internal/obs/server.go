// Package obs exposes the HTTP observability surfaces: Prometheus metrics
// and the health verdict.
package obs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindfabric/eventcore/internal/core"
	"github.com/mindfabric/eventcore/internal/jsoncodec"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
)

// Server hosts HTTP handlers grouped by port. Ports share a mux, so metrics
// and health can live on one port or two depending on config.
type Server struct {
	logger loggingpkg.ServiceLogger

	mu      sync.Mutex
	muxes   map[int]*http.ServeMux
	servers []*http.Server
	started bool
}

// NewServer creates an empty observability server.
func NewServer(logger loggingpkg.ServiceLogger) *Server {
	return &Server{
		logger: logger,
		muxes:  make(map[int]*http.ServeMux),
	}
}

// Handle registers a handler for pattern on the given port. Must be called
// before Start.
func (s *Server) Handle(port int, pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mux, ok := s.muxes[port]
	if !ok {
		mux = http.NewServeMux()
		s.muxes[port] = mux
	}
	mux.Handle(pattern, handler)
}

// HandleMetrics registers the Prometheus scrape endpoint on port.
func (s *Server) HandleMetrics(port int, gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.Handle(port, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// HandleHealth registers the health endpoint on port.
func (s *Server) HandleHealth(port int, check func() core.Health) {
	s.Handle(port, "/healthz", HealthHandler(check))
}

// Start launches one HTTP server per registered port. Listen failures are
// logged, not returned: a broken scrape endpoint must not take down the
// consumer.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	for port, mux := range s.muxes {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.servers = append(s.servers, srv)

		s.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

// Shutdown gracefully stops every server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}

// HealthHandler serves the health verdict as JSON. Unhealthy responds 503 so
// orchestrator probes restart the process; degraded stays 200, it is a signal
// for operators, not the scheduler.
func HealthHandler(check func() core.Health) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := check()

		status := http.StatusOK
		if health.Status == core.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}

		body, err := jsoncodec.Marshal(health)
		if err != nil {
			http.Error(w, "encode health", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
	})
}
