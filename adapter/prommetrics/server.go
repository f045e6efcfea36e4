package prommetrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trickstertwo/xstream"
)

// Server provides HTTP endpoints for health monitoring and scraping.
type Server struct {
	checker xstream.HealthChecker
	server  *http.Server
}

// NewServer serves /health, /health/detailed and /metrics on addr. A nil
// gatherer selects prometheus.DefaultGatherer.
func NewServer(addr string, checker xstream.HealthChecker, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	s := &Server{
		checker: checker,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s
}

// Handler returns the HTTP handler, for mounting on an existing server.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start blocks serving until Stop.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Health(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if report.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": report.Status})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
