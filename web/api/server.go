// Package api is the administrative HTTP surface: queue statistics, run
// inspection, force-enqueue, stale-run reset, a websocket live tail of a
// run's events, and the Prometheus scrape endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/metrics"
	"github.com/issuepilot/issuepilot/internal/runstore"
)

// Store is the slice of the run store the server reads and writes
type Store interface {
	Stats() (*domain.QueueStats, error)
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
	GetRun(id string) (*domain.Run, error)
	ListEvents(runID string) ([]*domain.Event, error)
	Enqueue(issueKey string, priority domain.Priority, repoKey string, retry bool) (string, error)
	ResetStale(timeoutMinutes int) (int, error)
}

// Server is the admin HTTP server
type Server struct {
	store        Store
	metrics      *metrics.Metrics
	staleTimeout int
	mux          *http.ServeMux
	pollInterval time.Duration
}

// NewServer creates a Server. staleTimeout is the minute threshold used by
// the force reset-stale endpoint.
func NewServer(store Store, m *metrics.Metrics, staleTimeout int) *Server {
	s := &Server{
		store:        store,
		metrics:      m,
		staleTimeout: staleTimeout,
		mux:          http.NewServeMux(),
		pollInterval: time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/stats", s.statsHandler())
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/enqueue", s.enqueueHandler())
	s.mux.HandleFunc("/api/reset-stale", s.resetStaleHandler())
	if s.metrics != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
}

// Handler exposes the mux for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
