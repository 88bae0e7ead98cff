// Package admin exposes fleetsync's operator-facing HTTP surface: health
// and readiness probes, Prometheus metrics, and read-only JSON views of
// the pending-agent map and the authoritative group index.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/fleetsync/pkg/bundle"
	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/pending"
)

// Server is the admin HTTP surface.
type Server struct {
	pending *pending.State
	index   *bundle.Index
	router  chi.Router
}

// New builds a Server wired to the running Pending State and Index. It
// registers /health, /ready, /live, /metrics, /agents, and /groups.
func New(p *pending.State, index *bundle.Index) *Server {
	s := &Server{pending: p, index: index}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())
	r.Get("/agents", s.handleAgents)
	r.Get("/groups", s.handleGroups)
	s.router = r

	return s
}

// ServeHTTP lets Server satisfy http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the admin HTTP surface on addr until the process exits or
// ListenAndServe returns an error.
func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.pending.Snapshot())
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.index.Snapshot())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
