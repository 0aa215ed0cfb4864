// Package httpapi exposes the ingestion control plane and semantic query
// layer over HTTP: submit/approve/cancel/stream for jobs, and
// search/details/related/connect for queries.
package httpapi

import (
	"net/http"

	"graphkeep/internal/jobs"
	"graphkeep/internal/queryengine"
)

// Server wires the job scheduler and query engine to the HTTP surface.
type Server struct {
	scheduler *jobs.Scheduler
	query     *queryengine.Engine
	mux       *http.ServeMux
}

// NewServer constructs the HTTP server over an already-started Scheduler
// and Engine.
func NewServer(scheduler *jobs.Scheduler, query *queryengine.Engine) *Server {
	s := &Server{scheduler: scheduler, query: query, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /ingest", s.handleIngest)
	s.mux.HandleFunc("POST /jobs/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /jobs/{id}/stream", s.handleStreamJob)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)

	s.mux.HandleFunc("POST /search", s.handleSearch)
	s.mux.HandleFunc("GET /concepts/{id}", s.handleConceptDetails)
	s.mux.HandleFunc("POST /related", s.handleRelated)
	s.mux.HandleFunc("POST /connect", s.handleConnect)
	s.mux.HandleFunc("POST /connect-by-search", s.handleConnectBySearch)
}
