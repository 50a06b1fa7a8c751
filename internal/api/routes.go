// Package api provides HTTP handlers and routing for the docflow service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Definition management
	api.HandleFunc("/definitions", s.handlers.ListDefinitions).Methods("GET")
	api.HandleFunc("/definitions/{id}", s.handlers.PutDefinition).Methods("PUT")
	api.HandleFunc("/definitions/{id}", s.handlers.GetDefinition).Methods("GET")
	api.HandleFunc("/definitions/{id}/preflight", s.handlers.CheckDefinition).Methods("POST")

	// Execution management
	api.HandleFunc("/executions", s.handlers.StartExecution).Methods("POST")
	api.HandleFunc("/executions", s.handlers.ListExecutions).Methods("GET")
	api.HandleFunc("/executions/{id}", s.handlers.GetExecution).Methods("GET")
	api.HandleFunc("/executions/{id}/steps", s.handlers.ListSteps).Methods("GET")
	api.HandleFunc("/executions/{id}/pause", s.handlers.GetPause).Methods("GET")
	api.HandleFunc("/executions/{id}/cancel", s.handlers.CancelExecution).Methods("POST")
	api.HandleFunc("/executions/{id}/signal", s.handlers.DeliverSignal).Methods("POST")
	api.HandleFunc("/executions/{id}/resume-review", s.handlers.ResumeAfterReview).Methods("POST")
	api.HandleFunc("/executions/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Ledger diagnostics
	api.HandleFunc("/ledger/info", s.handlers.LedgerInfo).Methods("GET")
	api.HandleFunc("/ledger/selfcheck", s.handlers.LedgerSelfCheck).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RateLimitMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
