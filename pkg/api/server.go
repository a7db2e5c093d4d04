package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/mimir-aip/wardstats/pkg/metadatastore"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/query"
	"github.com/mimir-aip/wardstats/pkg/render"
)

// Server provides the dashboard HTTP endpoints
type Server struct {
	query    *query.Service
	runs     metadatastore.RunStore
	outcomes []models.Outcome
	port     string
	router   *mux.Router
	handler  http.Handler
	server   *http.Server
	logger   *slog.Logger
}

// Options configures a Server
type Options struct {
	Port           string
	AllowedOrigins []string
	// Runs exposes the pipeline run history when set
	Runs metadatastore.RunStore
	// Outcomes are the artifact load outcomes reported by /ready
	Outcomes []models.Outcome
}

// NewServer creates a new API server
func NewServer(q *query.Service, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		query:    q,
		runs:     opts.Runs,
		outcomes: opts.Outcomes,
		port:     opts.Port,
		router:   mux.NewRouter(),
		logger:   logger,
	}
	s.registerRoutes()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Origin"},
		MaxAge:         86400,
	})
	s.router.Use(s.recoveryMiddleware, s.loggingMiddleware)
	s.handler = corsHandler.Handler(s.router)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.handler,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// registerRoutes sets up the HTTP routes
func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/months", s.handleMonths).Methods(http.MethodGet)
	api.HandleFunc("/incidents", s.handleIncidents).Methods(http.MethodGet)
	api.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/map", s.handleMap).Methods(http.MethodGet)
	api.HandleFunc("/map.png", s.handleMapImage).Methods(http.MethodGet)
	api.HandleFunc("/trend.png", s.handleTrendImage).Methods(http.MethodGet)
	api.HandleFunc("/top.png", s.handleTopImage).Methods(http.MethodGet)
	api.HandleFunc("/forecast", s.handleForecast).Methods(http.MethodGet)
	api.HandleFunc("/deprivation", s.handleDeprivation).Methods(http.MethodGet)
	api.HandleFunc("/census", s.handleCensus).Methods(http.MethodGet)
	api.HandleFunc("/export.xlsx", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet)
}

// Handler returns the root handler with middleware applied
func (s *Server) Handler() http.Handler { return s.handler }

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("starting dashboard server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports whether statistics are loaded, with the artifact outcomes
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if len(s.query.Months()) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not ready", "error": "no statistics loaded", "outcomes": s.outcomes,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready", "outcomes": s.outcomes})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps query errors onto HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, query.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound), errors.Is(err, render.ErrNoData):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error(), "code": status})
}
