// Package server exposes the tag store and the predictor as a REST API
// with the same routes and response shapes as the platform backend.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/predict"
	"github.com/accessatlas/accessatlas/tagstore"
)

// Config carries the server's dependencies. Predictor is optional; the
// predict endpoint answers 503 without one.
type Config struct {
	Addr      string
	Store     *tagstore.Store
	Predictor *predict.Predictor
	Logger    *zap.Logger
}

// Server serves tag storage and single-image prediction over HTTP.
type Server struct {
	store     *tagstore.Store
	predictor *predict.Predictor
	logger    *zap.Logger
	router    *mux.Router
	http      *http.Server
}

// New builds a server from cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		store:     cfg.Store,
		predictor: cfg.Predictor,
		logger:    logger,
	}
	s.router = s.setupRoutes()
	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.router,
	}
	return s
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api/tags").Subrouter()
	api.HandleFunc("/store", s.handleStoreTags).Methods("POST")
	api.HandleFunc("/location/{name}", s.handleLocationTags).Methods("GET")
	api.HandleFunc("/locations", s.handleLocations).Methods("GET")
	api.HandleFunc("/tag/{id}", s.handleDeleteTag).Methods("DELETE")
	api.HandleFunc("/statistics", s.handleStatistics).Methods("GET")

	r.HandleFunc("/api/predict", s.handlePredict).Methods("POST")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	return r
}

// Start runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("REST API listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down REST API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		// Graceful drain failed; drop the remaining connections.
		s.http.Close()
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// Close stops the server immediately.
func (s *Server) Close() error {
	return s.http.Close()
}

// loggingResponseWriter remembers the status code a handler wrote.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		s.logger.Info("Handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", lrw.statusCode),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
