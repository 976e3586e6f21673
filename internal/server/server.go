// Package server implements the HTTP API front-end. It persists every
// mutation to the store; the scheduler and workers pick them up from there.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"firestige.xyz/ferry/internal/config"
	"firestige.xyz/ferry/internal/metrics"
	"firestige.xyz/ferry/internal/store"
)

// Server is the API HTTP server.
type Server struct {
	cfg     *config.Config
	tasks   store.TaskStore
	devices store.DeviceStore
	server  *http.Server
}

// New creates an API server backed by the given stores.
func New(cfg *config.Config, tasks store.TaskStore, devices store.DeviceStore) *Server {
	return &Server{cfg: cfg, tasks: tasks, devices: devices}
}

// Handler builds the route table. Exposed for httptest-based tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /device/list", s.counted("device_list", s.handleDeviceList))
	mux.HandleFunc("POST /task/create", s.counted("task_create", s.handleTaskCreate))
	mux.HandleFunc("POST /task/upload/{id}", s.counted("task_upload", s.handleTaskUpload))
	mux.HandleFunc("GET /task/download/{id}", s.counted("task_download", s.handleTaskDownload))
	mux.HandleFunc("GET /task/query/{id}", s.counted("task_query", s.handleTaskQuery))
	mux.HandleFunc("GET /task/log/{id}/{stream}", s.counted("task_log", s.handleTaskLog))
	mux.HandleFunc("GET /task/list", s.counted("task_list", s.handleTaskList))
	mux.HandleFunc("DELETE /task/kill/{id}", s.counted("task_kill", s.handleTaskKill))
	return allowCORS(mux)
}

// Start starts the API server without blocking.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.cfg.Server.Addr(),
		Handler: s.Handler(),
		// Header-only read timeout: a full-body ReadTimeout would cut off
		// input archive uploads, which run as long as the archive is large.
		// No write timeout either: log streaming holds a response open for
		// the task's whole lifetime.
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("starting api server", "addr", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}

	slog.Info("api server stopped")
	return nil
}

// counted wraps a handler with the per-route request counter.
func (s *Server) counted(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	}
}

// statusRecorder captures the response code for metrics. Flush is forwarded
// so log streaming keeps working through the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// allowCORS is a permissive CORS layer: the API is unauthenticated and meant
// for local tooling and dashboards.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
