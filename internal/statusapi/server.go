// Package statusapi exposes a pool's operational surface over HTTP:
// GET /healthz and GET /metrics (spec §4.11). Grounded on the teacher's
// internal/api.Server — the same gorilla/mux-routed, explicitly
// started/stopped http.Server shape — trimmed down to the two routes a
// client library's single pool actually needs, with the tenant
// CRUD/pause/resume/dashboard surface dropped (see DESIGN.md).
package statusapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeelkantaria/gelclient/internal/pool"
	"github.com/jeelkantaria/gelclient/internal/query"
)

// Pool is the subset of *pool.Pool the status server depends on,
// narrowed to an interface so server_test.go can exercise it with a
// fake rather than a real network dial.
type Pool interface {
	Stats() pool.Stats
	Execute(ctx context.Context, req query.Request) ([]any, error)
}

// Server serves /healthz and /metrics for one pool. Never started
// implicitly — cmd/gelcli starts it behind a flag, matching the
// teacher's explicit apiServer.Start(...) call in main.go.
type Server struct {
	pool       Pool
	registry   *prometheus.Registry
	httpServer *http.Server

	// pingTimeout bounds the dial-if-idle health check below; overridden
	// in tests to keep them fast.
	pingTimeout time.Duration
}

// New builds a Server for pool, serving reg's metric families.
func New(p Pool, reg *prometheus.Registry) *Server {
	return &Server{pool: p, registry: reg, pingTimeout: 2 * time.Second}
}

// Start begins listening on addr (e.g. ":8080"). Non-blocking: the
// listener runs on its own goroutine, matching the teacher's
// fire-and-forget ListenAndServe pattern.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("statusapi: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthzHandler reports 200 when the pool already has a connection
// (active or idle) or can dial one within pingTimeout, 503 otherwise
// (spec §4.11).
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	if stats.Active+stats.Idle > 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.pingTimeout)
	defer cancel()
	if _, err := s.pool.Execute(ctx, query.Request{Command: "select 1", Cardinality: query.NoResult}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("statusapi: encoding response", "error", err)
	}
}

// Addr reports the address the server is bound to, for logging.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}
