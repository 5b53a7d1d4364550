// Package api exposes the operational HTTP surface: health, readiness,
// Prometheus metrics, and a small debug endpoint reporting queue depth.
// It is off by default and enabled per process via ENABLE_METRICS /
// ENABLE_DEBUG.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/store"
)

// QueueInspector reports ready-message depth for a queue.
type QueueInspector interface {
	QueueDepth(queue string) (int, error)
}

// Server is the operational HTTP listener for one pipeline process.
type Server struct {
	process string
	db      *sql.DB
	queues  QueueInspector

	enableMetrics bool
	enableDebug   bool

	server *http.Server
	log    *logger.Logger
}

// NewServer creates the operational server. queues may be nil for
// processes without a broker connection.
func NewServer(process string, db *sql.DB, queues QueueInspector, enableMetrics, enableDebug bool) *Server {
	return &Server{
		process:       process,
		db:            db,
		queues:        queues,
		enableMetrics: enableMetrics,
		enableDebug:   enableDebug,
		log:           logger.With("api"),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	if s.enableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	if s.enableDebug {
		r.Get("/debug/queues", s.handleQueues)
	}

	return r
}

// Start runs the listener in the background.
func (s *Server) Start(port int) {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		s.log.Info("operational listener started", "port", port, "process", s.process)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("operational listener failed", "error", err)
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"process": s.process,
	})
}

// handleReady verifies the database is reachable. A failing readiness
// check tells the orchestrator to hold traffic, not to restart.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if s.queues == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no broker connection"})
		return
	}

	depths := map[string]interface{}{}
	for _, q := range []string{store.SequenceTopic, store.SequenceTopic + ".dlq"} {
		depth, err := s.queues.QueueDepth(q)
		if err != nil {
			depths[q] = err.Error()
			continue
		}
		depths[q] = depth
	}
	writeJSON(w, http.StatusOK, depths)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
