// Package server exposes the conversation endpoint: a WebSocket upgrade per
// conversation, backed by the per-conversation actor registry. Distinct
// conversations are fully concurrent; each socket speaks the line-coded
// frame and control envelope protocol.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config assembles the server.
type Config struct {
	// Factory builds the per-conversation actor; required.
	Factory SessionFactory

	// Pool, when set, backs the readiness probe.
	Pool *pgxpool.Pool

	// DefaultModel is used when the client handshake omits ?model=.
	DefaultModel string

	Logger *slog.Logger
}

// Server routes health probes and the conversation WebSocket endpoint.
type Server struct {
	mux *http.ServeMux
	hub *Hub
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Factory == nil {
		return nil, errors.New("session factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	hub := NewHub(cfg.Factory, logger)
	wsh := &wsHandler{
		hub:          hub,
		logger:       logger.With("component", "server"),
		defaultModel: cfg.DefaultModel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health)
	mux.Handle("GET /ready", readiness(cfg.Pool))
	mux.HandleFunc("GET /agents/chat/{conversationID}", wsh.serve)

	return &Server{mux: mux, hub: hub}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Shutdown stops all conversation actors.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.hub.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// health is the liveness probe.
func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readiness reports whether the store is reachable. Without a pool (the
// ephemeral in-memory store) readiness equals liveness.
func readiness(pool *pgxpool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "degraded",
					"error":  "database unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
}
