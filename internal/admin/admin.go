// Package admin exposes the operational HTTP surface: health, runtime stats,
// and Prometheus metrics. It never handles mail.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mailpipe/mailpipe/internal/metrics"
	"github.com/mailpipe/mailpipe/internal/smtp"
)

// StatsSource provides the runtime counters served on /stats.
type StatsSource interface {
	Stats() smtp.StatsSnapshot
	ActiveConnections() int64
}

// MessageCounter reports how many messages the store holds. Optional; nil
// when the server runs without a database sink.
type MessageCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the admin server on the given listen address.
func NewServer(addr string, stats StatsSource, store MessageCounter, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		MaxAge:         300,
	}))

	r.Get("/healthz", handleHealth)
	r.Get("/stats", handleStats(stats, store))
	r.Handle("/metrics", metrics.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Stop is called. It blocks, so callers run it in a
// goroutine.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the admin server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsResponse is the /stats payload. StoredMessages is omitted when no
// database sink is configured.
type statsResponse struct {
	smtp.StatsSnapshot
	ActiveConnections int64  `json:"active_connections"`
	StoredMessages    *int64 `json:"stored_messages,omitempty"`
}

func handleStats(stats StatsSource, store MessageCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{
			StatsSnapshot:     stats.Stats(),
			ActiveConnections: stats.ActiveConnections(),
		}
		if store != nil {
			if n, err := store.Count(r.Context()); err == nil {
				resp.StoredMessages = &n
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
