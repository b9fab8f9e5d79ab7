package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiplinehq/tipline/service/metrics"
)

// Server represents the HTTP API for the tipline service.
type Server struct {
	addr    string
	store   TransactionLister
	prompts PromptHandler
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// PromptHandler executes a command on behalf of a user and returns the reply
// text. The pipeline handler implements this.
type PromptHandler interface {
	HandlePrompt(ctx context.Context, userID, username, prompt string) (string, error)
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, store TransactionLister, prompts PromptHandler, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		store:   store,
		prompts: prompts,
		metrics: m,
		logger:  logger,
	}
}

// Start starts the HTTP server. It blocks until the server is shut down.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/prompt", handlePrompt(s.prompts, s.logger))
	mux.Handle("GET /api/v1/transactions", handleListTransactions(s.store, s.logger))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	var handler http.Handler = mux
	if s.metrics != nil {
		handler = metrics.HTTPMetricsMiddleware(s.metrics, "api")(handler)
	}
	handler = corsMiddleware(handler)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
