// Package controlapi is the coordinator's HTTP control surface: job
// submission and inspection for the CLI, plus node registration and
// operational endpoints.
package controlapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the control API HTTP server.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// Options configures optional server behavior.
type Options struct {
	// APIToken guards mutating and read endpoints; empty disables auth.
	APIToken string

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	// RequestsPerSecond caps each client. Zero means unlimited.
	RequestsPerSecond float64
}

// New builds the server on addr.
func New(addr string, ctl Control, pinger Pinger, log *slog.Logger, opts Options) *Server {
	h := newHandlers(ctl, pinger, log)
	auth := authMiddleware(opts.APIToken)
	limit := rateLimitMiddleware(opts.RequestsPerSecond)

	protect := func(fn http.HandlerFunc) http.Handler {
		return limit(auth(fn))
	}

	mux := http.NewServeMux()

	mux.Handle("POST /jobs", protect(h.submitJob))
	mux.Handle("GET /jobs", protect(h.listJobs))
	mux.Handle("GET /jobs/{id}", protect(h.getJob))
	mux.Handle("DELETE /jobs/{id}", protect(h.cancelJob))
	mux.Handle("GET /jobs/{id}/events", protect(h.streamEvents))
	mux.Handle("GET /jobs/{id}/logs", protect(h.streamLogs))

	mux.Handle("POST /nodes", protect(h.registerNode))
	mux.Handle("GET /nodes", protect(h.listNodes))

	mux.HandleFunc("GET /healthz", h.healthz)
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
			// No write timeout: event and log streams are long-lived.
		},
		log: log,
	}
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.log.Info("control api listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("control api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
