package obs

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Server exposes /health and /metrics on one listener, separate from the
// agent transports so scrapers and orchestrator probes never compete with
// RPC traffic for the same port.
type Server struct {
	httpServer *http.Server
	checker    *HealthChecker
	port       int
}

// NewServer builds a Server bound to port, backed by checker.
func NewServer(port int, checker *HealthChecker) *Server {
	return &Server{checker: checker, port: port}
}

// Start blocks serving /health and /metrics until the server is shut down.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.checker.HealthHandler())
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
