// Package server wraps http.Server with context-driven graceful shutdown
// for processes that serve ops endpoints alongside other components.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aetheriq/flowcore/common/logger"
)

// Server wraps HTTP server with graceful shutdown
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
	name       string
}

// New creates a new server
func New(name string, port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log:  log,
		name: name,
	}
}

// Serve runs the server until ctx is canceled. Signal handling belongs to
// the owning process, which cancels ctx to drain outstanding requests.
func (s *Server) Serve(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	go func() {
		s.log.Info(fmt.Sprintf("%s starting", s.name), "addr", s.httpServer.Addr)
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return s.httpServer.Close()
		}
		s.log.Info(fmt.Sprintf("%s stopped", s.name))
		return nil
	}
}
