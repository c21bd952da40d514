// Package server wires the middleware chain around the route mux and runs
// the HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"streamrelay/pkg/config"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/middleware"
)

// Server is the HTTP front of the proxy.
type Server struct {
	cfg        *config.Config
	log        *logging.Logger
	router     *http.ServeMux
	httpServer *http.Server
}

// New creates a server with an empty route mux.
func New(cfg *config.Config, log *logging.Logger) *Server {
	return &Server{
		cfg:    cfg,
		log:    log.WithComponent("server"),
		router: http.NewServeMux(),
	}
}

// Router returns the mux handlers register themselves on.
func (s *Server) Router() *http.ServeMux {
	return s.router
}

// Start runs the listener until the context is cancelled or the listener
// fails. Shutdown drains in-flight requests for up to 30 seconds.
func (s *Server) Start(ctx context.Context) error {
	handler := middleware.Chain(
		s.router,
		middleware.Recovery(s.log),
		middleware.Logging(s.log),
		middleware.CORS,
		middleware.Auth(s.cfg, s.log),
		middleware.RequestID,
	)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "port", s.cfg.Port, "base_url", s.cfg.BaseURL)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// Shutdown stops the listener without waiting for the run context.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
