// Package server wires the registry façade to the OCI Distribution v2
// HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ocireg/internal/auth"
	"ocireg/internal/registry"
	"ocireg/pkg/config"
)

// Server is the HTTP front end of the registry.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	port       int
}

// New builds a Server from serverCfg and authCfg, wiring routes against
// reg and challenging unauthenticated requests per authCfg.
func New(serverCfg config.ServerConfig, authCfg config.AuthConfig, reg *registry.Registry, resolver auth.Resolver, logger *slog.Logger) *Server {
	challenge := auth.Challenge{
		Realm:   authCfg.Realm,
		Service: authCfg.ServiceName,
	}

	mux := http.NewServeMux()
	h := &handlers{reg: reg, resolver: resolver, challenge: challenge, logger: logger}
	h.setupRoutes(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", serverCfg.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(serverCfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(serverCfg.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(serverCfg.IdleTimeout) * time.Second,
	}

	return &Server{httpServer: httpServer, logger: logger, port: serverCfg.Port}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting registry server", "port", s.port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down registry server")
	return s.httpServer.Shutdown(ctx)
}

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }

// Handler returns the server's root http.Handler, for tests that want to
// drive the real route wiring through httptest.NewServer without binding
// a port via Start.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }
