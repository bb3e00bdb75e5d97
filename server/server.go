package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liveide/auth"
	"liveide/logging"
	"liveide/monitor"
	"liveide/relay"
	"liveide/storage"
)

// Server serves the relay endpoint and the JSON API
type Server struct {
	host       string
	port       string
	store      *storage.Store
	tracker    *relay.Tracker
	gateway    *relay.Gateway
	engine     *monitor.Engine
	analyzer   *monitor.Analyzer
	verifier   auth.Verifier
	httpServer *http.Server
}

// NewServer wires the HTTP routes over the given components
func NewServer(host, port string, store *storage.Store, tracker *relay.Tracker, gateway *relay.Gateway, engine *monitor.Engine, analyzer *monitor.Analyzer, verifier auth.Verifier) *Server {
	s := &Server{
		host:     host,
		port:     port,
		store:    store,
		tracker:  tracker,
		gateway:  gateway,
		engine:   engine,
		analyzer: analyzer,
		verifier: verifier,
	}

	mux := http.NewServeMux()

	// Relay endpoint authenticates through its own query parameters
	mux.HandleFunc("GET /ws", gateway.Handle)

	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/monitor", s.requireAuth(s.handleMonitor))
	mux.HandleFunc("GET /api/monitor/history", s.requireAuth(s.handleMonitorHistory))

	mux.HandleFunc("GET /api/admin/overview", s.requireAuth(s.requireAdmin(s.handleAdminOverview)))
	mux.HandleFunc("GET /api/admin/alerts", s.requireAuth(s.requireAdmin(s.handleAdminAlerts)))
	mux.HandleFunc("GET /api/admin/connections", s.requireAuth(s.requireAdmin(s.handleAdminConnections)))
	mux.HandleFunc("GET /api/admin/users", s.requireAuth(s.requireAdmin(s.handleAdminUsers)))
	mux.HandleFunc("PATCH /api/admin/users/{id}/ban", s.requireAuth(s.requireAdmin(s.handleBanUser)))
	mux.HandleFunc("DELETE /api/admin/users/{id}", s.requireAuth(s.requireAdmin(s.handleDeleteUser)))
	mux.HandleFunc("GET /api/admin/logs", s.requireAuth(s.requireAdmin(s.handleAdminLogs)))
	mux.HandleFunc("GET /api/admin/sessions", s.requireAuth(s.requireAdmin(s.handleAdminSessions)))

	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleDeleteSession))
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.requireAuth(s.handleSessionMessages))

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(host, port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the route table, used by tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown
func (s *Server) Start() error {
	// Handle graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	logging.Logger.Info("Starting HTTP server", "address", s.httpServer.Addr)
	fmt.Printf("liveide listening on %s\n", s.httpServer.Addr)

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// Wait for shutdown signal or listen failure
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-done:
	}
	logging.Logger.Info("Shutting down HTTP server")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	logging.Logger.Info("HTTP server stopped")
	return nil
}
