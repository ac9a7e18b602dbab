// Package api serves the liveness state of the daemon over HTTP and lets
// operators re-issue liveness commands.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pobradovic08/isis-bfd/internal/daemon"
	"github.com/pobradovic08/isis-bfd/internal/liveness"
)

// Backend is the daemon as seen by the API.
type Backend interface {
	Snapshot(ctx context.Context) ([]daemon.AdjacencyStatus, error)
	Health(ctx context.Context) (daemon.Health, error)
	CircuitCommand(ctx context.Context, circuit string, cmd liveness.CommandKind) error
	AdjacencyCommand(ctx context.Context, circuit, systemID string, cmd liveness.CommandKind) error
}

// ServerDeps holds the dependencies injected into the API server.
type ServerDeps struct {
	Backend Backend
	// Limiter throttles command requests. Nil disables rate limiting.
	Limiter      *Limiter
	Logger       *slog.Logger
	ListenAddr   string
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// Server is the status API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer creates a new API server with the middleware stack.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{logger: logger, startedAt: time.Now()}

	h := &handlers{backend: deps.Backend, logger: logger, startedAt: s.startedAt}
	commands := func(next http.Handler) http.Handler {
		if deps.Limiter == nil {
			return next
		}
		return deps.Limiter.Middleware(next)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", h.getHealth)
	mux.HandleFunc("GET /api/v1/adjacencies", h.listAdjacencies)
	mux.Handle("POST /api/v1/circuits/{circuit}/liveness/{command}",
		commands(http.HandlerFunc(h.circuitCommand)))
	mux.Handle("POST /api/v1/circuits/{circuit}/adjacencies/{systemId}/liveness/{command}",
		commands(http.HandlerFunc(h.adjacencyCommand)))

	var handler http.Handler = mux
	handler = Recover(logger)(handler)
	handler = JSON(handler)
	handler = Logger(logger)(handler)

	s.httpServer = &http.Server{
		Addr:         deps.ListenAddr,
		Handler:      handler,
		WriteTimeout: deps.WriteTimeout,
		ReadTimeout:  deps.ReadTimeout,
	}
	return s
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
