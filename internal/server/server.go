// Package server exposes the migration service over HTTP and relays
// migration events to WebSocket clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/server/handler"
	"github.com/alanyoungcy/vaultshift/internal/server/middleware"
	"github.com/alanyoungcy/vaultshift/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow when a
	// RateLimiter is given.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Positions  *handler.PositionHandler
	Migrations *handler.MigrationHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Routes registers every endpoint on a new mux.
func Routes(handlers Handlers, wsHub *ws.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/positions/{id}/migrations", handlers.Positions.ListHistory)
	mux.HandleFunc("GET /api/positions/{id}/receipts", handlers.Positions.ListReceipts)

	mux.HandleFunc("POST /api/migrations/quote", handlers.Migrations.Quote)
	mux.HandleFunc("POST /api/migrations", handlers.Migrations.Execute)
	mux.HandleFunc("GET /api/migrations", handlers.Migrations.ListRecent)
	mux.HandleFunc("GET /api/migrations/{id}", handlers.Migrations.GetMigration)
	mux.HandleFunc("GET /api/migrations/{id}/receipt", handlers.Migrations.GetReceipt)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}
	return mux
}

// Public routes skip API key auth.
var publicRoutes = []string{"/api/health"}

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	maxHeaderBytes    = 64 << 10

	// ShutdownGrace bounds how long Run waits for in-flight requests.
	ShutdownGrace = 5 * time.Second
)

// NewServer builds the routed handler behind, outermost first: CORS, request
// logging, the per-client rate limit (only with a limiter and a positive
// limit) and API key auth.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	var h http.Handler = Routes(handlers, wsHub)
	h = middleware.Auth(cfg.APIKey, publicRoutes...)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
			Handler:           h,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		logger: logger,
	}
}

// Handler returns the wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx ends, then drains in-flight requests for up to grace.
// Request contexts derive from ctx, so long handlers see the cancellation.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errc := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "listening", slog.String("addr", s.httpServer.Addr))
		errc <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.logger.Info("stopped")
	return nil
}
