// Package server exposes the agent over HTTP: offer placement and market
// views, the wallet, the residual load, Prometheus metrics and a websocket
// feed of agent events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/server/handler"
	"github.com/alanyoungcy/labtrader/internal/server/middleware"
	"github.com/alanyoungcy/labtrader/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	MetricsPath string

	// RateLimit bounds state-changing requests per client IP and window.
	// Zero disables the limit.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Residual and
// Clearing may be nil in monitor mode.
type Handlers struct {
	Health   *handler.HealthHandler
	Pool     *handler.PoolHandler
	Offers   *handler.OfferHandler
	Clearing *handler.ClearingHandler
	Residual *handler.ResidualHandler
	Metrics  http.Handler
}

// Server is the HTTP + WebSocket API of the agent.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// wsHub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newHandler(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

func newHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/pool", handlers.Pool.GetPool)

	mux.HandleFunc("GET /api/offers/open", handlers.Offers.ListOpen)
	mux.HandleFunc("GET /api/offers/committed", handlers.Offers.ListCommitted)
	mux.HandleFunc("POST /api/offers/{type}", handlers.Offers.PlaceOffer)
	mux.HandleFunc("POST /api/offers/{type}/commit", handlers.Offers.CommitOffer)

	if handlers.Clearing != nil {
		mux.HandleFunc("POST /api/offmarket", handlers.Clearing.ClearOffMarket)
		mux.HandleFunc("GET /api/clearing/fees", handlers.Clearing.ListFees)
		mux.HandleFunc("GET /api/clearing/account", handlers.Clearing.GetAccount)
		mux.HandleFunc("GET /api/clearing/history", handlers.Clearing.History)
	}
	if handlers.Residual != nil {
		mux.HandleFunc("GET /api/residual", handlers.Residual.GetResidual)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	public := []string{"/api/health"}
	if handlers.Metrics != nil && cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, handlers.Metrics)
		public = append(public, cfg.MetricsPath)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, public...)(h)
	h = middleware.Logging(logger, "/ws", cfg.MetricsPath)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
