package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/server/handler"
	"github.com/alanyoungcy/pitchmarket/internal/server/middleware"
	"github.com/alanyoungcy/pitchmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, oracle and admin routes are open
	RequestsPerSec  int    // per client IP; 0 disables
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MetricsPath     string // empty disables /metrics
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Bets    *handler.BetHandler
	Markets *handler.MarketHandler
	History *handler.HistoryHandler
	Oracle  *handler.OracleHandler
	Admin   *handler.AdminHandler
	Channel *handler.ChannelHandler
	Events  *handler.EventHandler
}

// Server is the HTTP + WebSocket front of the exchange.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	cfg        Config
	logger     *slog.Logger
}

// NewServer registers every route on a ServeMux and wraps it in the
// middleware chain. limiter and gatherer may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()
	operator := middleware.Auth(cfg.APIKey)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("POST /api/bets", handlers.Bets.PlaceBet)

	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/current", handlers.Markets.CurrentMarket)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)

	mux.HandleFunc("GET /api/positions", handlers.History.Positions)
	mux.HandleFunc("GET /api/settlements", handlers.History.Settlements)
	mux.HandleFunc("GET /api/leaderboard", handlers.History.Leaderboard)

	mux.Handle("POST /api/oracle/game", operator(http.HandlerFunc(handlers.Oracle.SetGame)))
	mux.Handle("POST /api/oracle/markets", operator(http.HandlerFunc(handlers.Oracle.OpenMarket)))
	mux.Handle("POST /api/oracle/markets/close", operator(http.HandlerFunc(handlers.Oracle.CloseMarket)))
	mux.Handle("POST /api/oracle/resolve", operator(http.HandlerFunc(handlers.Oracle.Resolve)))
	mux.Handle("POST /api/oracle/autoplay", operator(http.HandlerFunc(handlers.Oracle.StartAutoPlay)))
	mux.Handle("DELETE /api/oracle/autoplay", operator(http.HandlerFunc(handlers.Oracle.StopAutoPlay)))

	mux.Handle("POST /api/admin/reset", operator(http.HandlerFunc(handlers.Admin.Reset)))
	mux.Handle("POST /api/admin/settle/{id}", operator(http.HandlerFunc(handlers.Admin.Settle)))

	mux.HandleFunc("GET /api/channel/balance", handlers.Channel.Balance)
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.Replay)
	}

	if gatherer != nil && cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RequestsPerSec, time.Second, logger)(h)
	h = middleware.Logging(logger, "/api/health", cfg.MetricsPath)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	// Hijacked /ws connections manage their own deadlines.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		cfg:        cfg,
		logger:     logger,
	}
}

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
