package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pitchmarket/internal/clearnode"
	"github.com/alanyoungcy/pitchmarket/internal/ledger"
	"github.com/alanyoungcy/pitchmarket/internal/market"
	"github.com/alanyoungcy/pitchmarket/internal/oracle"
	"github.com/alanyoungcy/pitchmarket/internal/server"
	"github.com/alanyoungcy/pitchmarket/internal/server/handler"
	"github.com/alanyoungcy/pitchmarket/internal/server/ws"
	"github.com/alanyoungcy/pitchmarket/internal/service"
)

// components is the exchange plus the pieces the modes drive directly.
type components struct {
	exchange *service.Exchange
	hub      *ws.Hub
	server   *server.Server
	autoplay oracle.AutoPlay
}

// ServerMode runs the exchange behind the HTTP and websocket API. Markets
// move only when an operator drives the oracle endpoints.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	rt := a.build(ctx, deps)
	return a.serve(ctx, deps, rt, nil)
}

// DemoMode is ServerMode with auto-play started at boot, resolving every
// market to a random default outcome.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting demo mode")
	rt := a.build(ctx, deps)
	return a.serve(ctx, deps, rt, func(ctx context.Context) error {
		if err := rt.exchange.StartAutoPlay(ctx, rt.autoplay); err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "auto-play started",
			slog.Duration("open_delay", rt.autoplay.OpenDelay),
			slog.Duration("close_delay", rt.autoplay.CloseDelay),
			slog.Duration("resolve_delay", rt.autoplay.ResolveDelay),
		)
		return nil
	})
}

// build assembles the exchange, hub and HTTP server. Nothing runs yet.
func (a *App) build(ctx context.Context, deps *Dependencies) *components {
	cfg := a.cfg
	hub := ws.NewHub(deps.EventBus, deps.Metrics, a.logger)

	categories := make(map[string]service.Category, len(cfg.Market.Categories))
	for id, c := range cfg.Market.Categories {
		categories[id] = service.Category{Outcomes: c.Outcomes, B: c.B}
	}

	ex := service.NewExchange(service.Config{
		DefaultGameID:     cfg.Market.DefaultGameID,
		DefaultCategory:   cfg.Market.DefaultCategory,
		Categories:        categories,
		Asset:             cfg.Clearnode.Asset,
		MinBet:            cfg.Market.MinBet,
		MaxBet:            cfg.Market.MaxBet,
		BetRateLimit:      cfg.Market.BetRateLimit,
		BetRateWindow:     cfg.Market.BetRateWindow.Duration,
		SettlementLockTTL: cfg.Market.SettlementLockTTL.Duration,
		ChannelTimeout:    cfg.Clearnode.RequestTimeout.Duration,
	},
		market.NewManager(market.Config{DefaultB: cfg.Market.DefaultB, DefaultOutcomes: cfg.Market.DefaultOutcomes}),
		ledger.New(deps.LedgerStore, a.logger),
		hub, a.logger,
	).
		WithMarketStore(deps.MarketStore).
		WithRateLimiter(deps.RateLimiter).
		WithNotifier(deps.Notifier).
		WithMetrics(deps.Metrics)
	if deps.OddsCache != nil {
		ex.WithOddsCache(deps.OddsCache)
	}
	if deps.LockManager != nil {
		ex.WithLockManager(deps.LockManager)
	}
	if deps.Archiver != nil {
		ex.WithArchiver(deps.Archiver)
	}

	var balance handler.BalanceSource
	if deps.Channel != nil {
		ex.WithChannel(deps.Channel)
		balance = deps.Channel
	}

	autoplay := oracle.AutoPlay{
		OpenDelay:    cfg.Oracle.OpenDelay.Duration,
		CloseDelay:   cfg.Oracle.CloseDelay.Duration,
		ResolveDelay: cfg.Oracle.ResolveDelay.Duration,
		Outcomes:     oracle.RandomOutcome{Outcomes: cfg.Market.DefaultOutcomes},
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(healthStatus{ex: ex, hub: hub, channel: deps.Channel}, a.logger),
		Bets:    handler.NewBetHandler(ex, a.logger),
		Markets: handler.NewMarketHandler(ex, a.logger),
		History: handler.NewHistoryHandler(ex, a.logger),
		Oracle:  handler.NewOracleHandler(ctx, ex, autoplay, a.logger),
		Admin:   handler.NewAdminHandler(ex, a.logger),
		Channel: handler.NewChannelHandler(balance, a.logger),
	}
	if deps.EventBus != nil {
		handlers.Events = handler.NewEventHandler(hub, a.logger)
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := server.NewServer(server.Config{
		Port:            cfg.Server.Port,
		CORSOrigins:     cfg.Server.CORSOrigins,
		APIKey:          cfg.Server.APIKey,
		RequestsPerSec:  cfg.Server.RequestsPerSec,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration,
		WriteTimeout:    cfg.Server.WriteTimeout.Duration,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
		MetricsPath:     metricsPath,
	}, handlers, hub, deps.RateLimiter, deps.Gatherer, a.logger)

	return &components{exchange: ex, hub: hub, server: srv, autoplay: autoplay}
}

// serve runs the hub mirror, the HTTP server and the channel client until ctx
// ends, then drains the exchange's background work.
func (a *App) serve(ctx context.Context, deps *Dependencies, rt *components, start func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(rt.hub.Run(ctx))
	})
	g.Go(func() error {
		return rt.server.Run(ctx)
	})
	if deps.Channel != nil {
		g.Go(func() error {
			a.runChannel(ctx, deps.Channel)
			return nil
		})
	}
	if start != nil {
		if err := start(ctx); err != nil {
			a.logger.ErrorContext(ctx, "mode start failed", slog.String("error", err.Error()))
		}
	}

	err := g.Wait()
	rt.exchange.Close()
	return err
}

// runChannel connects the channel client and keeps its cached balance fresh.
// A failed connect is not fatal: the client redials on its next call.
func (a *App) runChannel(ctx context.Context, c *clearnode.Client) {
	if err := c.Connect(ctx); err != nil {
		a.logger.WarnContext(ctx, "clearnode connect failed, will retry on demand",
			slog.String("error", err.Error()),
		)
	} else {
		a.logger.InfoContext(ctx, "clearnode connected", slog.String("address", c.Address()))
	}
	c.RefreshBalance(ctx)

	interval := a.cfg.Clearnode.BalanceRefresh.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RefreshBalance(ctx)
		}
	}
}

// healthStatus adapts the live components to the health endpoint.
type healthStatus struct {
	ex      *service.Exchange
	hub     *ws.Hub
	channel *clearnode.Client
}

func (h healthStatus) GameActive() bool { return h.ex.GameActive() }
func (h healthStatus) Connections() int { return h.hub.Count() }

func (h healthStatus) ChannelConnected() bool {
	return h.channel != nil && h.channel.Connected()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
