// Package service composes the pricing engine, market manager, ledger,
// broadcast hub, oracle and channel client into the exchange's operations.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/clearnode"
	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/ledger"
	"github.com/alanyoungcy/pitchmarket/internal/lmsr"
	"github.com/alanyoungcy/pitchmarket/internal/market"
	"github.com/alanyoungcy/pitchmarket/internal/metrics"
	"github.com/alanyoungcy/pitchmarket/internal/oracle"
)

// Broadcaster fans realtime events out to connected clients.
type Broadcaster interface {
	Broadcast(ev domain.Event) int
	SendTo(address string, ev domain.Event) int
	Clear()
}

// Channel is the subset of the channel client the exchange drives.
type Channel interface {
	SubmitAppState(ctx context.Context, req clearnode.SubmitAppStateRequest) (clearnode.AppSessionState, error)
	CloseAppSession(ctx context.Context, req clearnode.CloseAppSessionRequest) (clearnode.AppSessionState, error)
	Transfer(ctx context.Context, req clearnode.TransferRequest) (json.RawMessage, error)
	Address() string
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Category fixes the outcomes and liquidity of markets opened under it.
type Category struct {
	Outcomes []string
	B        float64
}

// Config holds exchange policy.
type Config struct {
	DefaultGameID     string
	DefaultCategory   string
	Categories        map[string]Category
	Asset             string
	MinBet            float64
	MaxBet            float64
	BetRateLimit      int
	BetRateWindow     time.Duration
	SettlementLockTTL time.Duration
	ChannelTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultGameID == "" {
		c.DefaultGameID = "game-1"
	}
	if c.Asset == "" {
		c.Asset = "usdc"
	}
	if c.BetRateWindow <= 0 {
		c.BetRateWindow = time.Second
	}
	if c.SettlementLockTTL <= 0 {
		c.SettlementLockTTL = 30 * time.Second
	}
	if c.ChannelTimeout <= 0 {
		c.ChannelTimeout = 15 * time.Second
	}
}

// MarketView is a market plus its current prices.
type MarketView struct {
	domain.Market
	Prices []float64 `json:"prices"`
}

// Exchange is safe for concurrent use.
type Exchange struct {
	cfg     Config
	markets *market.Manager
	ledger  *ledger.Ledger
	hub     Broadcaster
	oracle  *oracle.Oracle
	logger  *slog.Logger
	now     func() time.Time

	store    domain.MarketStore
	odds     domain.OddsCache
	limiter  domain.RateLimiter
	locks    domain.LockManager
	archiver domain.SettlementArchiver
	channel  Channel
	notifier Notifier
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	current string
	game    string

	sessions *sessionBook

	bgMu   sync.Mutex
	bg     sync.WaitGroup
	closed bool
}

// NewExchange wires the core components. Optional collaborators are attached
// with the With* methods before the exchange serves traffic.
func NewExchange(cfg Config, markets *market.Manager, l *ledger.Ledger, hub Broadcaster, logger *slog.Logger) *Exchange {
	cfg.applyDefaults()
	e := &Exchange{
		cfg:      cfg,
		markets:  markets,
		ledger:   l,
		hub:      hub,
		logger:   logger.With(slog.String("component", "exchange")),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: newSessionBook(),
	}
	e.oracle = oracle.New(oracle.Callbacks{
		OnOpenMarket: func(ctx context.Context) error {
			_, err := e.OpenMarket(ctx, "", "")
			return err
		},
		OnCloseMarket: func(ctx context.Context) error {
			_, err := e.CloseMarket(ctx)
			return err
		},
		OnResolve: func(ctx context.Context, outcome string) error {
			_, err := e.Resolve(ctx, outcome)
			return err
		},
	}, logger)
	return e
}

// WithMarketStore persists market snapshots after every change.
func (e *Exchange) WithMarketStore(s domain.MarketStore) *Exchange {
	e.store = s
	return e
}

// WithOddsCache publishes prices for out-of-process readers.
func (e *Exchange) WithOddsCache(c domain.OddsCache) *Exchange {
	e.odds = c
	return e
}

// WithRateLimiter caps bets per address.
func (e *Exchange) WithRateLimiter(l domain.RateLimiter) *Exchange {
	e.limiter = l
	return e
}

// WithLockManager guards settlement across replicas.
func (e *Exchange) WithLockManager(l domain.LockManager) *Exchange {
	e.locks = l
	return e
}

// WithArchiver uploads settlement batches after resolution.
func (e *Exchange) WithArchiver(a domain.SettlementArchiver) *Exchange {
	e.archiver = a
	return e
}

// WithChannel enables funding-session updates, refunds and payouts.
func (e *Exchange) WithChannel(c Channel) *Exchange {
	e.channel = c
	return e
}

// WithNotifier sends operator alerts on resolution and failures.
func (e *Exchange) WithNotifier(n Notifier) *Exchange {
	e.notifier = n
	return e
}

// WithMetrics records exchange metrics.
func (e *Exchange) WithMetrics(m *metrics.Metrics) *Exchange {
	e.metrics = m
	return e
}

// Oracle exposes the game-cycle oracle driving this exchange.
func (e *Exchange) Oracle() *oracle.Oracle { return e.oracle }

// SetGameActive flips the game flag and announces it.
func (e *Exchange) SetGameActive(ctx context.Context, active bool) {
	e.oracle.SetActive(active)
	e.hub.Broadcast(domain.NewGameState(active, e.now()))
	e.logger.InfoContext(ctx, "game state changed", slog.Bool("active", active))
}

// GameActive reports the game flag.
func (e *Exchange) GameActive() bool { return e.oracle.Active() }

// StartAutoPlay activates the game and starts the oracle's cycle.
func (e *Exchange) StartAutoPlay(ctx context.Context, p oracle.AutoPlay) error {
	if err := e.oracle.StartAutoPlay(ctx, p); err != nil {
		return err
	}
	e.SetGameActive(ctx, true)
	return nil
}

// StopAutoPlay halts the oracle's cycle. The game flag is left as is.
func (e *Exchange) StopAutoPlay() { e.oracle.StopAutoPlay() }

// OpenMarket creates and opens a market for gameID under categoryID and
// makes it the current market. Empty arguments fall back to the current
// game and the default category.
func (e *Exchange) OpenMarket(ctx context.Context, gameID, categoryID string) (domain.Market, error) {
	e.mu.RLock()
	if gameID == "" {
		gameID = e.game
	}
	prev := e.current
	e.mu.RUnlock()
	if gameID == "" {
		gameID = e.cfg.DefaultGameID
	}
	if categoryID == "" {
		categoryID = e.cfg.DefaultCategory
	}

	var cat Category
	if categoryID != "" && len(e.cfg.Categories) > 0 {
		c, ok := e.cfg.Categories[categoryID]
		if !ok {
			return domain.Market{}, &domain.NotFoundError{Entity: "category", ID: categoryID}
		}
		cat = c
	}

	if prev != "" {
		if pm, err := e.markets.Get(prev); err == nil && pm.Status != domain.MarketStatusResolved {
			e.logger.WarnContext(ctx, "opening a market while the previous one is unresolved",
				slog.String("previous", prev),
				slog.String("status", string(pm.Status)),
			)
		}
	}

	m, err := e.markets.Create(market.NewMarket{
		GameID:     gameID,
		CategoryID: categoryID,
		Outcomes:   cat.Outcomes,
		B:          cat.B,
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("exchange: open market: %w", err)
	}

	unlock := e.markets.Lock(m.ID)
	m, err = e.markets.Open(m.ID)
	if err != nil {
		unlock()
		return domain.Market{}, fmt.Errorf("exchange: open market: %w", err)
	}
	at := e.now()
	prices := lmsr.Prices(m.Quantities, m.B)
	e.hub.Broadcast(domain.NewMarketStatus(m, at))
	e.hub.Broadcast(domain.NewOddsUpdate(m, prices, at))
	e.persist(ctx, m)
	unlock()

	e.mu.Lock()
	e.current = m.ID
	e.game = gameID
	e.mu.Unlock()

	e.metrics.MarketTransition(string(m.Status))
	e.cacheOdds(ctx, m.ID, prices, at)
	e.logger.InfoContext(ctx, "market opened",
		slog.String("market_id", m.ID),
		slog.String("game_id", gameID),
		slog.Any("outcomes", m.Outcomes),
		slog.Float64("b", m.B),
	)
	return m, nil
}

// CloseMarket stops betting on the current market.
func (e *Exchange) CloseMarket(ctx context.Context) (domain.Market, error) {
	id, err := e.currentID()
	if err != nil {
		return domain.Market{}, err
	}
	return e.CloseMarketByID(ctx, id)
}

// CloseMarketByID stops betting on one market.
func (e *Exchange) CloseMarketByID(ctx context.Context, id string) (domain.Market, error) {
	unlock := e.markets.Lock(id)
	m, err := e.markets.Close(id)
	if err != nil {
		unlock()
		return domain.Market{}, fmt.Errorf("exchange: close market: %w", err)
	}
	e.hub.Broadcast(domain.NewMarketStatus(m, e.now()))
	e.persist(ctx, m)
	e.markSettling(ctx, id)
	unlock()

	e.metrics.MarketTransition(string(m.Status))
	e.logger.InfoContext(ctx, "market closed", slog.String("market_id", id))
	return m, nil
}

// Reset discards all in-memory market, position and connection state and
// stops auto-play. Settlement history survives.
func (e *Exchange) Reset(ctx context.Context) error {
	e.oracle.Reset()
	e.markets.Reset()
	e.sessions.reset()

	e.mu.Lock()
	e.current = ""
	e.game = ""
	e.mu.Unlock()

	err := e.ledger.Reset(ctx)
	e.hub.Clear()
	e.logger.WarnContext(ctx, "exchange reset")
	if err != nil {
		return fmt.Errorf("exchange: reset: %w", err)
	}
	return nil
}

// Close stops auto-play and waits for background channel work.
func (e *Exchange) Close() {
	e.oracle.StopAutoPlay()
	e.bgMu.Lock()
	e.closed = true
	e.bgMu.Unlock()
	e.bg.Wait()
}

// Market returns one market with prices. Markets no longer held in memory
// are served from the market store and the odds cache when configured.
func (e *Exchange) Market(ctx context.Context, id string) (MarketView, error) {
	m, err := e.markets.Get(id)
	if err == nil {
		return MarketView{Market: m, Prices: lmsr.Prices(m.Quantities, m.B)}, nil
	}
	if e.store == nil {
		return MarketView{}, err
	}
	m, serr := e.store.GetByID(ctx, id)
	if serr != nil {
		return MarketView{}, serr
	}
	view := MarketView{Market: m, Prices: lmsr.Prices(m.Quantities, m.B)}
	if e.odds != nil {
		if prices, _, oerr := e.odds.GetOdds(ctx, id); oerr == nil && len(prices) == len(m.Outcomes) {
			view.Prices = prices
		}
	}
	return view, nil
}

// CurrentMarket returns the most recently opened market.
func (e *Exchange) CurrentMarket(ctx context.Context) (MarketView, error) {
	id, err := e.currentID()
	if err != nil {
		return MarketView{}, err
	}
	return e.Market(ctx, id)
}

// Markets lists every in-memory market.
func (e *Exchange) Markets() []domain.Market { return e.markets.List() }

// Positions returns a bettor's open positions.
func (e *Exchange) Positions(ctx context.Context, address string) ([]domain.Position, error) {
	return e.ledger.GetByUser(ctx, normalizeAddress(address))
}

// SettlementsByUser returns a bettor's settlement history.
func (e *Exchange) SettlementsByUser(ctx context.Context, address string, opts domain.ListOpts) ([]domain.Settlement, error) {
	return e.ledger.SettlementsByUser(ctx, normalizeAddress(address), opts)
}

// SettlementsByMarket returns the archived rows of one market.
func (e *Exchange) SettlementsByMarket(ctx context.Context, marketID string) ([]domain.Settlement, error) {
	return e.ledger.SettlementsByMarket(ctx, marketID)
}

// Leaderboard ranks bettors by settled profit.
func (e *Exchange) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.ledger.Leaderboard(ctx, limit)
}

func (e *Exchange) currentID() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == "" {
		return "", &domain.NotFoundError{Entity: "market", ID: "current"}
	}
	return e.current, nil
}

// persist writes a market snapshot. Callers hold the market lock so
// snapshots reach the store in transition order. Failures are logged; the
// in-memory manager stays authoritative.
func (e *Exchange) persist(ctx context.Context, m domain.Market) {
	if e.store == nil {
		return
	}
	if err := e.store.Upsert(ctx, m); err != nil {
		e.logger.WarnContext(ctx, "market snapshot not persisted",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

// markSettling flags the funding sessions behind a closed market's positions
// as awaiting settlement. Caller holds the market lock.
func (e *Exchange) markSettling(ctx context.Context, marketID string) {
	positions, err := e.ledger.GetByMarket(ctx, marketID)
	if err != nil {
		e.logger.WarnContext(ctx, "positions not read for session status",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return
	}
	for sid := range sessionIDs(positions) {
		if err := e.ledger.UpdateSessionStatus(ctx, sid, domain.SessionStatusSettling); err != nil {
			e.logger.WarnContext(ctx, "session status not updated",
				slog.String("session_id", sid),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Exchange) cacheOdds(ctx context.Context, marketID string, prices []float64, at time.Time) {
	if e.odds == nil {
		return
	}
	if err := e.odds.SetOdds(ctx, marketID, prices, at); err != nil {
		e.logger.WarnContext(ctx, "odds cache write failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

// background runs fn detached from the caller with its own timeout. It is a
// no-op after Close.
func (e *Exchange) background(name string, fn func(ctx context.Context)) {
	e.backgroundAfter(name, nil, fn)
}

// backgroundAfter is background with fn held back until prev is closed. The
// timeout starts once fn may run. It reports false if the task was dropped.
func (e *Exchange) backgroundAfter(name string, prev <-chan struct{}, fn func(ctx context.Context)) bool {
	e.bgMu.Lock()
	if e.closed {
		e.bgMu.Unlock()
		e.logger.Warn("background task dropped after close", slog.String("task", name))
		return false
	}
	e.bg.Add(1)
	e.bgMu.Unlock()

	go func() {
		defer e.bg.Done()
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ChannelTimeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

func (e *Exchange) notify(ctx context.Context, event, title, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
