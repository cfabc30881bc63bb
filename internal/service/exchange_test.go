package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pitchmarket/internal/clearnode"
	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/ledger"
	"github.com/alanyoungcy/pitchmarket/internal/lmsr"
	"github.com/alanyoungcy/pitchmarket/internal/market"
	"github.com/alanyoungcy/pitchmarket/internal/oracle"
	"github.com/alanyoungcy/pitchmarket/internal/service"
	"github.com/alanyoungcy/pitchmarket/internal/store/sqlite"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	house = "0x9999999999999999999999999999999999999999"
)

type recordingHub struct {
	mu      sync.Mutex
	events  []domain.Event
	sent    map[string][]domain.Event
	cleared int
}

func newRecordingHub() *recordingHub {
	return &recordingHub{sent: make(map[string][]domain.Event)}
}

func (h *recordingHub) Broadcast(ev domain.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return 1
}

func (h *recordingHub) SendTo(address string, ev domain.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent[address] = append(h.sent[address], ev)
	return 1
}

func (h *recordingHub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleared++
}

func (h *recordingHub) types() []domain.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.EventType, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.EventType())
	}
	return out
}

func (h *recordingHub) sentTo(address string) []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Event(nil), h.sent[address]...)
}

type fakeChannel struct {
	mu        sync.Mutex
	submits   []clearnode.SubmitAppStateRequest
	closes    []clearnode.CloseAppSessionRequest
	transfers []clearnode.TransferRequest
	submitErr error
}

func (c *fakeChannel) SubmitAppState(_ context.Context, req clearnode.SubmitAppStateRequest) (clearnode.AppSessionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits = append(c.submits, req)
	if c.submitErr != nil {
		return clearnode.AppSessionState{}, c.submitErr
	}
	return clearnode.AppSessionState{AppSessionID: req.AppSessionID, Version: req.Version, Status: "open"}, nil
}

func (c *fakeChannel) CloseAppSession(_ context.Context, req clearnode.CloseAppSessionRequest) (clearnode.AppSessionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, req)
	return clearnode.AppSessionState{AppSessionID: req.AppSessionID, Status: "closed"}, nil
}

func (c *fakeChannel) Transfer(_ context.Context, req clearnode.TransferRequest) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, req)
	return json.RawMessage(`{}`), nil
}

func (c *fakeChannel) Address() string { return house }

func amounts(allocs []clearnode.Allocation) []string {
	out := make([]string, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, a.Amount)
	}
	return out
}

type fakeLimiter struct{ allow bool }

func (l fakeLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return l.allow, nil
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

type fakeArchiver struct {
	mu      sync.Mutex
	batches map[string]int
}

func (a *fakeArchiver) ArchiveSettlements(_ context.Context, m domain.Market, rows []domain.Settlement) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches[m.ID] += len(rows)
	return "settlements/" + m.ID + ".jsonl", nil
}

type harness struct {
	ex      *service.Exchange
	hub     *recordingHub
	channel *fakeChannel
	db      *sqlite.DB
}

func newHarness(t *testing.T, cfg service.Config) *harness {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := newRecordingHub()
	ch := &fakeChannel{}
	ex := service.NewExchange(cfg,
		market.NewManager(market.Config{}),
		ledger.New(sqlite.NewLedgerStore(db), logger),
		hub, logger,
	).WithChannel(ch).WithMarketStore(sqlite.NewMarketStore(db))
	t.Cleanup(ex.Close)
	return &harness{ex: ex, hub: hub, channel: ch, db: db}
}

func TestPlaceBet_AcceptsAndBroadcasts(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	m, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, "g1-1", m.ID)

	res, err := h.ex.PlaceBet(ctx, service.BetRequest{Address: alice, Outcome: "BALL", Amount: 10})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	want := lmsr.SharesForCost([]float64{0, 0}, 100, 0, 10)
	assert.InEpsilon(t, want, res.Shares, 1e-9)
	assert.Greater(t, res.Prices[0], 0.5)
	assert.InDelta(t, 1.0, res.Prices[0]+res.Prices[1], 1e-9)

	assert.Equal(t, []domain.EventType{
		domain.EventMarketStatus,
		domain.EventOddsUpdate,
		domain.EventOddsUpdate,
		domain.EventPositionAdded,
	}, h.hub.types())

	positions, err := h.ex.Positions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BALL", positions[0].Outcome)

	view, err := h.ex.CurrentMarket(ctx)
	require.NoError(t, err)
	assert.InEpsilon(t, want, view.Quantities[0], 1e-9)
}

func TestPlaceBet_RejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, service.Config{MaxBet: 100})
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)

	cases := map[string]service.BetRequest{
		"bad address":     {Address: "alice", Outcome: "BALL", Amount: 10},
		"empty outcome":   {Address: alice, Amount: 10},
		"zero amount":     {Address: alice, Outcome: "BALL"},
		"negative amount": {Address: alice, Outcome: "BALL", Amount: -1},
		"over max":        {Address: alice, Outcome: "BALL", Amount: 101},
		"unknown outcome": {Address: alice, Outcome: "FOUL", Amount: 10},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := h.ex.PlaceBet(ctx, req)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.False(t, res.Accepted)
			assert.Equal(t, "invalid_request", res.Reason)
		})
	}

	positions, err := h.ex.Positions(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPlaceBet_ClosedMarketRefundsSession(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)
	_, err = h.ex.CloseMarket(ctx)
	require.NoError(t, err)

	res, err := h.ex.PlaceBet(ctx, service.BetRequest{
		Address: alice, Outcome: "BALL", Amount: 10, SessionID: "0xs1", SessionVersion: 1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.Contains(t, err.Error(), "CLOSED")
	assert.Equal(t, "market_not_open", res.Reason)

	h.ex.Close()
	h.channel.mu.Lock()
	defer h.channel.mu.Unlock()
	require.Len(t, h.channel.closes, 1)
	assert.Equal(t, "0xs1", h.channel.closes[0].AppSessionID)
	assert.Equal(t, "10.000000", h.channel.closes[0].Allocations[0].Amount)
	assert.Equal(t, alice, h.channel.closes[0].Allocations[0].Participant)
}

func TestPlaceBet_PushesSessionVersion(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)

	_, err = h.ex.PlaceBet(ctx, service.BetRequest{
		Address: alice, Outcome: "STRIKE", Amount: 5, SessionID: "0xs1", SessionVersion: 3,
	})
	require.NoError(t, err)
	h.ex.Close()

	h.channel.mu.Lock()
	require.Len(t, h.channel.submits, 1)
	sub := h.channel.submits[0]
	h.channel.mu.Unlock()
	assert.Equal(t, uint64(4), sub.Version)
	assert.Equal(t, clearnode.IntentOperate, sub.Intent)
	assert.Equal(t, "5.000000", sub.Allocations[1].Amount)
	assert.Equal(t, house, sub.Allocations[1].Participant)

	positions, err := h.ex.Positions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, uint64(4), positions[0].SessionVersion)
	assert.Contains(t, h.hub.types(), domain.EventSessionVersionUpdated)
}

func TestPlaceBet_SessionPushFailureKeepsBet(t *testing.T) {
	h := newHarness(t, service.Config{})
	h.channel.submitErr = errors.New("node unreachable")
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)

	res, err := h.ex.PlaceBet(ctx, service.BetRequest{
		Address: alice, Outcome: "BALL", Amount: 5, SessionID: "0xs1", SessionVersion: 3,
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	h.ex.Close()

	positions, err := h.ex.Positions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, uint64(3), positions[0].SessionVersion)
	assert.NotContains(t, h.hub.types(), domain.EventSessionVersionUpdated)
}

func TestPlaceBet_RateLimited(t *testing.T) {
	h := newHarness(t, service.Config{BetRateLimit: 1})
	h.ex.WithRateLimiter(fakeLimiter{allow: false})
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)

	res, err := h.ex.PlaceBet(ctx, service.BetRequest{Address: alice, Outcome: "BALL", Amount: 5})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, "rate_limited", res.Reason)
}

func TestResolve_SingleBettorWins(t *testing.T) {
	h := newHarness(t, service.Config{})
	archiver := &fakeArchiver{batches: map[string]int{}}
	h.ex.WithArchiver(archiver)
	ctx := context.Background()

	m, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)
	bet, err := h.ex.PlaceBet(ctx, service.BetRequest{Address: alice, Outcome: "BALL", Amount: 10, SessionID: "0xs1"})
	require.NoError(t, err)
	_, err = h.ex.CloseMarket(ctx)
	require.NoError(t, err)

	res, err := h.ex.Resolve(ctx, "BALL")
	require.NoError(t, err)
	assert.Len(t, res.Winners, 1)
	assert.Empty(t, res.Losers)
	assert.InEpsilon(t, bet.Shares, res.TotalPayout, 1e-12)

	open, err := h.ex.Positions(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, open)

	rows, err := h.ex.SettlementsByMarket(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.SettlementWin, rows[0].Result)
	assert.InDelta(t, rows[0].Payout-rows[0].CostPaid, rows[0].Profit, 1e-12)

	sent := h.hub.sentTo(alice)
	require.Len(t, sent, 1)
	assert.Equal(t, domain.EventBetResult, sent[0].EventType())

	types := h.hub.types()
	assert.Equal(t, domain.EventMarketStatus, types[len(types)-1])

	h.ex.Close()
	assert.Equal(t, 1, archiver.batches[m.ID])
	h.channel.mu.Lock()
	defer h.channel.mu.Unlock()
	require.Len(t, h.channel.closes, 1)
	assert.Equal(t, []string{"10.000000", "0.000000"}, amounts(h.channel.closes[0].Allocations))
	require.Len(t, h.channel.transfers, 1)
	assert.Equal(t, alice, h.channel.transfers[0].Destination)
	assert.Equal(t, formatShares(bet.Shares-10), h.channel.transfers[0].Allocations[0].Amount)
}

func formatShares(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func TestResolve_PartitionsWinnersAndLosers(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)

	var ballShares float64
	for i, b := range []struct {
		addr, outcome string
		amount        float64
	}{{alice, "BALL", 10}, {bob, "STRIKE", 20}, {alice, "STRIKE", 5}, {bob, "BALL", 7}} {
		res, err := h.ex.PlaceBet(ctx, service.BetRequest{Address: b.addr, Outcome: b.outcome, Amount: b.amount})
		require.NoError(t, err, "bet %d", i)
		if b.outcome == "BALL" {
			ballShares += res.Shares
		}
	}
	_, err = h.ex.CloseMarket(ctx)
	require.NoError(t, err)

	res, err := h.ex.Resolve(ctx, "BALL")
	require.NoError(t, err)
	assert.Len(t, res.Winners, 2)
	assert.Len(t, res.Losers, 2)
	assert.InEpsilon(t, ballShares, res.TotalPayout, 1e-12)
	for _, w := range res.Winners {
		assert.Equal(t, "BALL", w.Position.Outcome)
	}
	for _, l := range res.Losers {
		assert.NotEqual(t, "BALL", l.Position.Outcome)
	}

	board, err := h.ex.Leaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, board, 2)
}

func TestRefund_LeavesAcceptedStakeWithHouse(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)

	_, err = h.ex.PlaceBet(ctx, service.BetRequest{Address: alice, Outcome: "BALL", Amount: 10, SessionID: "0xs1"})
	require.NoError(t, err)
	_, err = h.ex.CloseMarket(ctx)
	require.NoError(t, err)

	res, err := h.ex.PlaceBet(ctx, service.BetRequest{Address: alice, Outcome: "BALL", Amount: 5, SessionID: "0xs1"})
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.False(t, res.Accepted)

	_, err = h.ex.Resolve(ctx, "STRIKE")
	require.NoError(t, err)
	h.ex.Close()

	h.channel.mu.Lock()
	defer h.channel.mu.Unlock()

	require.Len(t, h.channel.submits, 2)
	assert.Equal(t, []string{"0.000000", "10.000000"}, amounts(h.channel.submits[0].Allocations))
	assert.Equal(t, []string{"5.000000", "10.000000"}, amounts(h.channel.submits[1].Allocations), "refund returns only the rejected stake")
	assert.Greater(t, h.channel.submits[1].Version, h.channel.submits[0].Version)

	require.Len(t, h.channel.closes, 1, "session closes once, at settlement")
	assert.Equal(t, "0xs1", h.channel.closes[0].AppSessionID)
	assert.Equal(t, []string{"5.000000", "10.000000"}, amounts(h.channel.closes[0].Allocations))
	assert.Empty(t, h.channel.transfers)
}

func TestResolve_SessionAllocationsMatchHoldings(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)

	first, err := h.ex.PlaceBet(ctx, service.BetRequest{Address: alice, Outcome: "BALL", Amount: 10, SessionID: "0xs1"})
	require.NoError(t, err)
	_, err = h.ex.PlaceBet(ctx, service.BetRequest{Address: alice, Outcome: "STRIKE", Amount: 4, SessionID: "0xs1"})
	require.NoError(t, err)
	_, err = h.ex.CloseMarket(ctx)
	require.NoError(t, err)
	_, err = h.ex.Resolve(ctx, "BALL")
	require.NoError(t, err)
	h.ex.Close()

	h.channel.mu.Lock()
	defer h.channel.mu.Unlock()
	require.Len(t, h.channel.closes, 1)
	assert.Equal(t, []string{"14.000000", "0.000000"}, amounts(h.channel.closes[0].Allocations), "stake covers part of the win")

	require.Len(t, h.channel.transfers, 1)
	assert.Equal(t, formatShares(first.Shares-14), h.channel.transfers[0].Allocations[0].Amount)
	assert.Greater(t, first.Shares, 14.0)
}

func TestCloseMarket_MarksSessionsSettling(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)
	_, err = h.ex.PlaceBet(ctx, service.BetRequest{Address: alice, Outcome: "BALL", Amount: 3, SessionID: "0xs1"})
	require.NoError(t, err)
	_, err = h.ex.PlaceBet(ctx, service.BetRequest{Address: bob, Outcome: "BALL", Amount: 3})
	require.NoError(t, err)

	_, err = h.ex.CloseMarket(ctx)
	require.NoError(t, err)

	positions, err := h.ex.Positions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, domain.SessionStatusSettling, positions[0].SessionStatus)

	positions, err = h.ex.Positions(ctx, bob)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.NotEqual(t, domain.SessionStatusSettling, positions[0].SessionStatus)
}

// slowMarketStore delays the first snapshot of an OPEN market that has
// taken a bet.
type slowMarketStore struct {
	domain.MarketStore
	entered chan struct{}
	once    sync.Once
}

func (s *slowMarketStore) Upsert(ctx context.Context, m domain.Market) error {
	if m.Status == domain.MarketStatusOpen && m.Quantities[0] > 0 {
		s.once.Do(func() {
			close(s.entered)
			time.Sleep(50 * time.Millisecond)
		})
	}
	return s.MarketStore.Upsert(ctx, m)
}

func TestPersist_SlowBetSnapshotCannotReopenMarket(t *testing.T) {
	h := newHarness(t, service.Config{})
	store := &slowMarketStore{MarketStore: sqlite.NewMarketStore(h.db), entered: make(chan struct{})}
	h.ex.WithMarketStore(store)
	ctx := context.Background()

	m, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.ex.PlaceBet(ctx, service.BetRequest{Address: alice, Outcome: "BALL", Amount: 10})
		done <- err
	}()
	<-store.entered

	_, err = h.ex.CloseMarket(ctx)
	require.NoError(t, err)
	_, err = h.ex.Resolve(ctx, "BALL")
	require.NoError(t, err)
	require.NoError(t, <-done)

	stored, err := store.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, stored.Status)
	require.NotNil(t, stored.Outcome)
	assert.Equal(t, "BALL", *stored.Outcome)

	require.NoError(t, h.ex.Reset(ctx))
	view, err := h.ex.Market(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, view.Status)
}

func TestResolve_RequiresClosedMarket(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)

	_, err = h.ex.Resolve(ctx, "BALL")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.Contains(t, err.Error(), "OPEN")
}

func TestResolve_SettlementLockHeld(t *testing.T) {
	h := newHarness(t, service.Config{})
	locks := &fakeLocks{held: map[string]bool{"settle:g1-1": true}}
	h.ex.WithLockManager(locks)
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)
	_, err = h.ex.CloseMarket(ctx)
	require.NoError(t, err)

	_, err = h.ex.Resolve(ctx, "BALL")
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	view, err := h.ex.CurrentMarket(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, view.Status)
}

func TestSettle_IsIdempotent(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	m, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)
	_, err = h.ex.PlaceBet(ctx, service.BetRequest{Address: alice, Outcome: "BALL", Amount: 10})
	require.NoError(t, err)
	_, err = h.ex.CloseMarket(ctx)
	require.NoError(t, err)
	_, err = h.ex.Resolve(ctx, "STRIKE")
	require.NoError(t, err)

	again, err := h.ex.Settle(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, again)

	rows, err := h.ex.SettlementsByMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, domain.SettlementLoss, rows[0].Result)
}

func TestConcurrentBets_KeepQuantitiesConsistent(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	m, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)

	const bets = 40
	var wg sync.WaitGroup
	for i := range bets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := "BALL"
			if rand.IntN(2) == 1 {
				outcome = "STRIKE"
			}
			addr := alice
			if i%2 == 1 {
				addr = bob
			}
			_, err := h.ex.PlaceBet(ctx, service.BetRequest{Address: addr, Outcome: outcome, Amount: 1 + float64(i%5)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	view, err := h.ex.Market(ctx, m.ID)
	require.NoError(t, err)

	var sums [2]float64
	for _, addr := range []string{alice, bob} {
		positions, err := h.ex.Positions(ctx, addr)
		require.NoError(t, err)
		for _, p := range positions {
			sums[view.OutcomeIndex(p.Outcome)] += p.Shares
		}
	}
	assert.InDelta(t, sums[0], view.Quantities[0], 1e-6)
	assert.InDelta(t, sums[1], view.Quantities[1], 1e-6)
}

func TestOpenMarket_Categories(t *testing.T) {
	h := newHarness(t, service.Config{
		DefaultCategory: "pitch",
		Categories: map[string]service.Category{
			"pitch": {Outcomes: []string{"BALL", "STRIKE", "FOUL"}, B: 50},
			"swing": {Outcomes: []string{"HIT", "MISS"}},
		},
	})
	ctx := context.Background()

	m, err := h.ex.OpenMarket(ctx, "g7", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"BALL", "STRIKE", "FOUL"}, m.Outcomes)
	assert.Equal(t, 50.0, m.B)

	m, err = h.ex.OpenMarket(ctx, "", "swing")
	require.NoError(t, err)
	assert.Equal(t, "g7", m.GameID)
	assert.Equal(t, "g7-2", m.ID)
	assert.Equal(t, 100.0, m.B)

	_, err = h.ex.OpenMarket(ctx, "g7", "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarket_FallsBackToStoreAfterReset(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	m, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)

	require.NoError(t, h.ex.Reset(ctx))
	view, err := h.ex.Market(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusOpen, view.Status)
	assert.InDelta(t, 0.5, view.Prices[0], 1e-12)
}

func TestReset_DiscardsState(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	_, err := h.ex.OpenMarket(ctx, "g1", "")
	require.NoError(t, err)
	_, err = h.ex.PlaceBet(ctx, service.BetRequest{Address: alice, Outcome: "BALL", Amount: 3})
	require.NoError(t, err)
	h.ex.SetGameActive(ctx, true)

	require.NoError(t, h.ex.Reset(ctx))

	assert.False(t, h.ex.GameActive())
	assert.Empty(t, h.ex.Markets())
	positions, err := h.ex.Positions(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, positions)
	_, err = h.ex.CurrentMarket(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, h.hub.cleared)
}

func TestAutoPlay_RunsFullCycle(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	require.NoError(t, h.ex.StartAutoPlay(ctx, oracle.AutoPlay{
		OpenDelay:    time.Millisecond,
		CloseDelay:   10 * time.Millisecond,
		ResolveDelay: 10 * time.Millisecond,
		Outcomes:     oracle.NewSequence("STRIKE"),
	}))
	assert.True(t, h.ex.GameActive())

	require.Eventually(t, func() bool {
		for _, m := range h.ex.Markets() {
			if m.Status == domain.MarketStatusResolved {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	h.ex.StopAutoPlay()

	for _, m := range h.ex.Markets() {
		if m.Status == domain.MarketStatusResolved {
			assert.Equal(t, "STRIKE", *m.Outcome)
		}
	}
}
