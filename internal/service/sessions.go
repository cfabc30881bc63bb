package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/alanyoungcy/pitchmarket/internal/clearnode"
	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// sessionState is what the exchange knows about one funding session. The
// session holds staked (moved to the house by accepted bets) plus returned
// (stakes of rejected bets handed back to the bettor inside the session).
// Fields are only touched by the session's queued tasks, one at a time.
type sessionState struct {
	version  uint64
	staked   float64
	returned float64

	tail chan struct{}
}

// sessionBook orders channel updates per funding session. Tasks are queued
// when the triggering request is handled and run in that order, so a bet's
// state push always precedes a later refund or payout close. funded counts
// accepted bets per session.
type sessionBook struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	funded   map[string]int
}

func newSessionBook() *sessionBook {
	return &sessionBook{
		sessions: make(map[string]*sessionState),
		funded:   make(map[string]int),
	}
}

// enqueue appends a task to id's queue. The task may start once prev is
// closed (a nil prev is ready) and must call done when it finishes.
func (b *sessionBook) enqueue(id string) (st *sessionState, prev <-chan struct{}, done func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[id]
	if !ok {
		st = &sessionState{}
		b.sessions[id] = st
	}
	next := make(chan struct{})
	prev = st.tail
	st.tail = next
	var once sync.Once
	return st, prev, func() { once.Do(func() { close(next) }) }
}

func (b *sessionBook) accept(id string) {
	b.mu.Lock()
	b.funded[id]++
	b.mu.Unlock()
}

func (b *sessionBook) fundsBets(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.funded[id] > 0
}

// forget drops a closed session. Tasks already queued keep their state.
func (b *sessionBook) forget(id string) {
	b.mu.Lock()
	delete(b.sessions, id)
	delete(b.funded, id)
	b.mu.Unlock()
}

func (b *sessionBook) reset() {
	b.mu.Lock()
	b.sessions = make(map[string]*sessionState)
	b.funded = make(map[string]int)
	b.mu.Unlock()
}

// sessionTask queues fn on the session's ordered queue and runs it in the
// background once every earlier task for the session has finished.
func (e *Exchange) sessionTask(name, sessionID string, fn func(ctx context.Context, st *sessionState)) {
	st, prev, done := e.sessions.enqueue(sessionID)
	ok := e.backgroundAfter(name, prev, func(ctx context.Context) {
		defer done()
		fn(ctx, st)
	})
	if !ok {
		done()
	}
}

func formatAmount(v float64) string {
	if v < 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// betData is the opaque session_data attached to a state push.
type betData struct {
	MarketID string  `json:"marketId"`
	Outcome  string  `json:"outcome"`
	Amount   float64 `json:"amount"`
	Shares   float64 `json:"shares"`
}

// pushBetState moves the bet's stake to the house in the bettor's funding
// session. Failures are logged and counted; the bet stands regardless.
func (e *Exchange) pushBetState(p domain.Position) {
	if e.channel == nil {
		return
	}
	e.sessionTask("submit_app_state", p.SessionID, func(ctx context.Context, st *sessionState) {
		version := max(st.version, p.SessionVersion) + 1
		staked := st.staked + p.CostPaid
		data, _ := json.Marshal(betData{MarketID: p.MarketID, Outcome: p.Outcome, Amount: p.CostPaid, Shares: p.Shares})

		res, err := e.channel.SubmitAppState(ctx, clearnode.SubmitAppStateRequest{
			AppSessionID: p.SessionID,
			Intent:       clearnode.IntentOperate,
			Version:      version,
			Allocations: []clearnode.Allocation{
				{Participant: p.Address, Asset: e.cfg.Asset, Amount: formatAmount(st.returned)},
				{Participant: e.channel.Address(), Asset: e.cfg.Asset, Amount: formatAmount(staked)},
			},
			SessionData: string(data),
		})
		if err != nil {
			e.metrics.SessionPush("submit", "error")
			e.logger.WarnContext(ctx, "session state push failed",
				slog.String("session_id", p.SessionID),
				slog.Uint64("version", version),
				slog.String("error", err.Error()),
			)
			return
		}
		if res.Version > version {
			version = res.Version
		}
		st.version = version
		st.staked = staked
		e.metrics.SessionPush("submit", "ok")

		if err := e.ledger.UpdateSessionVersion(ctx, p.SessionID, version); err != nil {
			e.logger.WarnContext(ctx, "session version not recorded",
				slog.String("session_id", p.SessionID),
				slog.String("error", err.Error()),
			)
		}
		e.hub.Broadcast(domain.NewSessionVersion(p.SessionID, p.Address, version, e.now()))
	})
}

// refund hands a rejected bet's stake back to the bettor. A session that
// funds no accepted bet is closed; otherwise the stake is returned with a new
// state version and the session stays open for the payout close. The
// rejection stands whether or not the refund succeeds.
func (e *Exchange) refund(req BetRequest) {
	if e.channel == nil {
		return
	}
	e.sessionTask("refund", req.SessionID, func(ctx context.Context, st *sessionState) {
		if !e.sessions.fundsBets(req.SessionID) {
			_, err := e.channel.CloseAppSession(ctx, clearnode.CloseAppSessionRequest{
				AppSessionID: req.SessionID,
				Allocations: []clearnode.Allocation{
					{Participant: req.Address, Asset: e.cfg.Asset, Amount: formatAmount(st.returned + req.Amount)},
					{Participant: e.channel.Address(), Asset: e.cfg.Asset, Amount: formatAmount(0)},
				},
			})
			if err != nil {
				e.refundFailed(ctx, req, err)
				return
			}
			e.metrics.SessionPush("refund", "ok")
			e.sessions.forget(req.SessionID)
			return
		}

		version := max(st.version, req.SessionVersion) + 1
		returned := st.returned + req.Amount
		res, err := e.channel.SubmitAppState(ctx, clearnode.SubmitAppStateRequest{
			AppSessionID: req.SessionID,
			Intent:       clearnode.IntentOperate,
			Version:      version,
			Allocations: []clearnode.Allocation{
				{Participant: req.Address, Asset: e.cfg.Asset, Amount: formatAmount(returned)},
				{Participant: e.channel.Address(), Asset: e.cfg.Asset, Amount: formatAmount(st.staked)},
			},
		})
		if err != nil {
			e.refundFailed(ctx, req, err)
			return
		}
		st.version = max(version, res.Version)
		st.returned = returned
		e.metrics.SessionPush("refund", "ok")
	})
}

func (e *Exchange) refundFailed(ctx context.Context, req BetRequest, err error) {
	e.metrics.SessionPush("refund", "error")
	e.logger.ErrorContext(ctx, "refund failed",
		slog.String("session_id", req.SessionID),
		slog.String("address", req.Address),
		slog.Float64("amount", req.Amount),
		slog.String("error", err.Error()),
	)
}

// sessionClose splits a funding session at settlement. The two allocations
// always sum to what the session holds (stake plus returned). Winnings beyond
// the stake are not in the session; they are the excess, transferred from
// the house's unified balance after the close.
type sessionClose struct {
	bettor float64
	house  float64
	excess float64
}

func splitSession(stake, payout, returned float64) sessionClose {
	covered := min(payout, stake)
	return sessionClose{
		bettor: returned + covered,
		house:  stake - covered,
		excess: payout - covered,
	}
}

// payout closes every funding session touched by settlements and transfers
// winnings the session cannot cover.
func (e *Exchange) payout(settlements []domain.Settlement) {
	if e.channel == nil {
		return
	}
	type totals struct {
		address string
		payout  float64
		stake   float64
	}
	bySession := make(map[string]*totals)
	var order []string
	for _, s := range settlements {
		if s.SessionID == "" {
			continue
		}
		t, ok := bySession[s.SessionID]
		if !ok {
			t = &totals{address: s.Address}
			bySession[s.SessionID] = t
			order = append(order, s.SessionID)
		}
		t.payout += s.Payout
		t.stake += s.CostPaid
	}

	for _, sid := range order {
		t := bySession[sid]
		e.sessionTask("close_app_session", sid, func(ctx context.Context, st *sessionState) {
			split := splitSession(t.stake, t.payout, st.returned)
			_, err := e.channel.CloseAppSession(ctx, clearnode.CloseAppSessionRequest{
				AppSessionID: sid,
				Allocations: []clearnode.Allocation{
					{Participant: t.address, Asset: e.cfg.Asset, Amount: formatAmount(split.bettor)},
					{Participant: e.channel.Address(), Asset: e.cfg.Asset, Amount: formatAmount(split.house)},
				},
			})
			if err != nil {
				e.metrics.SessionPush("close", "error")
				e.logger.ErrorContext(ctx, "payout session close failed",
					slog.String("session_id", sid),
					slog.String("address", t.address),
					slog.Float64("payout", t.payout),
					slog.String("error", err.Error()),
				)
				e.notify(ctx, "payout_failed", "Payout failed",
					"session "+sid+" for "+t.address+" was not closed: "+err.Error())
				return
			}
			e.metrics.SessionPush("close", "ok")
			e.sessions.forget(sid)

			if split.excess <= 0 {
				return
			}
			_, err = e.channel.Transfer(ctx, clearnode.TransferRequest{
				Destination: t.address,
				Allocations: []clearnode.TransferAllocation{
					{Asset: e.cfg.Asset, Amount: formatAmount(split.excess)},
				},
			})
			if err != nil {
				e.metrics.SessionPush("transfer", "error")
				e.logger.ErrorContext(ctx, "winnings transfer failed",
					slog.String("session_id", sid),
					slog.String("address", t.address),
					slog.Float64("amount", split.excess),
					slog.String("error", err.Error()),
				)
				e.notify(ctx, "payout_failed", "Payout failed",
					fmt.Sprintf("winnings of %.6f for %s (session %s) were not transferred: %v", split.excess, t.address, sid, err))
				return
			}
			e.metrics.SessionPush("transfer", "ok")
		})
	}
}
