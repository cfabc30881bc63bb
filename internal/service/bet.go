package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/lmsr"
)

// BetRequest is one bettor's order for shares of an outcome.
type BetRequest struct {
	Address        string  `json:"address"`
	MarketID       string  `json:"marketId"`
	Outcome        string  `json:"outcome"`
	Amount         float64 `json:"amount"`
	SessionID      string  `json:"appSessionId"`
	SessionVersion uint64  `json:"appSessionVersion"`
}

// BetResult is returned for accepted and rejected bets alike.
type BetResult struct {
	Accepted bool             `json:"accepted"`
	Shares   float64          `json:"shares,omitempty"`
	Prices   []float64        `json:"newPrices,omitempty"`
	Position *domain.Position `json:"position,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

func rejected(err error) BetResult {
	return BetResult{Reason: domain.Reason(err)}
}

func normalizeAddress(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

func (e *Exchange) validateBet(req *BetRequest) error {
	req.Address = normalizeAddress(req.Address)
	req.Outcome = strings.TrimSpace(req.Outcome)
	switch {
	case !common.IsHexAddress(req.Address):
		return &domain.ValidationError{Field: "address", Reason: "must be a hex address"}
	case req.Outcome == "":
		return &domain.ValidationError{Field: "outcome", Reason: "required"}
	case math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount <= 0:
		return &domain.ValidationError{Field: "amount", Reason: "must be a positive number"}
	case e.cfg.MinBet > 0 && req.Amount < e.cfg.MinBet:
		return &domain.ValidationError{Field: "amount", Reason: fmt.Sprintf("below minimum %g", e.cfg.MinBet)}
	case e.cfg.MaxBet > 0 && req.Amount > e.cfg.MaxBet:
		return &domain.ValidationError{Field: "amount", Reason: fmt.Sprintf("above maximum %g", e.cfg.MaxBet)}
	}
	return nil
}

// PlaceBet prices and records a bet. The market's quantity update, the
// position write, the market snapshot and the ODDS_UPDATE broadcast all
// happen under the market's lock, so a concurrent close or resolve observes either all of them or none.
// The funding-session update runs afterwards in the background and never
// unwinds an accepted bet.
func (e *Exchange) PlaceBet(ctx context.Context, req BetRequest) (BetResult, error) {
	if err := e.validateBet(&req); err != nil {
		return e.reject(ctx, req, err)
	}
	if req.MarketID == "" {
		id, err := e.currentID()
		if err != nil {
			return e.reject(ctx, req, err)
		}
		req.MarketID = id
	}
	if err := e.allow(ctx, req.Address); err != nil {
		return e.reject(ctx, req, err)
	}

	res, err := e.placeLocked(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) && req.SessionID != "" {
			e.refund(req)
		}
		return e.reject(ctx, req, err)
	}

	e.metrics.BetAccepted(req.Outcome, req.Amount)
	e.cacheOdds(ctx, req.MarketID, res.Prices, res.Position.CreatedAt)
	if req.SessionID != "" {
		e.pushBetState(*res.Position)
	}

	e.logger.InfoContext(ctx, "bet accepted",
		slog.String("market_id", req.MarketID),
		slog.String("address", req.Address),
		slog.String("outcome", req.Outcome),
		slog.Float64("amount", req.Amount),
		slog.Float64("shares", res.Shares),
	)
	return res, nil
}

func (e *Exchange) placeLocked(ctx context.Context, req BetRequest) (BetResult, error) {
	unlock := e.markets.Lock(req.MarketID)
	defer unlock()

	m, err := e.markets.Get(req.MarketID)
	if err != nil {
		return BetResult{}, err
	}
	if m.Status != domain.MarketStatusOpen {
		return BetResult{}, &domain.StateConflictError{
			Entity: "market", ID: m.ID, Current: string(m.Status), Requested: "bet",
		}
	}
	idx := m.OutcomeIndex(req.Outcome)
	if idx < 0 {
		return BetResult{}, &domain.ValidationError{
			Field:  "outcome",
			Reason: fmt.Sprintf("%q is not one of %v", req.Outcome, m.Outcomes),
		}
	}

	shares := lmsr.SharesForCost(m.Quantities, m.B, idx, req.Amount)
	if !(shares > 0) || math.IsInf(shares, 0) {
		return BetResult{}, &domain.ValidationError{Field: "amount", Reason: "buys no shares at current prices"}
	}
	q := lmsr.ApplyPurchase(m.Quantities, idx, shares)
	updated, err := e.markets.UpdateQuantities(m.ID, q)
	if err != nil {
		return BetResult{}, err
	}

	pos, err := e.ledger.AddPosition(ctx, domain.Position{
		Address:        req.Address,
		MarketID:       m.ID,
		Outcome:        req.Outcome,
		Shares:         shares,
		CostPaid:       req.Amount,
		SessionID:      req.SessionID,
		SessionVersion: req.SessionVersion,
	})
	if err != nil {
		if _, rerr := e.markets.UpdateQuantities(m.ID, m.Quantities); rerr != nil {
			e.logger.ErrorContext(ctx, "quantity rollback failed",
				slog.String("market_id", m.ID),
				slog.String("error", rerr.Error()),
			)
		}
		return BetResult{}, err
	}

	if pos.SessionID != "" {
		e.sessions.accept(pos.SessionID)
	}
	e.persist(ctx, updated)

	prices := lmsr.Prices(q, m.B)
	count := 0
	if open, err := e.ledger.GetByMarket(ctx, m.ID); err == nil {
		count = len(open)
	}
	e.hub.Broadcast(domain.NewOddsUpdate(updated, prices, pos.CreatedAt))
	e.hub.Broadcast(domain.NewPositionAdded(pos, count))

	return BetResult{Accepted: true, Shares: shares, Prices: prices, Position: &pos}, nil
}

// allow applies the per-address bet rate. A limiter outage lets bets through.
func (e *Exchange) allow(ctx context.Context, address string) error {
	if e.limiter == nil || e.cfg.BetRateLimit <= 0 {
		return nil
	}
	ok, err := e.limiter.Allow(ctx, "bets:"+address, e.cfg.BetRateLimit, e.cfg.BetRateWindow)
	if err != nil {
		e.logger.WarnContext(ctx, "bet rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return fmt.Errorf("exchange: %d bets per %s: %w", e.cfg.BetRateLimit, e.cfg.BetRateWindow, domain.ErrRateLimited)
	}
	return nil
}

func (e *Exchange) reject(ctx context.Context, req BetRequest, err error) (BetResult, error) {
	res := rejected(err)
	e.metrics.BetRejected(res.Reason)
	e.logger.InfoContext(ctx, "bet rejected",
		slog.String("market_id", req.MarketID),
		slog.String("address", req.Address),
		slog.String("reason", res.Reason),
		slog.String("error", err.Error()),
	)
	return res, err
}
