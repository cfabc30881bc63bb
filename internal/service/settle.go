package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/market"
)

// Resolve settles the current market with outcome.
func (e *Exchange) Resolve(ctx context.Context, outcome string) (market.Resolution, error) {
	id, err := e.currentID()
	if err != nil {
		return market.Resolution{}, err
	}
	return e.ResolveMarket(ctx, id, outcome)
}

// ResolveMarket moves a CLOSED market to RESOLVED, archives its positions
// as settlements and tells every bettor how they fared. It runs under the
// same market lock as bet acceptance, plus the distributed settlement lock
// when one is configured.
//
// If archiving fails after the market has resolved, the resolution is still
// returned together with the error; Settle re-runs the archive.
func (e *Exchange) ResolveMarket(ctx context.Context, id, outcome string) (market.Resolution, error) {
	unlock := e.markets.Lock(id)
	defer unlock()

	release, err := e.acquireSettlement(ctx, id)
	if err != nil {
		return market.Resolution{}, err
	}
	defer release()

	positions, err := e.ledger.GetByMarket(ctx, id)
	if err != nil {
		return market.Resolution{}, fmt.Errorf("exchange: resolve %s: %w", id, err)
	}
	res, err := e.markets.Resolve(id, outcome, positions)
	if err != nil {
		return market.Resolution{}, fmt.Errorf("exchange: resolve %s: %w", id, err)
	}
	e.metrics.MarketTransition(string(res.Market.Status))

	settlements, cerr := e.ledger.ClearPositions(ctx, res.Market)
	e.hub.Broadcast(domain.NewMarketStatus(res.Market, e.now()))
	e.persist(ctx, res.Market)

	e.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", id),
		slog.String("outcome", outcome),
		slog.Int("winners", len(res.Winners)),
		slog.Int("losers", len(res.Losers)),
		slog.Float64("total_payout", res.TotalPayout),
	)

	if cerr != nil {
		e.logger.ErrorContext(ctx, "settlement archive failed", slog.String("market_id", id), slog.String("error", cerr.Error()))
		e.background("notify", func(ctx context.Context) {
			e.notify(ctx, "settlement_failed", "Settlement failed",
				fmt.Sprintf("market %s resolved %s but positions were not archived: %v", id, outcome, cerr))
		})
		return res, fmt.Errorf("exchange: market %s resolved but not archived: %w", id, cerr)
	}

	e.afterSettlement(res.Market, settlements)
	e.background("notify", func(ctx context.Context) {
		e.notify(ctx, "market_resolved", "Market resolved",
			fmt.Sprintf("%s resolved %s: %d winners, %d losers, payout %.2f",
				id, outcome, len(res.Winners), len(res.Losers), res.TotalPayout))
	})
	return res, nil
}

// Settle archives whatever open positions remain on a resolved market. It
// is the recovery path after a failed archive and is a no-op otherwise.
func (e *Exchange) Settle(ctx context.Context, id string) ([]domain.Settlement, error) {
	unlock := e.markets.Lock(id)
	defer unlock()

	release, err := e.acquireSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := e.markets.Get(id)
	if err != nil {
		return nil, err
	}
	settlements, err := e.ledger.ClearPositions(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("exchange: settle %s: %w", id, err)
	}
	if len(settlements) > 0 {
		e.afterSettlement(m, settlements)
	}
	return settlements, nil
}

// afterSettlement sends targeted results, then archives the batch and pays
// out funding sessions in the background. Caller holds the market lock.
func (e *Exchange) afterSettlement(m domain.Market, settlements []domain.Settlement) {
	for _, s := range settlements {
		e.hub.SendTo(s.Address, domain.NewBetResult(s))
		e.metrics.Settled(string(s.Result), s.Payout)
	}
	if len(settlements) == 0 {
		return
	}

	if e.archiver != nil {
		e.background("archive", func(ctx context.Context) {
			path, err := e.archiver.ArchiveSettlements(ctx, m, settlements)
			if err != nil {
				e.logger.ErrorContext(ctx, "settlement upload failed",
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			e.logger.InfoContext(ctx, "settlements archived",
				slog.String("market_id", m.ID),
				slog.String("path", path),
			)
		})
	}
	e.payout(settlements)
}

// acquireSettlement takes the distributed settlement lock when configured.
func (e *Exchange) acquireSettlement(ctx context.Context, id string) (func(), error) {
	if e.locks == nil {
		return func() {}, nil
	}
	release, err := e.locks.Acquire(ctx, "settle:"+id, e.cfg.SettlementLockTTL)
	if err != nil {
		return nil, fmt.Errorf("exchange: settlement lock %s: %w", id, err)
	}
	return release, nil
}

func sessionIDs(positions []domain.Position) map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range positions {
		if p.SessionID != "" {
			out[p.SessionID] = struct{}{}
		}
	}
	return out
}
