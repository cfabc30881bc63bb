package market

import (
	"fmt"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// Payout is one position's share of a resolution.
type Payout struct {
	Position domain.Position
	Payout   float64
	Loss     float64
}

// Resolution is the partition of a market's open positions at resolve time.
type Resolution struct {
	Market      domain.Market
	Winners     []Payout
	Losers      []Payout
	TotalPayout float64
	TotalLoss   float64
}

// Resolve moves a CLOSED market to RESOLVED with the given outcome and
// partitions positions into winners (payout = shares) and losers (loss =
// cost paid). It does not archive anything; that is the caller's job.
func (m *Manager) Resolve(id, outcome string, positions []domain.Position) (Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mk, ok := m.markets[id]
	if !ok {
		return Resolution{}, &domain.NotFoundError{Entity: "market", ID: id}
	}
	if mk.Status != domain.MarketStatusClosed {
		return Resolution{}, &domain.StateConflictError{
			Entity: "market", ID: id, Current: string(mk.Status), Requested: string(domain.MarketStatusResolved),
		}
	}
	if mk.OutcomeIndex(outcome) < 0 {
		return Resolution{}, &domain.ValidationError{
			Field:  "outcome",
			Reason: fmt.Sprintf("%q is not one of %v", outcome, mk.Outcomes),
		}
	}
	for _, p := range positions {
		if p.MarketID != id {
			return Resolution{}, &domain.ValidationError{
				Field:  "positions",
				Reason: fmt.Sprintf("position %s belongs to market %s", p.ID, p.MarketID),
			}
		}
	}

	at := m.now()
	won := outcome
	mk.Status = domain.MarketStatusResolved
	mk.Outcome = &won
	mk.ResolvedAt = &at

	res := Resolution{Market: mk.Clone()}
	for _, p := range positions {
		if p.Outcome == outcome {
			res.Winners = append(res.Winners, Payout{Position: p, Payout: p.Shares})
			res.TotalPayout += p.Shares
		} else {
			res.Losers = append(res.Losers, Payout{Position: p, Loss: p.CostPaid})
			res.TotalLoss += p.CostPaid
		}
	}
	return res, nil
}
