// Package ledger records accepted bets as open positions and archives them
// into immutable settlement rows when their market resolves.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// Ledger is the position and settlement ledger over a persistent store.
type Ledger struct {
	store  domain.LedgerStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger backed by store.
func New(store domain.LedgerStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With(slog.String("component", "ledger")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AddPosition records a new open position. It assigns the id, creation time
// and session status when the caller leaves them empty. There is no dedup:
// every accepted bet is its own position.
func (l *Ledger) AddPosition(ctx context.Context, p domain.Position) (domain.Position, error) {
	switch {
	case p.Address == "":
		return domain.Position{}, &domain.ValidationError{Field: "address", Reason: "required"}
	case p.MarketID == "":
		return domain.Position{}, &domain.ValidationError{Field: "market_id", Reason: "required"}
	case p.Outcome == "":
		return domain.Position{}, &domain.ValidationError{Field: "outcome", Reason: "required"}
	case !(p.Shares > 0) || !(p.CostPaid > 0):
		return domain.Position{}, &domain.ValidationError{Field: "position", Reason: "shares and cost must be positive"}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = l.now()
	}
	if p.SessionStatus == "" {
		p.SessionStatus = domain.SessionStatusOpen
	}
	if err := l.store.AddPosition(ctx, p); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: add position: %w", err)
	}
	return p, nil
}

// GetByMarket returns the open positions on a market.
func (l *Ledger) GetByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	return l.store.PositionsByMarket(ctx, marketID)
}

// GetByUser returns the open positions held by address.
func (l *Ledger) GetByUser(ctx context.Context, address string) ([]domain.Position, error) {
	return l.store.PositionsByUser(ctx, address)
}

// GetOne returns address's first open position on marketID.
func (l *Ledger) GetOne(ctx context.Context, address, marketID string) (domain.Position, error) {
	return l.store.Position(ctx, address, marketID)
}

// UpdateSessionVersion records a countersigned session version on the
// positions it funds. An unknown or stale session id is a no-op, logged
// apart from a real update.
func (l *Ledger) UpdateSessionVersion(ctx context.Context, sessionID string, version uint64) error {
	n, err := l.store.UpdateSessionVersion(ctx, sessionID, version)
	if err != nil {
		return fmt.Errorf("ledger: update session version: %w", err)
	}
	if n == 0 {
		l.logger.Warn("ledger: session version update matched no position",
			slog.String("session_id", sessionID),
			slog.Uint64("version", version),
		)
		return nil
	}
	l.logger.Debug("ledger: session version updated",
		slog.String("session_id", sessionID),
		slog.Uint64("version", version),
		slog.Int64("positions", n),
	)
	return nil
}

// UpdateSessionStatus sets the funding-session status of the positions it
// funds. An unknown session id is a no-op.
func (l *Ledger) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	n, err := l.store.UpdateSessionStatus(ctx, sessionID, status)
	if err != nil {
		return fmt.Errorf("ledger: update session status: %w", err)
	}
	if n == 0 {
		l.logger.Warn("ledger: session status update matched no position",
			slog.String("session_id", sessionID),
			slog.String("status", string(status)),
		)
		return nil
	}
	l.logger.Debug("ledger: session status updated",
		slog.String("session_id", sessionID),
		slog.String("status", string(status)),
		slog.Int64("positions", n),
	)
	return nil
}

// Settle builds the settlement row for p given the winning outcome.
func Settle(p domain.Position, outcomeWon string, at time.Time) domain.Settlement {
	st := domain.Settlement{
		ID:         uuid.NewString(),
		PositionID: p.ID,
		MarketID:   p.MarketID,
		Address:    p.Address,
		OutcomeBet: p.Outcome,
		OutcomeWon: outcomeWon,
		Result:     domain.SettlementLoss,
		Shares:     p.Shares,
		CostPaid:   p.CostPaid,
		SessionID:  p.SessionID,
		SettledAt:  at,
	}
	if p.Outcome == outcomeWon {
		st.Result = domain.SettlementWin
		st.Payout = p.Shares
	}
	st.Profit = st.Payout - st.CostPaid
	return st
}

// ClearPositions archives every open position of a resolved market and
// removes them. The store does both in one transaction, so no position is
// ever visible as open and archived at once. Running it again on the same
// market archives nothing.
func (l *Ledger) ClearPositions(ctx context.Context, m domain.Market) ([]domain.Settlement, error) {
	if m.Status != domain.MarketStatusResolved || m.Outcome == nil {
		return nil, &domain.StateConflictError{
			Entity: "market", ID: m.ID, Current: string(m.Status), Requested: "settlement",
		}
	}

	at := l.now()
	won := *m.Outcome
	settlements, err := l.store.ArchivePositions(ctx, m.ID, func(p domain.Position) domain.Settlement {
		return Settle(p, won, at)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: clear positions: %w", err)
	}

	l.logger.Info("ledger: market settled",
		slog.String("market_id", m.ID),
		slog.String("outcome", won),
		slog.Int("settlements", len(settlements)),
	)
	return settlements, nil
}

// SettlementsByMarket returns the archived rows of one market.
func (l *Ledger) SettlementsByMarket(ctx context.Context, marketID string) ([]domain.Settlement, error) {
	return l.store.SettlementsByMarket(ctx, marketID)
}

// SettlementsByUser returns a bettor's settlement history.
func (l *Ledger) SettlementsByUser(ctx context.Context, address string, opts domain.ListOpts) ([]domain.Settlement, error) {
	return l.store.SettlementsByUser(ctx, address, opts)
}

// Leaderboard ranks bettors by settled profit.
func (l *Ledger) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	return l.store.Leaderboard(ctx, limit)
}

// Reset drops every open position. Settlement history is kept.
func (l *Ledger) Reset(ctx context.Context) error {
	if err := l.store.DeleteOpenPositions(ctx); err != nil {
		return fmt.Errorf("ledger: reset: %w", err)
	}
	return nil
}
