package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// SettleFunc turns an open position into its settlement row.
type SettleFunc func(Position) Settlement

// LedgerStore persists open positions and the settlement archive.
type LedgerStore interface {
	AddPosition(ctx context.Context, pos Position) error
	PositionsByMarket(ctx context.Context, marketID string) ([]Position, error)
	PositionsByUser(ctx context.Context, address string) ([]Position, error)
	// Position returns the earliest open position the address holds on the
	// market.
	Position(ctx context.Context, address, marketID string) (Position, error)
	// UpdateSessionVersion raises the version of every position funded by
	// the session. Versions never move backwards. Returns rows changed.
	UpdateSessionVersion(ctx context.Context, sessionID string, version uint64) (int64, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) (int64, error)
	// ArchivePositions moves every open position on the market into the
	// settlement archive in one transaction.
	ArchivePositions(ctx context.Context, marketID string, settle SettleFunc) ([]Settlement, error)
	SettlementsByMarket(ctx context.Context, marketID string) ([]Settlement, error)
	SettlementsByUser(ctx context.Context, address string, opts ListOpts) ([]Settlement, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
	// DeleteOpenPositions drops every open position. The archive is kept.
	DeleteOpenPositions(ctx context.Context) error
}

// MarketStore persists market snapshots for history and restarts.
type MarketStore interface {
	Upsert(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ListByGame(ctx context.Context, gameID string) ([]Market, error)
}
