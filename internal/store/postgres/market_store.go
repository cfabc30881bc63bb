package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

var _ domain.MarketStore = (*MarketStore)(nil)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `id, game_id, category_id, status, outcomes, quantities,
	liquidity, outcome, created_at, opened_at, closed_at, resolved_at`

// Upsert inserts or updates a market snapshot.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, game_id, category_id, status, outcomes, quantities,
			liquidity, outcome, created_at, opened_at, closed_at, resolved_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status      = EXCLUDED.status,
			quantities  = EXCLUDED.quantities,
			outcome     = EXCLUDED.outcome,
			opened_at   = EXCLUDED.opened_at,
			closed_at   = EXCLUDED.closed_at,
			resolved_at = EXCLUDED.resolved_at,
			updated_at  = NOW()`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.GameID, m.CategoryID, string(m.Status), m.Outcomes, m.Quantities,
		m.B, m.Outcome, m.CreatedAt, m.OpenedAt, m.ClosedAt, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status string
	err := row.Scan(
		&m.ID, &m.GameID, &m.CategoryID, &status, &m.Outcomes, &m.Quantities,
		&m.B, &m.Outcome, &m.CreatedAt, &m.OpenedAt, &m.ClosedAt, &m.ResolvedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	return m, nil
}

// GetByID retrieves a market by its id.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE id = $1`

	m, err := scanMarket(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// ListByGame returns a game's markets in creation order.
func (s *MarketStore) ListByGame(ctx context.Context, gameID string) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + `
		FROM markets WHERE game_id = $1 ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, gameID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets for game %s: %w", gameID, err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
