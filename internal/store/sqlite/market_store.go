package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

var _ domain.MarketStore = (*MarketStore)(nil)

// MarketStore implements domain.MarketStore on SQLite. Outcome labels and
// quantities are stored as JSON arrays.
type MarketStore struct {
	db *sql.DB
}

// NewMarketStore returns a MarketStore on the opened database.
func NewMarketStore(d *DB) *MarketStore {
	return &MarketStore{db: d.db}
}

const marketCols = `id, game_id, category_id, status, outcomes, quantities,
	liquidity, outcome, created_at, opened_at, closed_at, resolved_at`

func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return fmt.Errorf("sqlite: upsert market %s: encode outcomes: %w", m.ID, err)
	}
	quantities, err := json.Marshal(m.Quantities)
	if err != nil {
		return fmt.Errorf("sqlite: upsert market %s: encode quantities: %w", m.ID, err)
	}
	var outcome sql.NullString
	if m.Outcome != nil {
		outcome = sql.NullString{String: *m.Outcome, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO markets (`+marketCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status      = excluded.status,
			quantities  = excluded.quantities,
			outcome     = excluded.outcome,
			opened_at   = excluded.opened_at,
			closed_at   = excluded.closed_at,
			resolved_at = excluded.resolved_at`,
		m.ID, m.GameID, m.CategoryID, string(m.Status), string(outcomes), string(quantities),
		m.B, outcome, toNanos(m.CreatedAt),
		toNullNanos(m.OpenedAt), toNullNanos(m.ClosedAt), toNullNanos(m.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert market %s: %w", m.ID, err)
	}
	return nil
}

func scanMarket(row scanner) (domain.Market, error) {
	var m domain.Market
	var status, outcomes, quantities string
	var outcome sql.NullString
	var created int64
	var opened, closed, resolved sql.NullInt64
	if err := row.Scan(
		&m.ID, &m.GameID, &m.CategoryID, &status, &outcomes, &quantities,
		&m.B, &outcome, &created, &opened, &closed, &resolved,
	); err != nil {
		return domain.Market{}, err
	}
	if err := json.Unmarshal([]byte(outcomes), &m.Outcomes); err != nil {
		return domain.Market{}, fmt.Errorf("decode outcomes: %w", err)
	}
	if err := json.Unmarshal([]byte(quantities), &m.Quantities); err != nil {
		return domain.Market{}, fmt.Errorf("decode quantities: %w", err)
	}
	m.Status = domain.MarketStatus(status)
	if outcome.Valid {
		o := outcome.String
		m.Outcome = &o
	}
	m.CreatedAt = fromNanos(created)
	m.OpenedAt = fromNullNanos(opened)
	m.ClosedAt = fromNullNanos(closed)
	m.ResolvedAt = fromNullNanos(resolved)
	return m, nil
}

func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.db.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("sqlite: get market %s: %w", id, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("sqlite: get market %s: %w", id, err)
	}
	return m, nil
}

func (s *MarketStore) ListByGame(ctx context.Context, gameID string) ([]domain.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+marketCols+` FROM markets WHERE game_id = ? ORDER BY created_at, id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets for game %s: %w", gameID, err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
