package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

var _ domain.LedgerStore = (*LedgerStore)(nil)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const positionSelectCols = `id, address, market_id, outcome, shares, cost_paid,
	session_id, session_version, session_status, created_at`

const settlementSelectCols = `id, position_id, market_id, address, outcome_bet, outcome_won,
	result, shares, cost_paid, payout, profit, session_id, settled_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var version int64
	var status string

	err := row.Scan(
		&p.ID, &p.Address, &p.MarketID, &p.Outcome,
		&p.Shares, &p.CostPaid,
		&p.SessionID, &version, &status, &p.CreatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.SessionVersion = uint64(version)
	p.SessionStatus = domain.SessionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanSettlementRows(rows pgx.Rows) ([]domain.Settlement, error) {
	defer rows.Close()
	var out []domain.Settlement
	for rows.Next() {
		var st domain.Settlement
		var result string
		if err := rows.Scan(
			&st.ID, &st.PositionID, &st.MarketID, &st.Address,
			&st.OutcomeBet, &st.OutcomeWon, &result,
			&st.Shares, &st.CostPaid, &st.Payout, &st.Profit,
			&st.SessionID, &st.SettledAt,
		); err != nil {
			return nil, err
		}
		st.Result = domain.SettlementResult(result)
		out = append(out, st)
	}
	return out, rows.Err()
}

// AddPosition inserts a new open position.
func (s *LedgerStore) AddPosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, address, market_id, outcome, shares, cost_paid,
			session_id, session_version, session_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Address, p.MarketID, p.Outcome, p.Shares, p.CostPaid,
		p.SessionID, int64(p.SessionVersion), string(p.SessionStatus), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: add position %s: %w", p.ID, err)
	}
	return nil
}

// PositionsByMarket returns the open positions on a market, oldest first.
func (s *LedgerStore) PositionsByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM positions WHERE market_id = $1
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: positions by market %s: %w", marketID, err)
	}
	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for market %s: %w", marketID, err)
	}
	return positions, nil
}

// PositionsByUser returns every open position held by address.
func (s *LedgerStore) PositionsByUser(ctx context.Context, address string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM positions WHERE address = $1
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("postgres: positions by user %s: %w", address, err)
	}
	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for user %s: %w", address, err)
	}
	return positions, nil
}

// Position returns the earliest open position address holds on marketID.
func (s *LedgerStore) Position(ctx context.Context, address, marketID string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM positions WHERE address = $1 AND market_id = $2
		ORDER BY created_at, id LIMIT 1`

	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, address, marketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %s/%s: %w", address, marketID, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: position %s/%s: %w", address, marketID, err)
	}
	return p, nil
}

// UpdateSessionVersion raises session_version on every position funded by
// the session. Older versions are ignored.
func (s *LedgerStore) UpdateSessionVersion(ctx context.Context, sessionID string, version uint64) (int64, error) {
	const query = `
		UPDATE positions SET session_version = $2
		WHERE session_id = $1 AND session_version < $2`

	tag, err := s.pool.Exec(ctx, query, sessionID, int64(version))
	if err != nil {
		return 0, fmt.Errorf("postgres: update session version %s: %w", sessionID, err)
	}
	return tag.RowsAffected(), nil
}

// UpdateSessionStatus sets session_status on every position funded by the
// session.
func (s *LedgerStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) (int64, error) {
	const query = `UPDATE positions SET session_status = $2 WHERE session_id = $1`

	tag, err := s.pool.Exec(ctx, query, sessionID, string(status))
	if err != nil {
		return 0, fmt.Errorf("postgres: update session status %s: %w", sessionID, err)
	}
	return tag.RowsAffected(), nil
}

// ArchivePositions locks the market's open positions, writes one settlement
// per position, and deletes the positions, all in one transaction.
func (s *LedgerStore) ArchivePositions(ctx context.Context, marketID string, settle domain.SettleFunc) ([]domain.Settlement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: archive market %s: begin: %w", marketID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + positionSelectCols + `
		FROM positions WHERE market_id = $1
		ORDER BY created_at, id FOR UPDATE`
	rows, err := tx.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: archive market %s: select: %w", marketID, err)
	}
	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: archive market %s: scan: %w", marketID, err)
	}

	settlements := make([]domain.Settlement, 0, len(positions))
	if len(positions) > 0 {
		const insert = `
			INSERT INTO settlements (
				id, position_id, market_id, address, outcome_bet, outcome_won,
				result, shares, cost_paid, payout, profit, session_id, settled_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

		batch := &pgx.Batch{}
		for _, p := range positions {
			st := settle(p)
			settlements = append(settlements, st)
			batch.Queue(insert,
				st.ID, st.PositionID, st.MarketID, st.Address, st.OutcomeBet, st.OutcomeWon,
				string(st.Result), st.Shares, st.CostPaid, st.Payout, st.Profit, st.SessionID, st.SettledAt,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range settlements {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return nil, fmt.Errorf("postgres: archive market %s: insert settlement %d: %w", marketID, i, err)
			}
		}
		if err := br.Close(); err != nil {
			return nil, fmt.Errorf("postgres: archive market %s: close batch: %w", marketID, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE market_id = $1`, marketID); err != nil {
		return nil, fmt.Errorf("postgres: archive market %s: delete positions: %w", marketID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: archive market %s: commit: %w", marketID, err)
	}
	return settlements, nil
}

// SettlementsByMarket returns the archive rows of one market.
func (s *LedgerStore) SettlementsByMarket(ctx context.Context, marketID string) ([]domain.Settlement, error) {
	query := `SELECT ` + settlementSelectCols + `
		FROM settlements WHERE market_id = $1
		ORDER BY settled_at, id`

	rows, err := s.pool.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: settlements by market %s: %w", marketID, err)
	}
	out, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settlements for market %s: %w", marketID, err)
	}
	return out, nil
}

// SettlementsByUser returns a bettor's settlement history, newest first.
func (s *LedgerStore) SettlementsByUser(ctx context.Context, address string, opts domain.ListOpts) ([]domain.Settlement, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	since := time.Time{}
	if opts.Since != nil {
		since = *opts.Since
	}

	query := `SELECT ` + settlementSelectCols + `
		FROM settlements WHERE address = $1 AND settled_at >= $2
		ORDER BY settled_at DESC, id
		LIMIT $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, query, address, since, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: settlements by user %s: %w", address, err)
	}
	out, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settlements for user %s: %w", address, err)
	}
	return out, nil
}

// Leaderboard ranks bettors by settled profit.
func (s *LedgerStore) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `
		SELECT address,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE result = 'WIN'),
		       COALESCE(SUM(cost_paid), 0),
		       COALESCE(SUM(profit), 0)
		FROM settlements
		GROUP BY address
		ORDER BY SUM(profit) DESC, address
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: leaderboard: %w", err)
	}
	defer rows.Close()

	var out []domain.LeaderboardEntry
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.Address, &e.Bets, &e.Wins, &e.Wagered, &e.Profit); err != nil {
			return nil, fmt.Errorf("postgres: scan leaderboard: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteOpenPositions removes every open position. Settlements are kept.
func (s *LedgerStore) DeleteOpenPositions(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("postgres: delete open positions: %w", err)
	}
	return nil
}
