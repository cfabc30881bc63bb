package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

var _ domain.LedgerStore = (*LedgerStore)(nil)

// LedgerStore implements domain.LedgerStore on SQLite.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore returns a LedgerStore on the opened database.
func NewLedgerStore(d *DB) *LedgerStore {
	return &LedgerStore{db: d.db}
}

const positionCols = `id, address, market_id, outcome, shares, cost_paid,
	session_id, session_version, session_status, created_at`

const settlementCols = `id, position_id, market_id, address, outcome_bet, outcome_won,
	result, shares, cost_paid, payout, profit, session_id, settled_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (domain.Position, error) {
	var p domain.Position
	var version, created int64
	var status string
	if err := row.Scan(
		&p.ID, &p.Address, &p.MarketID, &p.Outcome, &p.Shares, &p.CostPaid,
		&p.SessionID, &version, &status, &created,
	); err != nil {
		return domain.Position{}, err
	}
	p.SessionVersion = uint64(version)
	p.SessionStatus = domain.SessionStatus(status)
	p.CreatedAt = fromNanos(created)
	return p, nil
}

func scanPositions(rows *sql.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanSettlements(rows *sql.Rows) ([]domain.Settlement, error) {
	defer rows.Close()
	var out []domain.Settlement
	for rows.Next() {
		var st domain.Settlement
		var result string
		var settled int64
		if err := rows.Scan(
			&st.ID, &st.PositionID, &st.MarketID, &st.Address, &st.OutcomeBet, &st.OutcomeWon,
			&result, &st.Shares, &st.CostPaid, &st.Payout, &st.Profit, &st.SessionID, &settled,
		); err != nil {
			return nil, err
		}
		st.Result = domain.SettlementResult(result)
		st.SettledAt = fromNanos(settled)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *LedgerStore) AddPosition(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (`+positionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Address, p.MarketID, p.Outcome, p.Shares, p.CostPaid,
		p.SessionID, int64(p.SessionVersion), string(p.SessionStatus), toNanos(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: add position %s: %w", p.ID, err)
	}
	return nil
}

func (s *LedgerStore) PositionsByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = ? ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: positions by market %s: %w", marketID, err)
	}
	out, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan positions for market %s: %w", marketID, err)
	}
	return out, nil
}

func (s *LedgerStore) PositionsByUser(ctx context.Context, address string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE address = ? ORDER BY created_at, id`, address)
	if err != nil {
		return nil, fmt.Errorf("sqlite: positions by user %s: %w", address, err)
	}
	out, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan positions for user %s: %w", address, err)
	}
	return out, nil
}

func (s *LedgerStore) Position(ctx context.Context, address, marketID string) (domain.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE address = ? AND market_id = ?
		 ORDER BY created_at, id LIMIT 1`, address, marketID)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("sqlite: position %s/%s: %w", address, marketID, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("sqlite: position %s/%s: %w", address, marketID, err)
	}
	return p, nil
}

func (s *LedgerStore) UpdateSessionVersion(ctx context.Context, sessionID string, version uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET session_version = ? WHERE session_id = ? AND session_version < ?`,
		int64(version), sessionID, int64(version))
	if err != nil {
		return 0, fmt.Errorf("sqlite: update session version %s: %w", sessionID, err)
	}
	return res.RowsAffected()
}

func (s *LedgerStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET session_status = ? WHERE session_id = ?`, string(status), sessionID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: update session status %s: %w", sessionID, err)
	}
	return res.RowsAffected()
}

func (s *LedgerStore) ArchivePositions(ctx context.Context, marketID string, settle domain.SettleFunc) ([]domain.Settlement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: archive market %s: begin: %w", marketID, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = ? ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: archive market %s: select: %w", marketID, err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: archive market %s: scan: %w", marketID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO settlements (`+settlementCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: archive market %s: prepare: %w", marketID, err)
	}
	defer stmt.Close()

	settlements := make([]domain.Settlement, 0, len(positions))
	for _, p := range positions {
		st := settle(p)
		if _, err := stmt.ExecContext(ctx,
			st.ID, st.PositionID, st.MarketID, st.Address, st.OutcomeBet, st.OutcomeWon,
			string(st.Result), st.Shares, st.CostPaid, st.Payout, st.Profit, st.SessionID, toNanos(st.SettledAt),
		); err != nil {
			return nil, fmt.Errorf("sqlite: archive market %s: insert settlement for %s: %w", marketID, p.ID, err)
		}
		settlements = append(settlements, st)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE market_id = ?`, marketID); err != nil {
		return nil, fmt.Errorf("sqlite: archive market %s: delete positions: %w", marketID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: archive market %s: commit: %w", marketID, err)
	}
	return settlements, nil
}

func (s *LedgerStore) SettlementsByMarket(ctx context.Context, marketID string) ([]domain.Settlement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+settlementCols+` FROM settlements WHERE market_id = ? ORDER BY settled_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: settlements by market %s: %w", marketID, err)
	}
	out, err := scanSettlements(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan settlements for market %s: %w", marketID, err)
	}
	return out, nil
}

func (s *LedgerStore) SettlementsByUser(ctx context.Context, address string, opts domain.ListOpts) ([]domain.Settlement, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	var since int64
	if opts.Since != nil {
		since = toNanos(*opts.Since)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+settlementCols+` FROM settlements
		 WHERE address = ? AND settled_at >= ?
		 ORDER BY settled_at DESC, id LIMIT ? OFFSET ?`,
		address, since, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: settlements by user %s: %w", address, err)
	}
	out, err := scanSettlements(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan settlements for user %s: %w", address, err)
	}
	return out, nil
}

func (s *LedgerStore) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT address,
		       COUNT(*),
		       SUM(CASE WHEN result = 'WIN' THEN 1 ELSE 0 END),
		       COALESCE(SUM(cost_paid), 0),
		       COALESCE(SUM(profit), 0) AS total_profit
		FROM settlements
		GROUP BY address
		ORDER BY total_profit DESC, address
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: leaderboard: %w", err)
	}
	defer rows.Close()

	var out []domain.LeaderboardEntry
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.Address, &e.Bets, &e.Wins, &e.Wagered, &e.Profit); err != nil {
			return nil, fmt.Errorf("sqlite: scan leaderboard: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *LedgerStore) DeleteOpenPositions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("sqlite: delete open positions: %w", err)
	}
	return nil
}
