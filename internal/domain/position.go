package domain

import "time"

// SessionStatus tracks the funding session that backs a position. A
// position's session moves to settling when its market closes; the position
// itself is archived on resolution.
type SessionStatus string

const (
	SessionStatusOpen     SessionStatus = "open"
	SessionStatusSettling SessionStatus = "settling"
)

// Position is one accepted bet: a bettor's open stake in one market.
type Position struct {
	ID             string        `json:"id"`
	Address        string        `json:"address"`
	MarketID       string        `json:"marketId"`
	Outcome        string        `json:"outcome"`
	Shares         float64       `json:"shares"`
	CostPaid       float64       `json:"costPaid"`
	SessionID      string        `json:"sessionId,omitempty"`
	SessionVersion uint64        `json:"sessionVersion"`
	SessionStatus  SessionStatus `json:"sessionStatus"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// SettlementResult is the outcome of a settled position.
type SettlementResult string

const (
	SettlementWin  SettlementResult = "WIN"
	SettlementLoss SettlementResult = "LOSS"
)

// Settlement is the immutable archive row produced from a Position when its
// market resolves.
type Settlement struct {
	ID         string           `json:"id"`
	PositionID string           `json:"positionId"`
	MarketID   string           `json:"marketId"`
	Address    string           `json:"address"`
	OutcomeBet string           `json:"outcomeBet"`
	OutcomeWon string           `json:"outcomeWon"`
	Result     SettlementResult `json:"result"`
	Shares     float64          `json:"shares"`
	CostPaid   float64          `json:"costPaid"`
	Payout     float64          `json:"payout"`
	Profit     float64          `json:"profit"`
	SessionID  string           `json:"sessionId,omitempty"`
	SettledAt  time.Time        `json:"settledAt"`
}

// LeaderboardEntry aggregates settled profit per bettor.
type LeaderboardEntry struct {
	Address string  `json:"address"`
	Bets    int     `json:"bets"`
	Wins    int     `json:"wins"`
	Wagered float64 `json:"wagered"`
	Profit  float64 `json:"profit"`
}
