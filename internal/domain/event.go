package domain

import "time"

// EventType discriminates realtime messages pushed to connected clients.
type EventType string

const (
	EventOddsUpdate            EventType = "ODDS_UPDATE"
	EventMarketStatus          EventType = "MARKET_STATUS"
	EventGameState             EventType = "GAME_STATE"
	EventBetResult             EventType = "BET_RESULT"
	EventPositionAdded         EventType = "POSITION_ADDED"
	EventSessionVersionUpdated EventType = "SESSION_VERSION_UPDATED"
	EventConnectionCount       EventType = "CONNECTION_COUNT"
)

// Event is a realtime message. Every implementation serialises to one JSON
// object carrying a "type" field.
type Event interface {
	EventType() EventType
}

// OddsUpdate announces new prices and quantities for a market.
type OddsUpdate struct {
	Type       EventType `json:"type"`
	MarketID   string    `json:"marketId"`
	Outcomes   []string  `json:"outcomes"`
	Prices     []float64 `json:"prices"`
	Quantities []float64 `json:"quantities"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewOddsUpdate(m Market, prices []float64, at time.Time) OddsUpdate {
	return OddsUpdate{
		Type:       EventOddsUpdate,
		MarketID:   m.ID,
		Outcomes:   append([]string(nil), m.Outcomes...),
		Prices:     prices,
		Quantities: append([]float64(nil), m.Quantities...),
		Timestamp:  at,
	}
}

func (OddsUpdate) EventType() EventType { return EventOddsUpdate }

// MarketStatusEvent announces a lifecycle transition.
type MarketStatusEvent struct {
	Type      EventType    `json:"type"`
	MarketID  string       `json:"marketId"`
	GameID    string       `json:"gameId"`
	Status    MarketStatus `json:"status"`
	Outcome   *string      `json:"outcome,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func NewMarketStatus(m Market, at time.Time) MarketStatusEvent {
	return MarketStatusEvent{
		Type:      EventMarketStatus,
		MarketID:  m.ID,
		GameID:    m.GameID,
		Status:    m.Status,
		Outcome:   m.Outcome,
		Timestamp: at,
	}
}

func (MarketStatusEvent) EventType() EventType { return EventMarketStatus }

// GameStateEvent carries the oracle's active flag.
type GameStateEvent struct {
	Type      EventType `json:"type"`
	Active    bool      `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

func NewGameState(active bool, at time.Time) GameStateEvent {
	return GameStateEvent{Type: EventGameState, Active: active, Timestamp: at}
}

func (GameStateEvent) EventType() EventType { return EventGameState }

// BetResultEvent is sent to a single bettor after resolution.
type BetResultEvent struct {
	Type      EventType        `json:"type"`
	MarketID  string           `json:"marketId"`
	Address   string           `json:"address"`
	Outcome   string           `json:"outcome"`
	Result    SettlementResult `json:"result"`
	Shares    float64          `json:"shares"`
	CostPaid  float64          `json:"costPaid"`
	Payout    float64          `json:"payout"`
	Loss      float64          `json:"loss"`
	Timestamp time.Time        `json:"timestamp"`
}

func NewBetResult(s Settlement) BetResultEvent {
	var loss float64
	if s.Result == SettlementLoss {
		loss = s.CostPaid
	}
	return BetResultEvent{
		Type:      EventBetResult,
		MarketID:  s.MarketID,
		Address:   s.Address,
		Outcome:   s.OutcomeBet,
		Result:    s.Result,
		Shares:    s.Shares,
		CostPaid:  s.CostPaid,
		Payout:    s.Payout,
		Loss:      loss,
		Timestamp: s.SettledAt,
	}
}

func (BetResultEvent) EventType() EventType { return EventBetResult }

// PositionAddedEvent announces an accepted bet and the running position
// count on its market.
type PositionAddedEvent struct {
	Type       EventType `json:"type"`
	MarketID   string    `json:"marketId"`
	PositionID string    `json:"positionId"`
	Address    string    `json:"address"`
	Outcome    string    `json:"outcome"`
	Shares     float64   `json:"shares"`
	CostPaid   float64   `json:"costPaid"`
	Count      int       `json:"count"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewPositionAdded(p Position, count int) PositionAddedEvent {
	return PositionAddedEvent{
		Type:       EventPositionAdded,
		MarketID:   p.MarketID,
		PositionID: p.ID,
		Address:    p.Address,
		Outcome:    p.Outcome,
		Shares:     p.Shares,
		CostPaid:   p.CostPaid,
		Count:      count,
		Timestamp:  p.CreatedAt,
	}
}

func (PositionAddedEvent) EventType() EventType { return EventPositionAdded }

// SessionVersionEvent announces a countersigned funding-session state.
type SessionVersionEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Address   string    `json:"address"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func NewSessionVersion(sessionID, address string, version uint64, at time.Time) SessionVersionEvent {
	return SessionVersionEvent{
		Type:      EventSessionVersionUpdated,
		SessionID: sessionID,
		Address:   address,
		Version:   version,
		Timestamp: at,
	}
}

func (SessionVersionEvent) EventType() EventType { return EventSessionVersionUpdated }

// ConnectionCountEvent reports the number of registered connections.
type ConnectionCountEvent struct {
	Type  EventType `json:"type"`
	Count int       `json:"count"`
}

func NewConnectionCount(n int) ConnectionCountEvent {
	return ConnectionCountEvent{Type: EventConnectionCount, Count: n}
}

func (ConnectionCountEvent) EventType() EventType { return EventConnectionCount }
