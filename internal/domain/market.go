package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusPending  MarketStatus = "PENDING"
	MarketStatusOpen     MarketStatus = "OPEN"
	MarketStatusClosed   MarketStatus = "CLOSED"
	MarketStatusResolved MarketStatus = "RESOLVED"
)

// Market is one event that bettors trade on. Quantities has one entry per
// outcome, in the same order as Outcomes.
type Market struct {
	ID         string       `json:"id"`
	GameID     string       `json:"gameId"`
	CategoryID string       `json:"categoryId"`
	Status     MarketStatus `json:"status"`
	Outcomes   []string     `json:"outcomes"`
	Quantities []float64    `json:"quantities"`
	B          float64      `json:"b"`
	Outcome    *string      `json:"outcome,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	OpenedAt   *time.Time   `json:"openedAt,omitempty"`
	ClosedAt   *time.Time   `json:"closedAt,omitempty"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
}

// OutcomeIndex returns the index of the named outcome, or -1.
func (m Market) OutcomeIndex(outcome string) int {
	for i, o := range m.Outcomes {
		if o == outcome {
			return i
		}
	}
	return -1
}

// Clone returns a copy that shares no slices or pointers with m.
func (m Market) Clone() Market {
	c := m
	c.Outcomes = append([]string(nil), m.Outcomes...)
	c.Quantities = append([]float64(nil), m.Quantities...)
	if m.Outcome != nil {
		o := *m.Outcome
		c.Outcome = &o
	}
	c.OpenedAt = cloneTime(m.OpenedAt)
	c.ClosedAt = cloneTime(m.ClosedAt)
	c.ResolvedAt = cloneTime(m.ResolvedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
