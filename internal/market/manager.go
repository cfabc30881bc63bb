// Package market owns market records and their lifecycle:
// PENDING -> OPEN -> CLOSED -> RESOLVED.
//
// The Manager is pure state and arithmetic. It never performs I/O, so every
// method is safe to call while holding the market's critical-section lock
// (see Manager.Lock).
package market

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/lmsr"
)

// transitions lists the single legal successor of each state.
var transitions = map[domain.MarketStatus]domain.MarketStatus{
	domain.MarketStatusPending: domain.MarketStatusOpen,
	domain.MarketStatusOpen:    domain.MarketStatusClosed,
	domain.MarketStatusClosed:  domain.MarketStatusResolved,
}

// Config holds the defaults applied to new markets.
type Config struct {
	DefaultB        float64
	DefaultOutcomes []string
}

// NewMarket describes a market to create. An empty ID asks the Manager to
// assign the next id in the game's sequence.
type NewMarket struct {
	ID         string
	GameID     string
	CategoryID string
	Outcomes   []string
	B          float64
}

// Manager is the in-memory registry of markets.
type Manager struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	markets map[string]*domain.Market
	seq     map[string]uint64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates an empty Manager.
func NewManager(cfg Config) *Manager {
	if cfg.DefaultB <= 0 {
		cfg.DefaultB = 100
	}
	if len(cfg.DefaultOutcomes) == 0 {
		cfg.DefaultOutcomes = []string{"BALL", "STRIKE"}
	}
	return &Manager{
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		markets: make(map[string]*domain.Market),
		seq:     make(map[string]uint64),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Lock acquires the critical-section lock of one market and returns its
// release func. Bet acceptance and settlement of the same market must both
// run under it; different markets never contend.
func (m *Manager) Lock(id string) (unlock func()) {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Create registers a PENDING market with zero quantities.
func (m *Manager) Create(nm NewMarket) (domain.Market, error) {
	if nm.GameID == "" && nm.ID == "" {
		return domain.Market{}, &domain.ValidationError{Field: "game_id", Reason: "required"}
	}
	outcomes := nm.Outcomes
	if len(outcomes) == 0 {
		outcomes = m.cfg.DefaultOutcomes
	}
	if err := uniqueOutcomes(outcomes); err != nil {
		return domain.Market{}, err
	}
	b := nm.B
	if b == 0 {
		b = m.cfg.DefaultB
	}
	q := make([]float64, len(outcomes))
	if err := lmsr.Validate(q, b); err != nil {
		return domain.Market{}, &domain.ValidationError{Field: "market", Reason: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := nm.ID
	if id == "" {
		m.seq[nm.GameID]++
		id = fmt.Sprintf("%s-%d", nm.GameID, m.seq[nm.GameID])
	}
	if _, exists := m.markets[id]; exists {
		return domain.Market{}, fmt.Errorf("market: create %s: %w", id, domain.ErrAlreadyExists)
	}

	mk := &domain.Market{
		ID:         id,
		GameID:     nm.GameID,
		CategoryID: nm.CategoryID,
		Status:     domain.MarketStatusPending,
		Outcomes:   append([]string(nil), outcomes...),
		Quantities: q,
		B:          b,
		CreatedAt:  m.now(),
	}
	m.markets[id] = mk
	return mk.Clone(), nil
}

func uniqueOutcomes(outcomes []string) error {
	if len(outcomes) < 2 {
		return &domain.ValidationError{Field: "outcomes", Reason: "at least two outcomes required"}
	}
	seen := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		if o == "" || seen[o] {
			return &domain.ValidationError{Field: "outcomes", Reason: fmt.Sprintf("outcome %q is empty or repeated", o)}
		}
		seen[o] = true
	}
	return nil
}

// Open moves a PENDING market to OPEN.
func (m *Manager) Open(id string) (domain.Market, error) {
	return m.transition(id, domain.MarketStatusOpen, func(mk *domain.Market, at time.Time) {
		mk.OpenedAt = &at
	})
}

// Close moves an OPEN market to CLOSED. No bet is accepted afterwards.
func (m *Manager) Close(id string) (domain.Market, error) {
	return m.transition(id, domain.MarketStatusClosed, func(mk *domain.Market, at time.Time) {
		mk.ClosedAt = &at
	})
}

func (m *Manager) transition(id string, to domain.MarketStatus, stamp func(*domain.Market, time.Time)) (domain.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mk, ok := m.markets[id]
	if !ok {
		return domain.Market{}, &domain.NotFoundError{Entity: "market", ID: id}
	}
	if transitions[mk.Status] != to {
		return domain.Market{}, &domain.StateConflictError{
			Entity: "market", ID: id, Current: string(mk.Status), Requested: string(to),
		}
	}
	mk.Status = to
	stamp(mk, m.now())
	return mk.Clone(), nil
}

// UpdateQuantities overwrites the quantity vector of an OPEN market.
func (m *Manager) UpdateQuantities(id string, q []float64) (domain.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mk, ok := m.markets[id]
	if !ok {
		return domain.Market{}, &domain.NotFoundError{Entity: "market", ID: id}
	}
	if mk.Status != domain.MarketStatusOpen {
		return domain.Market{}, &domain.StateConflictError{
			Entity: "market", ID: id, Current: string(mk.Status), Requested: "quantity update",
		}
	}
	if len(q) != len(mk.Outcomes) {
		return domain.Market{}, &domain.ValidationError{
			Field:  "quantities",
			Reason: fmt.Sprintf("want %d entries, got %d", len(mk.Outcomes), len(q)),
		}
	}
	mk.Quantities = append([]float64(nil), q...)
	return mk.Clone(), nil
}

// Get returns a snapshot of the market.
func (m *Manager) Get(id string) (domain.Market, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mk, ok := m.markets[id]
	if !ok {
		return domain.Market{}, &domain.NotFoundError{Entity: "market", ID: id}
	}
	return mk.Clone(), nil
}

// List returns every market ordered by creation time.
func (m *Manager) List() []domain.Market {
	m.mu.RLock()
	out := make([]domain.Market, 0, len(m.markets))
	for _, mk := range m.markets {
		out = append(out, mk.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Reset forgets every market and restarts all id sequences.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.markets = make(map[string]*domain.Market)
	m.seq = make(map[string]uint64)
	m.mu.Unlock()

	m.locksMu.Lock()
	m.locks = make(map[string]*sync.Mutex)
	m.locksMu.Unlock()
}
