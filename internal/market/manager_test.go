package market

import (
	"errors"
	"sync"
	"testing"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/lmsr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []domain.MarketStatus{
	domain.MarketStatusPending,
	domain.MarketStatusOpen,
	domain.MarketStatusClosed,
	domain.MarketStatusResolved,
}

func newManager() *Manager {
	return NewManager(Config{DefaultB: 100})
}

// marketIn creates a market and walks it to the requested state.
func marketIn(t *testing.T, m *Manager, status domain.MarketStatus) domain.Market {
	t.Helper()
	mk, err := m.Create(NewMarket{GameID: "g1"})
	require.NoError(t, err)
	for mk.Status != status {
		switch mk.Status {
		case domain.MarketStatusPending:
			mk, err = m.Open(mk.ID)
		case domain.MarketStatusOpen:
			mk, err = m.Close(mk.ID)
		case domain.MarketStatusClosed:
			var res Resolution
			res, err = m.Resolve(mk.ID, "BALL", nil)
			mk = res.Market
		}
		require.NoError(t, err)
	}
	return mk
}

func request(m *Manager, id string, to domain.MarketStatus) error {
	var err error
	switch to {
	case domain.MarketStatusPending:
		// There is no operation that moves a market back to PENDING.
		mk, _ := m.Get(id)
		err = &domain.StateConflictError{Entity: "market", ID: id, Current: string(mk.Status), Requested: string(to)}
	case domain.MarketStatusOpen:
		_, err = m.Open(id)
	case domain.MarketStatusClosed:
		_, err = m.Close(id)
	case domain.MarketStatusResolved:
		_, err = m.Resolve(id, "BALL", nil)
	}
	return err
}

func TestCreateDefaults(t *testing.T) {
	m := newManager()
	mk, err := m.Create(NewMarket{GameID: "g1", CategoryID: "pitch"})
	require.NoError(t, err)

	assert.Equal(t, "g1-1", mk.ID)
	assert.Equal(t, domain.MarketStatusPending, mk.Status)
	assert.Equal(t, []string{"BALL", "STRIKE"}, mk.Outcomes)
	assert.Equal(t, []float64{0, 0}, mk.Quantities)
	assert.Equal(t, 100.0, mk.B)
	assert.Nil(t, mk.Outcome)
	assert.False(t, mk.CreatedAt.IsZero())
}

func TestCreateSequencePerGame(t *testing.T) {
	m := newManager()
	ids := []string{}
	for _, g := range []string{"g1", "g1", "g2", "g1"} {
		mk, err := m.Create(NewMarket{GameID: g})
		require.NoError(t, err)
		ids = append(ids, mk.ID)
	}
	assert.Equal(t, []string{"g1-1", "g1-2", "g2-1", "g1-3"}, ids)

	_, err := m.Create(NewMarket{ID: "g1-2", GameID: "g1"})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestCreateRejectsBadOutcomes(t *testing.T) {
	m := newManager()
	_, err := m.Create(NewMarket{GameID: "g", Outcomes: []string{"A"}})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = m.Create(NewMarket{GameID: "g", Outcomes: []string{"A", "A"}})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = m.Create(NewMarket{GameID: "g", B: -1})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = m.Create(NewMarket{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTransitionTable(t *testing.T) {
	legal := map[domain.MarketStatus]domain.MarketStatus{
		domain.MarketStatusPending: domain.MarketStatusOpen,
		domain.MarketStatusOpen:    domain.MarketStatusClosed,
		domain.MarketStatusClosed:  domain.MarketStatusResolved,
	}
	for _, from := range allStates {
		for _, to := range allStates {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				m := newManager()
				mk := marketIn(t, m, from)
				err := request(m, mk.ID, to)
				if legal[from] == to {
					require.NoError(t, err)
					got, _ := m.Get(mk.ID)
					assert.Equal(t, to, got.Status)
					return
				}
				var sc *domain.StateConflictError
				require.True(t, errors.As(err, &sc), "want state conflict, got %v", err)
				assert.Equal(t, string(from), sc.Current)
				assert.Contains(t, err.Error(), string(from))
			})
		}
	}
}

func TestTransitionsStampTimes(t *testing.T) {
	m := newManager()
	mk := marketIn(t, m, domain.MarketStatusResolved)
	require.NotNil(t, mk.OpenedAt)
	require.NotNil(t, mk.ClosedAt)
	require.NotNil(t, mk.ResolvedAt)
	require.NotNil(t, mk.Outcome)
	assert.Equal(t, "BALL", *mk.Outcome)
}

func TestUnknownMarket(t *testing.T) {
	m := newManager()
	_, err := m.Open("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = m.UpdateQuantities("nope", []float64{1, 2})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = m.Resolve("nope", "BALL", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateQuantitiesRequiresOpen(t *testing.T) {
	m := newManager()
	mk := marketIn(t, m, domain.MarketStatusOpen)

	got, err := m.UpdateQuantities(mk.ID, []float64{5, 0})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 0}, got.Quantities)

	_, err = m.UpdateQuantities(mk.ID, []float64{5})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = m.Close(mk.ID)
	require.NoError(t, err)
	_, err = m.UpdateQuantities(mk.ID, []float64{9, 9})
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	after, _ := m.Get(mk.ID)
	assert.Equal(t, []float64{5, 0}, after.Quantities)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	m := newManager()
	mk := marketIn(t, m, domain.MarketStatusOpen)
	mk.Quantities[0] = 42

	got, _ := m.Get(mk.ID)
	assert.Equal(t, 0.0, got.Quantities[0])
}

func TestResolvePartition(t *testing.T) {
	m := newManager()
	mk := marketIn(t, m, domain.MarketStatusClosed)

	positions := []domain.Position{
		{ID: "p1", MarketID: mk.ID, Outcome: "BALL", Shares: 12, CostPaid: 6},
		{ID: "p2", MarketID: mk.ID, Outcome: "STRIKE", Shares: 8, CostPaid: 5},
		{ID: "p3", MarketID: mk.ID, Outcome: "BALL", Shares: 3.5, CostPaid: 2},
		{ID: "p4", MarketID: mk.ID, Outcome: "STRIKE", Shares: 1, CostPaid: 0.75},
	}
	res, err := m.Resolve(mk.ID, "BALL", positions)
	require.NoError(t, err)

	assert.Len(t, res.Winners, 2)
	assert.Len(t, res.Losers, 2)
	assert.Equal(t, len(positions), len(res.Winners)+len(res.Losers))

	var sum float64
	for _, w := range res.Winners {
		assert.Equal(t, "BALL", w.Position.Outcome)
		assert.Equal(t, w.Position.Shares, w.Payout)
		sum += w.Position.Shares
	}
	for _, l := range res.Losers {
		assert.NotEqual(t, "BALL", l.Position.Outcome)
		assert.Equal(t, 0.0, l.Payout)
		assert.Equal(t, l.Position.CostPaid, l.Loss)
	}
	assert.Equal(t, sum, res.TotalPayout)
	assert.Equal(t, 5.75, res.TotalLoss)
	assert.Equal(t, domain.MarketStatusResolved, res.Market.Status)
}

func TestResolveValidation(t *testing.T) {
	m := newManager()
	mk := marketIn(t, m, domain.MarketStatusClosed)

	_, err := m.Resolve(mk.ID, "FOUL", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = m.Resolve(mk.ID, "BALL", []domain.Position{{ID: "x", MarketID: "other"}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, _ := m.Get(mk.ID)
	assert.Equal(t, domain.MarketStatusClosed, got.Status, "failed resolve leaves the market untouched")
}

func TestSingleBetScenario(t *testing.T) {
	m := newManager()
	mk := marketIn(t, m, domain.MarketStatusOpen)

	shares := lmsr.SharesForCost(mk.Quantities, mk.B, 0, 10)
	_, err := m.UpdateQuantities(mk.ID, lmsr.ApplyPurchase(mk.Quantities, 0, shares))
	require.NoError(t, err)
	_, err = m.Close(mk.ID)
	require.NoError(t, err)

	pos := domain.Position{ID: "p", MarketID: mk.ID, Outcome: "BALL", Shares: shares, CostPaid: 10}
	res, err := m.Resolve(mk.ID, "BALL", []domain.Position{pos})
	require.NoError(t, err)
	assert.Len(t, res.Winners, 1)
	assert.Empty(t, res.Losers)
	assert.Equal(t, shares, res.TotalPayout)
}

func TestLockSerialisesReadModifyWrite(t *testing.T) {
	m := newManager()
	mk := marketIn(t, m, domain.MarketStatusOpen)

	const bettors = 50
	var wg sync.WaitGroup
	for i := 0; i < bettors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock(mk.ID)
			defer unlock()
			cur, err := m.Get(mk.ID)
			if err != nil {
				return
			}
			_, _ = m.UpdateQuantities(mk.ID, lmsr.ApplyPurchase(cur.Quantities, 1, 1))
		}()
	}
	wg.Wait()

	got, _ := m.Get(mk.ID)
	assert.Equal(t, float64(bettors), got.Quantities[1])
}

func TestReset(t *testing.T) {
	m := newManager()
	marketIn(t, m, domain.MarketStatusOpen)
	m.Reset()
	assert.Empty(t, m.List())

	mk, err := m.Create(NewMarket{GameID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, "g1-1", mk.ID)
}
