package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/store/sqlite"
)

func TestMarketStoreUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.NewMarketStore(db)

	created := time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC)
	m := domain.Market{
		ID:         "g7-1",
		GameID:     "g7",
		CategoryID: "pitch",
		Status:     domain.MarketStatusPending,
		Outcomes:   []string{"BALL", "STRIKE"},
		Quantities: []float64{0, 0},
		B:          100,
		CreatedAt:  created,
	}
	require.NoError(t, s.Upsert(ctx, m))

	opened := created.Add(time.Second)
	resolvedAt := created.Add(time.Minute)
	outcome := "STRIKE"
	m.Status = domain.MarketStatusResolved
	m.Quantities = []float64{3.25, 11.5}
	m.OpenedAt = &opened
	m.ResolvedAt = &resolvedAt
	m.Outcome = &outcome
	require.NoError(t, s.Upsert(ctx, m))

	got, err := s.GetByID(ctx, "g7-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, got.Status)
	assert.Equal(t, []float64{3.25, 11.5}, got.Quantities)
	assert.Equal(t, []string{"BALL", "STRIKE"}, got.Outcomes)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, "STRIKE", *got.Outcome)
	require.NotNil(t, got.OpenedAt)
	assert.True(t, opened.Equal(*got.OpenedAt))
	assert.Nil(t, got.ClosedAt)
	assert.True(t, created.Equal(got.CreatedAt))

	list, err := s.ListByGame(ctx, "g7")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
