package lmsr

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomQuantities(r *rand.Rand, n int) []float64 {
	q := make([]float64, n)
	for i := range q {
		q[i] = r.Float64() * 2000
	}
	return q
}

func TestPricesSumToOne(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for n := 0; n < 500; n++ {
		outcomes := 2 + r.Intn(5)
		q := randomQuantities(r, outcomes)
		b := 50 + r.Float64()*500

		var sum float64
		for i := range q {
			p := Price(q, b, i)
			assert.Greater(t, p, 0.0)
			assert.Less(t, p, 1.0+1e-12)
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-9)

		var vecSum float64
		for _, p := range Prices(q, b) {
			vecSum += p
		}
		assert.InDelta(t, 1.0, vecSum, 1e-9)
	}
}

func TestPriceMonotonic(t *testing.T) {
	q := []float64{10, 40, 25}
	b := 100.0

	for i := range q {
		before := Prices(q, b)
		after := Prices(ApplyPurchase(q, i, 5), b)
		for j := range q {
			if j == i {
				assert.Greater(t, after[j], before[j], "own price must rise")
			} else {
				assert.Less(t, after[j], before[j], "other prices must fall")
			}
		}
	}
}

func TestCostToBuy(t *testing.T) {
	q := []float64{3, 7}
	b := 50.0

	assert.Equal(t, 0.0, CostToBuy(q, b, 0, 0))

	prev := 0.0
	for s := 0.5; s < 200; s += 7.5 {
		c := CostToBuy(q, b, 1, s)
		assert.Greater(t, c, prev)
		assert.Less(t, c, s, "a share never costs a full unit")
		prev = c
	}
}

func TestSharesForCostInvertsCostToBuy(t *testing.T) {
	cases := []struct {
		name string
		q    []float64
		b    float64
		i    int
	}{
		{"flat binary", []float64{0, 0}, 100, 0},
		{"skewed binary", []float64{120, 5}, 100, 1},
		{"three way", []float64{10, 0, 30}, 25, 2},
		{"deep book", []float64{400, 380, 410, 395}, 1000, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, s := range []float64{0.01, 1, 12.5, 250} {
				cost := CostToBuy(tc.q, tc.b, tc.i, s)
				got := SharesForCost(tc.q, tc.b, tc.i, cost)
				assert.InEpsilon(t, s, got, 1e-6)
			}
		})
	}
}

func TestSharesForCostNonPositive(t *testing.T) {
	q := []float64{0, 0}
	assert.Equal(t, 0.0, SharesForCost(q, 100, 0, 0))
	assert.Equal(t, 0.0, SharesForCost(q, 100, 0, -5))
	assert.Equal(t, 0.0, SharesForCost(q, 100, 0, math.NaN()))
}

func TestApplyPurchaseTouchesOneOutcome(t *testing.T) {
	q := []float64{1, 2, 3}
	got := ApplyPurchase(q, 1, 4)
	assert.Equal(t, []float64{1, 6, 3}, got)
	assert.Equal(t, []float64{1, 2, 3}, q, "input must not be modified")
}

func TestBinaryScenario(t *testing.T) {
	q := []float64{0, 0}
	b := 100.0

	prices := Prices(q, b)
	assert.InDelta(t, 0.5, prices[0], 1e-12)
	assert.InDelta(t, 0.5, prices[1], 1e-12)

	shares := SharesForCost(q, b, 0, 10)
	require.Greater(t, shares, 10.0, "at 0.5 per share, $10 buys more than 10 shares")

	next := ApplyPurchase(q, 0, shares)
	assert.Equal(t, shares, next[0])
	assert.Equal(t, 0.0, next[1])
	assert.Greater(t, Price(next, b, 0), 0.5)
	assert.InDelta(t, 10, CostToBuy(q, b, 0, shares), 1e-8)
}

func TestLargeQuantitiesStayFinite(t *testing.T) {
	q := []float64{1e6, 1e6 - 50}
	b := 10.0

	c := Cost(q, b)
	assert.False(t, math.IsInf(c, 0) || math.IsNaN(c))

	p := Prices(q, b)
	assert.InDelta(t, 1.0, p[0]+p[1], 1e-9)
	assert.Greater(t, p[0], p[1])
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]float64{0, 0}, 100))
	assert.ErrorIs(t, Validate([]float64{0, 0}, 0), ErrLiquidity)
	assert.ErrorIs(t, Validate([]float64{0, 0}, math.Inf(1)), ErrLiquidity)
	assert.ErrorIs(t, Validate([]float64{0}, 100), ErrOutcomes)
}

func TestMaxLoss(t *testing.T) {
	assert.InDelta(t, 100*math.Ln2, MaxLoss(100, 2), 1e-12)
}
