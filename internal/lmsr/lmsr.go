// Package lmsr prices N-outcome markets with the logarithmic market scoring
// rule. All functions are pure: quantity slices are never modified in place.
//
// Quantities q[i] are the shares issued for outcome i and b > 0 is the
// liquidity parameter. Larger b means a shallower price impact per share.
package lmsr

import (
	"errors"
	"math"
)

const (
	// Tolerance is the absolute precision SharesForCost searches to.
	Tolerance = 1e-10

	// MaxIterations bounds the bisection in SharesForCost.
	MaxIterations = 100

	// maxDoublings bounds the search for an upper bracket.
	maxDoublings = 200
)

var (
	ErrLiquidity = errors.New("lmsr: liquidity parameter must be positive")
	ErrOutcomes  = errors.New("lmsr: market needs at least two outcomes")
	ErrOutcome   = errors.New("lmsr: outcome index out of range")
)

// Validate reports whether q and b describe a priceable market.
func Validate(q []float64, b float64) error {
	if !(b > 0) || math.IsInf(b, 0) {
		return ErrLiquidity
	}
	if len(q) < 2 {
		return ErrOutcomes
	}
	return nil
}

// shift returns max(q[i]/b), the log-sum-exp stabiliser.
func shift(q []float64, b float64) float64 {
	m := math.Inf(-1)
	for _, v := range q {
		if x := v / b; x > m {
			m = x
		}
	}
	return m
}

// Cost returns b * ln(sum(exp(q[i]/b))).
func Cost(q []float64, b float64) float64 {
	m := shift(q, b)
	var sum float64
	for _, v := range q {
		sum += math.Exp(v/b - m)
	}
	return b * (m + math.Log(sum))
}

// Price returns the instantaneous price of outcome i, in (0, 1).
func Price(q []float64, b float64, i int) float64 {
	m := shift(q, b)
	var sum float64
	for _, v := range q {
		sum += math.Exp(v/b - m)
	}
	return math.Exp(q[i]/b-m) / sum
}

// Prices returns the price of every outcome. The result sums to 1.
func Prices(q []float64, b float64) []float64 {
	m := shift(q, b)
	out := make([]float64, len(q))
	var sum float64
	for i, v := range q {
		out[i] = math.Exp(v/b - m)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// ApplyPurchase returns a copy of q with shares added to outcome i only.
func ApplyPurchase(q []float64, i int, shares float64) []float64 {
	out := append([]float64(nil), q...)
	out[i] += shares
	return out
}

// CostToBuy returns what buying shares of outcome i costs at quantities q.
func CostToBuy(q []float64, b float64, i int, shares float64) float64 {
	if shares == 0 {
		return 0
	}
	return Cost(ApplyPurchase(q, i, shares), b) - Cost(q, b)
}

// SharesForCost inverts CostToBuy: it returns how many shares of outcome i
// the given cost buys. Non-positive cost buys nothing.
func SharesForCost(q []float64, b float64, i int, cost float64) float64 {
	if !(cost > 0) {
		return 0
	}

	// Each share costs less than 1, so cost is a sound first guess.
	low, high := 0.0, cost
	for n := 0; CostToBuy(q, b, i, high) < cost && n < maxDoublings; n++ {
		low = high
		high *= 2
	}

	for n := 0; n < MaxIterations && high-low > Tolerance; n++ {
		mid := low + (high-low)/2
		c := CostToBuy(q, b, i, mid)
		if math.Abs(c-cost) < Tolerance {
			return mid
		}
		if c < cost {
			low = mid
		} else {
			high = mid
		}
	}
	return low + (high-low)/2
}

// MaxLoss is the market maker's worst-case subsidy: b * ln(n).
func MaxLoss(b float64, outcomes int) float64 {
	return b * math.Log(float64(outcomes))
}
