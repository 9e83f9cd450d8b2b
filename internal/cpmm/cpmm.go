// Package cpmm implements the constant-product market maker used to price
// share sales, including matching against resting limit orders.
//
// A CPMM pool holds YES and NO shares with a weight p. The invariant
//
//	k = YES^p · NO^(1−p)
//
// is preserved by every AMM trade, and the instantaneous YES probability is
//
//	prob = p·NO / ((1−p)·YES + p·NO)
//
// All quantities cross the package boundary as shopspring/decimal. Internal
// transcendental math runs in float64 and is converted back immediately.
package cpmm

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/model"
)

var (
	// ErrInvalidShares is returned for a negative sale quantity.
	ErrInvalidShares = errors.New("cpmm: shares must not be negative")

	// ErrEmptyPool is returned when either side of the pool is not positive.
	ErrEmptyPool = errors.New("cpmm: pool must hold both outcomes")

	// ErrInvalidP is returned when the pool weight is outside (0, 1).
	ErrInvalidP = errors.New("cpmm: p must be strictly between 0 and 1")

	// PriceScale is the number of decimal places for prices and amounts.
	PriceScale int32 = 8
)

const (
	epsilon         = 1e-9
	bisectionRounds = 100
	minProb         = 1e-6
	maxProb         = 1 - 1e-6
)

// Probability computes the YES probability of a pool.
func Probability(pool model.Pool, p decimal.Decimal) decimal.Decimal {
	y, n := pool.YES.InexactFloat64(), pool.NO.InexactFloat64()
	return toDecimal(prob(y, n, p.InexactFloat64()))
}

// StateProbability is Probability applied to a PoolState.
func StateProbability(s model.PoolState) decimal.Decimal {
	return Probability(s.Pool, s.P)
}

// K returns the invariant YES^p · NO^(1−p).
func K(pool model.Pool, p decimal.Decimal) decimal.Decimal {
	y, n, pf := pool.YES.InexactFloat64(), pool.NO.InexactFloat64(), p.InexactFloat64()
	return toDecimal(math.Exp(logK(y, n, pf)))
}

// PoolAtProb returns a pool with the given NO balance whose YES probability
// is q under weight p. Used to seed new markets.
func PoolAtProb(liquidity, p, q decimal.Decimal) model.Pool {
	n := liquidity.InexactFloat64()
	r := ratio(p.InexactFloat64(), clampProb(q.InexactFloat64()))
	return model.Pool{YES: toDecimal(n / r), NO: liquidity}
}

func validate(s model.PoolState) error {
	if !s.Pool.YES.IsPositive() || !s.Pool.NO.IsPositive() {
		return ErrEmptyPool
	}
	if !s.P.IsPositive() || s.P.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ErrInvalidP
	}
	return nil
}

func prob(y, n, p float64) float64 {
	den := (1-p)*y + p*n
	if den <= 0 {
		return p
	}
	return p * n / den
}

func logK(y, n, p float64) float64 {
	return p*math.Log(y) + (1-p)*math.Log(n)
}

// ratio returns NO/YES for a pool at YES probability q under weight p.
func ratio(p, q float64) float64 {
	return (1 - p) * q / (p * (1 - q))
}

// poolAt moves a pool along its invariant curve to YES probability q.
func poolAt(lk, p, q float64) (y, n float64) {
	r := ratio(p, clampProb(q))
	y = math.Exp(lk - (1-p)*math.Log(r))
	return y, r * y
}

func clampProb(q float64) float64 {
	return math.Min(math.Max(q, minProb), maxProb)
}

// weights returns the invariant exponents of the sold side and the other side.
func weights(p float64, outcome model.Outcome) (own, other float64) {
	if outcome == model.YES {
		return p, 1 - p
	}
	return 1 - p, p
}

// ammSale sells s shares of outcome into the pool. The pool absorbs the s
// shares and redeems v YES/NO pairs to pay the seller v, holding k fixed:
//
//	(own + s − v)^w · (other − v)^(1−w) = k
//
// Solved by bisection on v.
func ammSale(y, n, p, s float64, outcome model.Outcome) (v, ny, nn float64) {
	if s <= 0 {
		return 0, y, n
	}
	own, other := y, n
	if outcome == model.NO {
		own, other = n, y
	}
	wOwn, wOther := weights(p, outcome)
	lk := wOwn*math.Log(own) + wOther*math.Log(other)

	lo, hi := 0.0, math.Min(other, own+s)
	for i := 0; i < bisectionRounds; i++ {
		mid := (lo + hi) / 2
		g := wOwn*math.Log(own+s-mid) + wOther*math.Log(other-mid) - lk
		if g > 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	v = lo

	newOwn, newOther := own+s-v, other-v
	if outcome == model.YES {
		return v, newOwn, newOther
	}
	return v, newOther, newOwn
}

// sharesToReach returns how many shares of outcome must be sold into the AMM
// to move its YES probability to q. Zero when the pool is already past q.
func sharesToReach(y, n, p, q float64, outcome model.Outcome) float64 {
	ty, tn := poolAt(logK(y, n, p), p, q)
	var s float64
	if outcome == model.YES {
		v := n - tn
		s = ty - y + v
	} else {
		v := y - ty
		s = tn - n + v
	}
	if s < 0 || math.IsNaN(s) {
		return 0
	}
	return s
}

// outcomePrice is the marginal price of one share of outcome given YES prob q.
func outcomePrice(q float64, outcome model.Outcome) float64 {
	if outcome == model.YES {
		return q
	}
	return 1 - q
}

func toDecimal(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f).Round(PriceScale)
}
