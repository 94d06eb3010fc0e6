// Package math implements the bounded signed-integer arithmetic the engine
// is built on. All values are arbitrary-precision (math/big) and every
// retained value is checked against an explicit per-field bound; there is no
// modular wraparound anywhere in the engine.
package math

import (
	"fmt"
	"math/big"

	"PerpCore/internal/errdefs"
)

// Field bounds from the reference scenarios. Bounds are exclusive.
var (
	// PriceBound limits instrument prices: 0 <= price < 10^13.
	PriceBound = pow10(13)

	// AmountBound limits a single traded amount and the net position size:
	// |amount| < 2^82.
	AmountBound = pow2(82)

	// DomainBound is the general bound for products and accumulators
	// (notional, cost, fees): |value| < 2^125.
	DomainBound = pow2(125)

	// LiquidityBound limits a pool balance: 0 < liquidity < 2^122.
	LiquidityBound = pow2(122)

	// OpenInterestBound limits aggregate long/short notional:
	// 0 <= oi < (PriceBound-1)*(AmountBound-1).
	OpenInterestBound = new(big.Int).Mul(
		new(big.Int).Sub(PriceBound, big.NewInt(1)),
		new(big.Int).Sub(AmountBound, big.NewInt(1)),
	)
)

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func pow2(n uint) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), n)
}

// CheckRange fails unless -bound < v < bound.
func CheckRange(v, bound *big.Int) error {
	if v.CmpAbs(bound) >= 0 {
		return fmt.Errorf("%w: |%s| >= %s", errdefs.ErrOutOfRange, v, bound)
	}
	return nil
}

// CheckUnsigned fails unless 0 <= v < bound.
func CheckUnsigned(v, bound *big.Int) error {
	if v.Sign() < 0 {
		return fmt.Errorf("%w: %s is negative", errdefs.ErrOutOfRange, v)
	}
	if v.Cmp(bound) >= 0 {
		return fmt.Errorf("%w: %s >= %s", errdefs.ErrOutOfRange, v, bound)
	}
	return nil
}

// CheckPositive fails unless 0 < v < bound.
func CheckPositive(v, bound *big.Int) error {
	if v.Sign() <= 0 {
		return fmt.Errorf("%w: %s is not positive", errdefs.ErrOutOfRange, v)
	}
	if v.Cmp(bound) >= 0 {
		return fmt.Errorf("%w: %s >= %s", errdefs.ErrOutOfRange, v, bound)
	}
	return nil
}

// Abs returns |v| as a fresh value.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}

// FloorDiv divides n by d rounding toward negative infinity, NOT toward
// zero: FloorDiv(-7, 2) == -4. Fails with an arithmetic error when d == 0.
func FloorDiv(n, d *big.Int) (*big.Int, error) {
	if d.Sign() == 0 {
		return nil, fmt.Errorf("%w: division by zero", errdefs.ErrArithmetic)
	}

	q, r := new(big.Int).QuoRem(n, d, new(big.Int))

	// Quo truncates toward zero; step down when the exact quotient is
	// negative and inexact.
	if r.Sign() != 0 && (n.Sign() < 0) != (d.Sign() < 0) {
		q.Sub(q, big.NewInt(1))
	}

	return q, nil
}

// Mul returns a*b as a fresh value.
func Mul(a, b *big.Int) *big.Int {
	return new(big.Int).Mul(a, b)
}

// Add returns a+b as a fresh value.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}
