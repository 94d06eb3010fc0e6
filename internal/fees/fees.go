// Package fees computes trading fees. Both models are pure functions over
// the inputs; no state is read or written here, so the fee engine and the
// position ledger stay independently testable.
package fees

import (
	"fmt"
	"math/big"

	"PerpCore/internal/errdefs"
	bmath "PerpCore/internal/math"
)

// Basis is the fee-rate scale: rates are expressed in basis points.
const Basis = 10_000

var (
	two      = big.NewInt(2)
	bigBasis = big.NewInt(Basis)
)

// Proportional returns the baseline fee floorDiv(|price*amount| * rateBps,
// Basis). The result is always non-negative.
func Proportional(price, amount *big.Int, rateBps int64) (*big.Int, error) {
	if err := bmath.CheckUnsigned(price, bmath.PriceBound); err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	if err := bmath.CheckRange(amount, bmath.AmountBound); err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}

	notional := bmath.Abs(bmath.Mul(price, amount))
	if err := bmath.CheckRange(notional, bmath.DomainBound); err != nil {
		return nil, fmt.Errorf("notional: %w", err)
	}

	return bmath.FloorDiv(new(big.Int).Mul(notional, big.NewInt(rateBps)), bigBasis)
}

// ImbalanceRate returns the skew fee for a trade of the given signed amount:
//
//	floorDiv(price*amount*(2*long + price*amount - 2*short), 2*liquidity)
//
// where long and short are the current aggregate open-interest notionals.
// The result is negative (a rebate) when the trade reduces the venue's
// long/short imbalance, and grows with trade size relative to pool
// liquidity. Every input and intermediate product is range-checked before
// the division is attempted.
func ImbalanceRate(price, amount, long, short, liquidity *big.Int) (*big.Int, error) {
	if err := bmath.CheckUnsigned(price, bmath.PriceBound); err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	if err := bmath.CheckRange(amount, bmath.AmountBound); err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	if err := bmath.CheckUnsigned(long, bmath.OpenInterestBound); err != nil {
		return nil, fmt.Errorf("long open interest: %w", err)
	}
	if err := bmath.CheckUnsigned(short, bmath.OpenInterestBound); err != nil {
		return nil, fmt.Errorf("short open interest: %w", err)
	}
	if liquidity.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero liquidity", errdefs.ErrArithmetic)
	}
	if err := bmath.CheckPositive(liquidity, bmath.LiquidityBound); err != nil {
		return nil, fmt.Errorf("liquidity: %w", err)
	}

	notional := bmath.Mul(price, amount)
	if err := bmath.CheckRange(bmath.Abs(notional), bmath.DomainBound); err != nil {
		return nil, fmt.Errorf("notional: %w", err)
	}

	// 2*long + price*amount - 2*short
	skew := new(big.Int).Mul(two, long)
	skew.Add(skew, notional)
	skew.Sub(skew, new(big.Int).Mul(two, short))

	numerator := new(big.Int).Mul(notional, skew)

	return bmath.FloorDiv(numerator, new(big.Int).Mul(two, liquidity))
}

// Quote is the combined fee a driver charges a trade: the signed imbalance
// component plus the proportional component on the raw notional.
type Quote struct {
	Proportional *big.Int
	Imbalance    *big.Int
	Total        *big.Int
}

// ComputeQuote evaluates both fee models for one trade.
func ComputeQuote(price, amount, long, short, liquidity *big.Int, rateBps int64) (*Quote, error) {
	prop, err := Proportional(price, amount, rateBps)
	if err != nil {
		return nil, err
	}

	imb, err := ImbalanceRate(price, amount, long, short, liquidity)
	if err != nil {
		return nil, err
	}

	return &Quote{
		Proportional: prop,
		Imbalance:    imb,
		Total:        bmath.Add(prop, imb),
	}, nil
}
