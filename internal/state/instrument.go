package state

import (
	"fmt"
	"math/big"

	"PerpCore/internal/errdefs"
	bmath "PerpCore/internal/math"
)

// Instrument holds per-instrument market state: the last posted price and
// the aggregate long/short open interest in size units.
type Instrument struct {
	LastPrice *big.Int
	LongOI    *big.Int
	ShortOI   *big.Int
}

// InstrumentTable is the engine's price table, indexed 0..count-1.
// Instruments are addressed in batches by a uint64 bitmask, so the
// configured count is capped at 64.
type InstrumentTable struct {
	instruments []Instrument
	count       int
}

const MaxInstruments = 64

func NewInstrumentTable(count int) (*InstrumentTable, error) {
	if count < 1 || count > MaxInstruments {
		return nil, fmt.Errorf("%w: instrument count %d not in 1..%d",
			errdefs.ErrInvalidState, count, MaxInstruments)
	}

	instruments := make([]Instrument, count)
	for i := range instruments {
		instruments[i] = Instrument{
			LastPrice: new(big.Int),
			LongOI:    new(big.Int),
			ShortOI:   new(big.Int),
		}
	}

	return &InstrumentTable{instruments: instruments, count: count}, nil
}

func (t *InstrumentTable) Count() int {
	return t.count
}

// CheckMask rejects masks selecting instruments beyond the configured count.
func (t *InstrumentTable) CheckMask(mask uint64) error {
	if t.count < 64 && mask >= 1<<uint(t.count) {
		return fmt.Errorf("%w: mask %#x exceeds instrument count %d",
			errdefs.ErrOutOfRange, mask, t.count)
	}
	return nil
}

// UpdatePrices assigns prices[i] to the i-th set bit of mask in ascending
// order, consuming the dense array in order. The whole batch is validated
// before the first assignment; on any failure no price changes.
func (t *InstrumentTable) UpdatePrices(mask uint64, prices []*big.Int) error {
	if err := t.CheckMask(mask); err != nil {
		return err
	}

	if len(prices) != bmath.PopCount(mask) {
		return fmt.Errorf("%w: argument length must equal population count (len=%d, popcount=%d)",
			errdefs.ErrInvalidState, len(prices), bmath.PopCount(mask))
	}

	for i, p := range prices {
		if err := bmath.CheckUnsigned(p, bmath.PriceBound); err != nil {
			return fmt.Errorf("price[%d]: %w", i, err)
		}
	}

	for i, idx := range bmath.Indices(mask) {
		t.instruments[idx].LastPrice.Set(prices[i])
	}

	return nil
}

// Price returns the last posted price for an instrument.
func (t *InstrumentTable) Price(i int) (*big.Int, error) {
	if i < 0 || i >= t.count {
		return nil, fmt.Errorf("%w: instrument %d out of configured count %d",
			errdefs.ErrInvalidState, i, t.count)
	}
	return new(big.Int).Set(t.instruments[i].LastPrice), nil
}

// OpenInterest returns the aggregate long and short open interest for an
// instrument, in size units.
func (t *InstrumentTable) OpenInterest(i int) (long, short *big.Int, err error) {
	if i < 0 || i >= t.count {
		return nil, nil, fmt.Errorf("%w: instrument %d out of configured count %d",
			errdefs.ErrInvalidState, i, t.count)
	}
	inst := &t.instruments[i]
	return new(big.Int).Set(inst.LongOI), new(big.Int).Set(inst.ShortOI), nil
}

// PreviewOpenInterest validates an open-interest change without applying it
// and returns the would-be totals. Callers commit with SetOpenInterest once
// the rest of the operation has validated.
func (t *InstrumentTable) PreviewOpenInterest(i int, dLong, dShort *big.Int) (long, short *big.Int, err error) {
	curLong, curShort, err := t.OpenInterest(i)
	if err != nil {
		return nil, nil, err
	}

	long = curLong.Add(curLong, dLong)
	short = curShort.Add(curShort, dShort)

	if long.Sign() < 0 || short.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: open interest would go negative (long=%s short=%s)",
			errdefs.ErrOutOfRange, long, short)
	}
	if err := bmath.CheckUnsigned(long, bmath.DomainBound); err != nil {
		return nil, nil, fmt.Errorf("long open interest: %w", err)
	}
	if err := bmath.CheckUnsigned(short, bmath.DomainBound); err != nil {
		return nil, nil, fmt.Errorf("short open interest: %w", err)
	}

	return long, short, nil
}

// SetOpenInterest commits previously validated open-interest totals.
func (t *InstrumentTable) SetOpenInterest(i int, long, short *big.Int) {
	inst := &t.instruments[i]
	inst.LongOI.Set(long)
	inst.ShortOI.Set(short)
}

// OpenInterestChange derives the long/short open-interest deltas for a trade
// of the given signed amount against a position of the given pre-trade size.
// A trade that crosses through zero splits into a reduction of the old side
// and an opening on the other.
func OpenInterestChange(amount, size *big.Int) (dLong, dShort *big.Int) {
	zero := new(big.Int)

	// Zero counts as positive for the side comparison.
	sameSide := (size.Sign() >= 0) == (amount.Sign() >= 0)

	switch {
	case sameSide && amount.Sign() > 0:
		return new(big.Int).Set(amount), zero
	case sameSide:
		return zero, bmath.Abs(amount)
	case amount.Sign() > 0: // size < 0
		if amount.CmpAbs(size) < 0 {
			return zero, new(big.Int).Neg(amount)
		}
		return new(big.Int).Add(amount, size), new(big.Int).Set(size)
	default: // amount < 0, size > 0
		if amount.CmpAbs(size) < 0 {
			return new(big.Int).Set(amount), zero
		}
		return new(big.Int).Neg(size), bmath.Abs(new(big.Int).Add(size, amount))
	}
}
