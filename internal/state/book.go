package state

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"

	bmath "PerpCore/internal/math"
)

// Position is a trader's net exposure in one instrument.
//
// size is the net traded amount, cost the accumulated notional
// (Σ price*amount) and fees the accumulated fee total. A position with
// size == 0 but nonzero cost/fees only exists transiently inside settlement;
// settle zeroes all three.
type Position struct {
	Owner      uuid.UUID
	Instrument int
	Size       *big.Int
	Cost       *big.Int
	Fees       *big.Int
}

// IsEmpty reports whether the position carries no state at all.
func (p *Position) IsEmpty() bool {
	return p.Size.Sign() == 0 && p.Cost.Sign() == 0 && p.Fees.Sign() == 0
}

func (p *Position) clone() *Position {
	return &Position{
		Owner:      p.Owner,
		Instrument: p.Instrument,
		Size:       new(big.Int).Set(p.Size),
		Cost:       new(big.Int).Set(p.Cost),
		Fees:       new(big.Int).Set(p.Fees),
	}
}

type PositionKey struct {
	Owner      uuid.UUID
	Instrument int
}

// Book is the position ledger: per (owner, instrument) position state.
// Positions are created implicitly on first update and removed when
// settlement zeroes them.
type Book struct {
	positions map[PositionKey]*Position
}

func NewBook() *Book {
	return &Book{positions: make(map[PositionKey]*Position)}
}

// Get returns a copy of the position, or a zero position if none exists.
func (b *Book) Get(owner uuid.UUID, instrument int) *Position {
	if pos, ok := b.positions[PositionKey{Owner: owner, Instrument: instrument}]; ok {
		return pos.clone()
	}
	return &Position{
		Owner:      owner,
		Instrument: instrument,
		Size:       new(big.Int),
		Cost:       new(big.Int),
		Fees:       new(big.Int),
	}
}

// All returns copies of every open position, ordered deterministically.
func (b *Book) All() []*Position {
	out := make([]*Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, pos.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner.String() < out[j].Owner.String()
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

// Update applies a trade to the position: size += amount,
// cost += price*amount, fees += fee. The fee is supplied by the caller
// (computed via the fee engine beforehand); the ledger never recomputes it.
// Every input and every resulting field is range-checked before anything is
// committed.
func (b *Book) Update(owner uuid.UUID, instrument int, price, amount, fee *big.Int) error {
	if err := bmath.CheckUnsigned(price, bmath.PriceBound); err != nil {
		return fmt.Errorf("price: %w", err)
	}
	if err := bmath.CheckRange(amount, bmath.AmountBound); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	if err := bmath.CheckRange(fee, bmath.DomainBound); err != nil {
		return fmt.Errorf("fee: %w", err)
	}

	notional := bmath.Mul(price, amount)
	if err := bmath.CheckRange(notional, bmath.DomainBound); err != nil {
		return fmt.Errorf("notional: %w", err)
	}

	pos := b.Get(owner, instrument)

	newSize := bmath.Add(pos.Size, amount)
	if err := bmath.CheckRange(newSize, bmath.AmountBound); err != nil {
		return fmt.Errorf("size: %w", err)
	}

	newCost := bmath.Add(pos.Cost, notional)
	if err := bmath.CheckRange(newCost, bmath.DomainBound); err != nil {
		return fmt.Errorf("cost: %w", err)
	}

	newFees := bmath.Add(pos.Fees, fee)
	if err := bmath.CheckRange(newFees, bmath.DomainBound); err != nil {
		return fmt.Errorf("fees: %w", err)
	}

	pos.Size, pos.Cost, pos.Fees = newSize, newCost, newFees
	b.put(pos)

	return nil
}

// Settle closes the position at settlePrice and returns the signed cash
// delta owed to (positive) or by (negative) the position:
//
//	cost += -size*settlePrice; fees += settleFee; delta = -(cost + fees)
//
// then zeroes size, cost and fees. Close and liquidate share this
// arithmetic; liquidate is simply settle invoked by a third party.
func (b *Book) Settle(owner uuid.UUID, instrument int, settlePrice, settleFee *big.Int) (*big.Int, error) {
	if err := bmath.CheckUnsigned(settlePrice, bmath.PriceBound); err != nil {
		return nil, fmt.Errorf("settle price: %w", err)
	}
	if err := bmath.CheckRange(settleFee, bmath.DomainBound); err != nil {
		return nil, fmt.Errorf("settle fee: %w", err)
	}

	pos := b.Get(owner, instrument)

	unwind := bmath.Mul(new(big.Int).Neg(pos.Size), settlePrice)
	if err := bmath.CheckRange(unwind, bmath.DomainBound); err != nil {
		return nil, fmt.Errorf("unwind notional: %w", err)
	}

	cost := bmath.Add(pos.Cost, unwind)
	if err := bmath.CheckRange(cost, bmath.DomainBound); err != nil {
		return nil, fmt.Errorf("cost: %w", err)
	}

	feesTotal := bmath.Add(pos.Fees, settleFee)
	if err := bmath.CheckRange(feesTotal, bmath.DomainBound); err != nil {
		return nil, fmt.Errorf("fees: %w", err)
	}

	delta := new(big.Int).Neg(bmath.Add(cost, feesTotal))
	if err := bmath.CheckRange(delta, bmath.DomainBound); err != nil {
		return nil, fmt.Errorf("delta: %w", err)
	}

	delete(b.positions, PositionKey{Owner: owner, Instrument: instrument})

	return delta, nil
}

// PnL returns the aggregate mark-to-market exposure Σ size*lastPrice across
// the instruments selected by mask.
func (b *Book) PnL(owner uuid.UUID, mask uint64, table *InstrumentTable) (*big.Int, error) {
	if err := table.CheckMask(mask); err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, idx := range bmath.Indices(mask) {
		pos, ok := b.positions[PositionKey{Owner: owner, Instrument: idx}]
		if !ok {
			continue
		}

		price, err := table.Price(idx)
		if err != nil {
			return nil, err
		}

		total.Add(total, bmath.Mul(pos.Size, price))
		if err := bmath.CheckRange(total, bmath.DomainBound); err != nil {
			return nil, fmt.Errorf("pnl: %w", err)
		}
	}

	return total, nil
}

func (b *Book) put(pos *Position) {
	key := PositionKey{Owner: pos.Owner, Instrument: pos.Instrument}
	if pos.IsEmpty() {
		delete(b.positions, key)
		return
	}
	b.positions[key] = pos
}

// Restore installs a position directly, used when loading a snapshot.
func (b *Book) Restore(pos *Position) {
	b.put(pos.clone())
}
