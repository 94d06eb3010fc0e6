package engine

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"PerpCore/internal/errdefs"
	"PerpCore/internal/state"
)

// Snapshot is the full serializable engine state at a point in time.
// Big integers are encoded as decimal strings; they routinely exceed int64.
type Snapshot struct {
	Owner       string               `json:"owner"` // empty when unassigned
	FeeRateBps  int64                `json:"fee_rate_bps"`
	Instruments []InstrumentSnapshot `json:"instruments"`
	Positions   []PositionSnapshot   `json:"positions"`
	Stakes      []StakeSnapshot      `json:"stakes"`
}

// InstrumentSnapshot is one instrument's market and pool state.
type InstrumentSnapshot struct {
	Index       int    `json:"index"`
	LastPrice   string `json:"last_price"`
	LongOI      string `json:"long_oi"`
	ShortOI     string `json:"short_oi"`
	Liquidity   string `json:"liquidity"`
	TotalShares string `json:"total_shares"`
}

// PositionSnapshot is a serializable position.
type PositionSnapshot struct {
	Owner      string `json:"owner"`
	Instrument int    `json:"instrument"`
	Size       string `json:"size"`
	Cost       string `json:"cost"`
	Fees       string `json:"fees"`
}

// StakeSnapshot is a serializable vault stake.
type StakeSnapshot struct {
	Owner      string `json:"owner"`
	Instrument int    `json:"instrument"`
	Shares     string `json:"shares"`
}

// Snapshot captures the engine's full state.
func (e *Engine) Snapshot() *Snapshot {
	snap := &Snapshot{FeeRateBps: e.feeRateBps}

	if owner, ok := e.guard.Owner(); ok {
		snap.Owner = owner.String()
	}

	for i := 0; i < e.table.Count(); i++ {
		price, _ := e.table.Price(i)
		long, short, _ := e.table.OpenInterest(i)
		liquidity, _ := e.vault.Liquidity(i)
		shares, _ := e.vault.TotalShares(i)
		snap.Instruments = append(snap.Instruments, InstrumentSnapshot{
			Index:       i,
			LastPrice:   price.String(),
			LongOI:      long.String(),
			ShortOI:     short.String(),
			Liquidity:   liquidity.String(),
			TotalShares: shares.String(),
		})
	}

	for _, pos := range e.book.All() {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Owner:      pos.Owner.String(),
			Instrument: pos.Instrument,
			Size:       pos.Size.String(),
			Cost:       pos.Cost.String(),
			Fees:       pos.Fees.String(),
		})
	}

	for _, stake := range e.vault.Stakes() {
		snap.Stakes = append(snap.Stakes, StakeSnapshot{
			Owner:      stake.Owner.String(),
			Instrument: stake.Instrument,
			Shares:     stake.Shares.String(),
		})
	}

	return snap
}

// Restore rebuilds the engine's state from a snapshot. The engine must be
// freshly constructed with the same instrument count.
func (e *Engine) Restore(snap *Snapshot) error {
	if snap.Owner != "" {
		owner, err := uuid.Parse(snap.Owner)
		if err != nil {
			return fmt.Errorf("%w: snapshot owner: %v", errdefs.ErrInvalidState, err)
		}
		e.guard.Restore(owner)
	}

	if snap.FeeRateBps < 0 {
		return fmt.Errorf("%w: snapshot fee rate %d", errdefs.ErrInvalidState, snap.FeeRateBps)
	}
	e.feeRateBps = snap.FeeRateBps

	for _, inst := range snap.Instruments {
		price, err := parseBig(inst.LastPrice)
		if err != nil {
			return fmt.Errorf("instrument %d price: %w", inst.Index, err)
		}
		if err := e.table.UpdatePrices(1<<uint(inst.Index), []*big.Int{price}); err != nil {
			return fmt.Errorf("instrument %d: %w", inst.Index, err)
		}

		long, err := parseBig(inst.LongOI)
		if err != nil {
			return fmt.Errorf("instrument %d long oi: %w", inst.Index, err)
		}
		short, err := parseBig(inst.ShortOI)
		if err != nil {
			return fmt.Errorf("instrument %d short oi: %w", inst.Index, err)
		}
		e.table.SetOpenInterest(inst.Index, long, short)

		liquidity, err := parseBig(inst.Liquidity)
		if err != nil {
			return fmt.Errorf("instrument %d liquidity: %w", inst.Index, err)
		}
		shares, err := parseBig(inst.TotalShares)
		if err != nil {
			return fmt.Errorf("instrument %d shares: %w", inst.Index, err)
		}
		if err := e.vault.RestorePool(inst.Index, liquidity, shares); err != nil {
			return fmt.Errorf("instrument %d pool: %w", inst.Index, err)
		}
	}

	for _, ps := range snap.Positions {
		owner, err := uuid.Parse(ps.Owner)
		if err != nil {
			return fmt.Errorf("%w: position owner: %v", errdefs.ErrInvalidState, err)
		}
		size, err := parseBig(ps.Size)
		if err != nil {
			return fmt.Errorf("position size: %w", err)
		}
		cost, err := parseBig(ps.Cost)
		if err != nil {
			return fmt.Errorf("position cost: %w", err)
		}
		feesTotal, err := parseBig(ps.Fees)
		if err != nil {
			return fmt.Errorf("position fees: %w", err)
		}
		e.book.Restore(&state.Position{
			Owner:      owner,
			Instrument: ps.Instrument,
			Size:       size,
			Cost:       cost,
			Fees:       feesTotal,
		})
	}

	for _, ss := range snap.Stakes {
		owner, err := uuid.Parse(ss.Owner)
		if err != nil {
			return fmt.Errorf("%w: stake owner: %v", errdefs.ErrInvalidState, err)
		}
		shares, err := parseBig(ss.Shares)
		if err != nil {
			return fmt.Errorf("stake shares: %w", err)
		}
		if err := e.vault.RestoreStake(owner, ss.Instrument, shares); err != nil {
			return fmt.Errorf("stake: %w", err)
		}
	}

	return nil
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed integer %q", errdefs.ErrInvalidState, s)
	}
	return v, nil
}
