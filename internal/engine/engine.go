// Package engine composes the access guard, instrument table, position
// book, fee engine and liquidity vault into the venue's accounting core.
//
// An Engine applies exactly one operation at a time, end to end. Every
// operation validates all of its inputs and intermediate values before the
// first mutation, so a failed call leaves no partial state behind. Distinct
// Engine instances share nothing and may run in parallel.
package engine

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"PerpCore/internal/access"
	"PerpCore/internal/errdefs"
	"PerpCore/internal/fees"
	bmath "PerpCore/internal/math"
	"PerpCore/internal/state"
	"PerpCore/internal/vault"
)

// Config carries the engine's deployment parameters.
type Config struct {
	Instruments    int
	FeeRateBps     int64
	MintMultiplier int64
}

type Engine struct {
	guard      *access.Guard
	table      *state.InstrumentTable
	book       *state.Book
	vault      *vault.Vault
	feeRateBps int64
}

func New(cfg Config) (*Engine, error) {
	table, err := state.NewInstrumentTable(cfg.Instruments)
	if err != nil {
		return nil, err
	}
	v, err := vault.NewWithMultiplier(cfg.Instruments, cfg.MintMultiplier)
	if err != nil {
		return nil, err
	}
	if cfg.FeeRateBps < 0 || cfg.FeeRateBps > fees.Basis {
		return nil, fmt.Errorf("%w: fee rate %d bps not in 0..%d",
			errdefs.ErrInvalidState, cfg.FeeRateBps, fees.Basis)
	}

	return &Engine{
		guard:      access.NewGuard(),
		table:      table,
		book:       state.NewBook(),
		vault:      v,
		feeRateBps: cfg.FeeRateBps,
	}, nil
}

// InitOwner assigns the owner principal, exactly once.
func (e *Engine) InitOwner(owner uuid.UUID) error {
	return e.guard.Init(owner)
}

// Owner returns the owner principal and whether one has been assigned.
func (e *Engine) Owner() (uuid.UUID, bool) {
	return e.guard.Owner()
}

// UpdatePrices posts a batch of prices addressed by mask. Owner-only.
func (e *Engine) UpdatePrices(caller uuid.UUID, mask uint64, prices []*big.Int) error {
	if err := e.guard.Require(caller); err != nil {
		return err
	}
	return e.table.UpdatePrices(mask, prices)
}

// UpdateFeeRate sets the proportional fee rate in basis points. Owner-only.
func (e *Engine) UpdateFeeRate(caller uuid.UUID, bps int64) error {
	if err := e.guard.Require(caller); err != nil {
		return err
	}
	if bps < 0 || bps > fees.Basis {
		return fmt.Errorf("%w: fee rate %d bps not in 0..%d",
			errdefs.ErrInvalidState, bps, fees.Basis)
	}
	e.feeRateBps = bps
	return nil
}

// FeeRateBps returns the current proportional fee rate.
func (e *Engine) FeeRateBps() int64 {
	return e.feeRateBps
}

// QuoteFee prices a prospective trade: the proportional component at the
// current fee rate plus the imbalance component against the instrument's
// open interest and pool liquidity. The caller passes the quoted total back
// into UpdatePosition as the trade fee.
func (e *Engine) QuoteFee(instrument int, price, amount *big.Int) (*fees.Quote, error) {
	long, short, err := e.table.OpenInterest(instrument)
	if err != nil {
		return nil, err
	}
	liquidity, err := e.vault.Liquidity(instrument)
	if err != nil {
		return nil, err
	}

	// The imbalance curve works in notional terms; open interest is kept in
	// size units and scaled by the trade price here.
	longNotional := bmath.Mul(long, price)
	shortNotional := bmath.Mul(short, price)

	return fees.ComputeQuote(price, amount, longNotional, shortNotional, liquidity, e.feeRateBps)
}

// UpdatePosition applies a trade to the trader's position and adjusts the
// instrument's open interest. The fee is an input, normally obtained from
// QuoteFee; the engine never recomputes it here.
func (e *Engine) UpdatePosition(trader uuid.UUID, instrument int, price, amount, fee *big.Int) error {
	size := e.book.Get(trader, instrument).Size

	dLong, dShort := state.OpenInterestChange(amount, size)
	long, short, err := e.table.PreviewOpenInterest(instrument, dLong, dShort)
	if err != nil {
		return err
	}

	if err := e.book.Update(trader, instrument, price, amount, fee); err != nil {
		return err
	}
	e.table.SetOpenInterest(instrument, long, short)

	return nil
}

// Close settles the trader's own position at settlePrice, releases its open
// interest and returns the signed cash delta owed to (positive) or by
// (negative) the trader.
func (e *Engine) Close(trader uuid.UUID, instrument int, settlePrice, settleFee *big.Int) (*big.Int, error) {
	return e.settle(trader, instrument, settlePrice, settleFee)
}

// Liquidate settles a third party's position. Same arithmetic as Close,
// invoked by a liquidator rather than the position's owner.
func (e *Engine) Liquidate(target uuid.UUID, instrument int, settlePrice, settleFee *big.Int) (*big.Int, error) {
	return e.settle(target, instrument, settlePrice, settleFee)
}

func (e *Engine) settle(owner uuid.UUID, instrument int, settlePrice, settleFee *big.Int) (*big.Int, error) {
	size := e.book.Get(owner, instrument).Size

	// Unwinding is a trade of -size against the existing position: a pure
	// reduction of whichever side the position was on.
	dLong, dShort := state.OpenInterestChange(new(big.Int).Neg(size), size)
	long, short, err := e.table.PreviewOpenInterest(instrument, dLong, dShort)
	if err != nil {
		return nil, err
	}

	delta, err := e.book.Settle(owner, instrument, settlePrice, settleFee)
	if err != nil {
		return nil, err
	}
	e.table.SetOpenInterest(instrument, long, short)

	return delta, nil
}

// PnL returns the trader's aggregate mark-to-market exposure across the
// instruments selected by mask.
func (e *Engine) PnL(owner uuid.UUID, mask uint64) (*big.Int, error) {
	return e.book.PnL(owner, mask, e.table)
}

// ProvideLiquidity deposits into the instrument's pool, minting shares.
func (e *Engine) ProvideLiquidity(provider uuid.UUID, instrument int, amount *big.Int) (*big.Int, error) {
	return e.vault.Provide(provider, instrument, amount)
}

// WithdrawLiquidity redeems from the instrument's pool, burning shares.
func (e *Engine) WithdrawLiquidity(provider uuid.UUID, instrument int, amount *big.Int) (*big.Int, error) {
	return e.vault.Withdraw(provider, instrument, amount)
}

// Position returns a copy of the trader's position in the instrument.
func (e *Engine) Position(owner uuid.UUID, instrument int) *state.Position {
	return e.book.Get(owner, instrument)
}

// Price returns the instrument's last posted price.
func (e *Engine) Price(instrument int) (*big.Int, error) {
	return e.table.Price(instrument)
}

// OpenInterest returns the instrument's aggregate long and short open
// interest in size units.
func (e *Engine) OpenInterest(instrument int) (long, short *big.Int, err error) {
	return e.table.OpenInterest(instrument)
}

// Liquidity returns the instrument's pool balance.
func (e *Engine) Liquidity(instrument int) (*big.Int, error) {
	return e.vault.Liquidity(instrument)
}

// TotalShares returns the instrument's outstanding share supply.
func (e *Engine) TotalShares(instrument int) (*big.Int, error) {
	return e.vault.TotalShares(instrument)
}

// UserStake returns the provider's share balance in the instrument's pool.
func (e *Engine) UserStake(owner uuid.UUID, instrument int) (*big.Int, error) {
	return e.vault.Stake(owner, instrument)
}

// Instruments returns the configured instrument count.
func (e *Engine) Instruments() int {
	return e.table.Count()
}
