// Package vault implements the per-instrument liquidity pools backing the
// venue.
//
// Providers deposit into an instrument's pool and receive shares
// proportional to their stake. Shares are the unit of account for
// withdrawals; the pool's liquidity balance moves independently as trading
// fees and settlement deltas accrue to it.
package vault

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"

	"PerpCore/internal/errdefs"
	bmath "PerpCore/internal/math"
)

// DefaultMintMultiplier scales the first deposit into shares so later
// proportional mints retain precision under floor division.
const DefaultMintMultiplier = 100

type pool struct {
	liquidity   *big.Int
	totalShares *big.Int
}

// StakeKey identifies a provider's stake in one instrument's pool.
type StakeKey struct {
	Owner      uuid.UUID
	Instrument int
}

// Stake is a provider's share balance in one pool.
type Stake struct {
	Owner      uuid.UUID
	Instrument int
	Shares     *big.Int
}

// Vault tracks one liquidity pool per instrument plus the per-provider
// share ledger.
type Vault struct {
	pools          []pool
	stakes         map[StakeKey]*big.Int
	mintMultiplier *big.Int
}

func New(instruments int) (*Vault, error) {
	return NewWithMultiplier(instruments, DefaultMintMultiplier)
}

func NewWithMultiplier(instruments int, multiplier int64) (*Vault, error) {
	if instruments < 1 {
		return nil, fmt.Errorf("%w: instrument count %d", errdefs.ErrInvalidState, instruments)
	}
	if multiplier < 1 {
		multiplier = DefaultMintMultiplier
	}

	pools := make([]pool, instruments)
	for i := range pools {
		pools[i] = pool{liquidity: new(big.Int), totalShares: new(big.Int)}
	}

	return &Vault{
		pools:          pools,
		stakes:         make(map[StakeKey]*big.Int),
		mintMultiplier: big.NewInt(multiplier),
	}, nil
}

func (v *Vault) checkInstrument(i int) error {
	if i < 0 || i >= len(v.pools) {
		return fmt.Errorf("%w: instrument %d out of configured count %d",
			errdefs.ErrInvalidState, i, len(v.pools))
	}
	return nil
}

// Liquidity returns the pool's current liquidity balance.
func (v *Vault) Liquidity(i int) (*big.Int, error) {
	if err := v.checkInstrument(i); err != nil {
		return nil, err
	}
	return new(big.Int).Set(v.pools[i].liquidity), nil
}

// TotalShares returns the pool's outstanding share supply.
func (v *Vault) TotalShares(i int) (*big.Int, error) {
	if err := v.checkInstrument(i); err != nil {
		return nil, err
	}
	return new(big.Int).Set(v.pools[i].totalShares), nil
}

// Stake returns the provider's share balance in the pool, zero if they
// hold none.
func (v *Vault) Stake(owner uuid.UUID, i int) (*big.Int, error) {
	if err := v.checkInstrument(i); err != nil {
		return nil, err
	}
	if s, ok := v.stakes[StakeKey{Owner: owner, Instrument: i}]; ok {
		return new(big.Int).Set(s), nil
	}
	return new(big.Int), nil
}

// Stakes returns every nonzero stake, ordered deterministically.
func (v *Vault) Stakes() []*Stake {
	out := make([]*Stake, 0, len(v.stakes))
	for key, shares := range v.stakes {
		out = append(out, &Stake{
			Owner:      key.Owner,
			Instrument: key.Instrument,
			Shares:     new(big.Int).Set(shares),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner.String() < out[j].Owner.String()
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

// Provide deposits amount into the instrument's pool and mints shares to
// the provider. The first deposit into an empty pool mints amount scaled by
// the mint multiplier; later deposits mint pro rata against the current
// liquidity. Returns the number of shares minted.
func (v *Vault) Provide(owner uuid.UUID, i int, amount *big.Int) (*big.Int, error) {
	if err := v.checkInstrument(i); err != nil {
		return nil, err
	}
	if err := bmath.CheckPositive(amount, bmath.LiquidityBound); err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}

	p := &v.pools[i]

	var minted *big.Int
	if p.totalShares.Sign() == 0 {
		minted = new(big.Int).Mul(amount, v.mintMultiplier)
	} else {
		if p.liquidity.Sign() == 0 {
			return nil, fmt.Errorf("%w: share supply %s outstanding against empty pool",
				errdefs.ErrArithmetic, p.totalShares)
		}
		var err error
		minted, err = bmath.FloorDiv(new(big.Int).Mul(amount, p.totalShares), p.liquidity)
		if err != nil {
			return nil, err
		}
	}

	newLiquidity := bmath.Add(p.liquidity, amount)
	if err := bmath.CheckUnsigned(newLiquidity, bmath.LiquidityBound); err != nil {
		return nil, fmt.Errorf("liquidity: %w", err)
	}
	newTotal := bmath.Add(p.totalShares, minted)
	if err := bmath.CheckUnsigned(newTotal, bmath.DomainBound); err != nil {
		return nil, fmt.Errorf("total shares: %w", err)
	}

	p.liquidity = newLiquidity
	p.totalShares = newTotal
	v.creditShares(StakeKey{Owner: owner, Instrument: i}, minted)

	return new(big.Int).Set(minted), nil
}

// Withdraw redeems amount of liquidity from the instrument's pool against
// the provider's shares, burning the proportional share count. Fails if the
// provider's shares do not cover the amount at the current share price.
// Returns the number of shares burned.
func (v *Vault) Withdraw(owner uuid.UUID, i int, amount *big.Int) (*big.Int, error) {
	if err := v.checkInstrument(i); err != nil {
		return nil, err
	}
	if err := bmath.CheckPositive(amount, bmath.LiquidityBound); err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}

	p := &v.pools[i]

	if p.totalShares.Sign() == 0 {
		return nil, fmt.Errorf("%w: nothing to withdraw", errdefs.ErrInvalidState)
	}
	if p.liquidity.Sign() == 0 {
		return nil, fmt.Errorf("%w: share supply %s outstanding against empty pool",
			errdefs.ErrArithmetic, p.totalShares)
	}

	key := StakeKey{Owner: owner, Instrument: i}
	held := new(big.Int)
	if s, ok := v.stakes[key]; ok {
		held.Set(s)
	}

	redeemable, err := bmath.FloorDiv(new(big.Int).Mul(held, p.liquidity), p.totalShares)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(redeemable) > 0 {
		return nil, fmt.Errorf("%w: amount %s exceeds redeemable %s",
			errdefs.ErrInvalidState, amount, redeemable)
	}

	burned, err := bmath.FloorDiv(new(big.Int).Mul(amount, p.totalShares), p.liquidity)
	if err != nil {
		return nil, err
	}
	if burned.Cmp(held) > 0 {
		burned = held
	}

	newLiquidity := new(big.Int).Sub(p.liquidity, amount)
	newTotal := new(big.Int).Sub(p.totalShares, burned)
	if newLiquidity.Sign() > 0 && newTotal.Sign() == 0 {
		return nil, fmt.Errorf("%w: withdrawal would strand liquidity %s with zero share supply",
			errdefs.ErrInvalidState, newLiquidity)
	}
	if newLiquidity.Sign() == 0 && newTotal.Sign() != 0 {
		return nil, fmt.Errorf("%w: withdrawal would leave share supply %s against empty pool",
			errdefs.ErrInvalidState, newTotal)
	}

	p.liquidity = newLiquidity
	p.totalShares = newTotal
	v.debitShares(key, burned)

	return new(big.Int).Set(burned), nil
}

// Accrue moves a settlement or fee delta into (positive) or out of
// (negative) the instrument's pool without minting or burning shares.
func (v *Vault) Accrue(i int, delta *big.Int) error {
	if err := v.checkInstrument(i); err != nil {
		return err
	}

	p := &v.pools[i]
	next := bmath.Add(p.liquidity, delta)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: pool cannot cover delta %s (liquidity %s)",
			errdefs.ErrOutOfRange, delta, p.liquidity)
	}
	if err := bmath.CheckUnsigned(next, bmath.LiquidityBound); err != nil {
		return fmt.Errorf("liquidity: %w", err)
	}
	p.liquidity = next
	return nil
}

// RestoreStake installs a provider's share balance directly, used when
// loading a snapshot. RestorePool installs a pool's aggregate balances.
func (v *Vault) RestoreStake(owner uuid.UUID, i int, shares *big.Int) error {
	if err := v.checkInstrument(i); err != nil {
		return err
	}
	key := StakeKey{Owner: owner, Instrument: i}
	if shares.Sign() == 0 {
		delete(v.stakes, key)
		return nil
	}
	v.stakes[key] = new(big.Int).Set(shares)
	return nil
}

func (v *Vault) RestorePool(i int, liquidity, totalShares *big.Int) error {
	if err := v.checkInstrument(i); err != nil {
		return err
	}
	v.pools[i].liquidity.Set(liquidity)
	v.pools[i].totalShares.Set(totalShares)
	return nil
}

func (v *Vault) creditShares(key StakeKey, n *big.Int) {
	if n.Sign() == 0 {
		return
	}
	cur, ok := v.stakes[key]
	if !ok {
		cur = new(big.Int)
		v.stakes[key] = cur
	}
	cur.Add(cur, n)
}

func (v *Vault) debitShares(key StakeKey, n *big.Int) {
	cur, ok := v.stakes[key]
	if !ok {
		return
	}
	cur.Sub(cur, n)
	if cur.Sign() <= 0 {
		delete(v.stakes, key)
	}
}
