package vault_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"PerpCore/internal/errdefs"
	"PerpCore/internal/vault"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func newVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(4)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func mustLiquidity(t *testing.T, v *vault.Vault, i int) *big.Int {
	t.Helper()
	l, err := v.Liquidity(i)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func mustTotalShares(t *testing.T, v *vault.Vault, i int) *big.Int {
	t.Helper()
	s, err := v.TotalShares(i)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mustStake(t *testing.T, v *vault.Vault, owner uuid.UUID, i int) *big.Int {
	t.Helper()
	s, err := v.Stake(owner, i)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestVault_FirstDepositMintsScaled(t *testing.T) {
	v := newVault(t)
	provider := uuid.New()

	minted, err := v.Provide(provider, 1, bi(1_000))
	if err != nil {
		t.Fatal(err)
	}

	if minted.Int64() != 100_000 {
		t.Errorf("minted = %s, want 100000", minted)
	}
	if mustLiquidity(t, v, 1).Int64() != 1_000 {
		t.Errorf("liquidity = %s, want 1000", mustLiquidity(t, v, 1))
	}
	if mustTotalShares(t, v, 1).Int64() != 100_000 {
		t.Errorf("total shares = %s, want 100000", mustTotalShares(t, v, 1))
	}
	if mustStake(t, v, provider, 1).Cmp(minted) != 0 {
		t.Errorf("stake = %s, want %s", mustStake(t, v, provider, 1), minted)
	}

	// The deposit must not leak into other pools.
	if mustLiquidity(t, v, 0).Sign() != 0 {
		t.Errorf("pool 0 liquidity = %s, want 0", mustLiquidity(t, v, 0))
	}
}

func TestVault_SecondDepositMintsProRata(t *testing.T) {
	v := newVault(t)
	a, b := uuid.New(), uuid.New()

	if _, err := v.Provide(a, 0, bi(1_000)); err != nil {
		t.Fatal(err)
	}
	minted, err := v.Provide(b, 0, bi(500))
	if err != nil {
		t.Fatal(err)
	}

	// 500 * 100_000 / 1_000 = 50_000
	if minted.Int64() != 50_000 {
		t.Errorf("minted = %s, want 50000", minted)
	}
	if mustTotalShares(t, v, 0).Int64() != 150_000 {
		t.Errorf("total shares = %s, want 150000", mustTotalShares(t, v, 0))
	}
}

func TestVault_DepositAfterAccrualMintsAtNewPrice(t *testing.T) {
	v := newVault(t)
	a, b := uuid.New(), uuid.New()

	if _, err := v.Provide(a, 0, bi(1_000)); err != nil {
		t.Fatal(err)
	}
	// Fees accrue; the pool doubles without new shares.
	if err := v.Accrue(0, bi(1_000)); err != nil {
		t.Fatal(err)
	}

	minted, err := v.Provide(b, 0, bi(1_000))
	if err != nil {
		t.Fatal(err)
	}

	// 1_000 * 100_000 / 2_000 = 50_000: half the pool's original share count.
	if minted.Int64() != 50_000 {
		t.Errorf("minted = %s, want 50000", minted)
	}
}

func TestVault_WithdrawAllDrainsPool(t *testing.T) {
	v := newVault(t)
	provider := uuid.New()

	if _, err := v.Provide(provider, 2, bi(1_000)); err != nil {
		t.Fatal(err)
	}

	burned, err := v.Withdraw(provider, 2, bi(1_000))
	if err != nil {
		t.Fatal(err)
	}

	if burned.Int64() != 100_000 {
		t.Errorf("burned = %s, want 100000", burned)
	}
	if mustLiquidity(t, v, 2).Sign() != 0 || mustTotalShares(t, v, 2).Sign() != 0 {
		t.Errorf("pool not drained: liquidity=%s shares=%s",
			mustLiquidity(t, v, 2), mustTotalShares(t, v, 2))
	}
	if mustStake(t, v, provider, 2).Sign() != 0 {
		t.Errorf("provider still holds %s shares", mustStake(t, v, provider, 2))
	}
}

func TestVault_WithdrawBeyondRedeemable(t *testing.T) {
	v := newVault(t)
	a, b := uuid.New(), uuid.New()

	if _, err := v.Provide(a, 0, bi(1_000)); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Provide(b, 0, bi(500)); err != nil {
		t.Fatal(err)
	}

	// b holds a third of the shares and can redeem 500, not 501.
	if _, err := v.Withdraw(b, 0, bi(501)); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Errorf("expected invalid state, got %v", err)
	}

	burned, err := v.Withdraw(b, 0, bi(500))
	if err != nil {
		t.Fatal(err)
	}
	if burned.Int64() != 50_000 {
		t.Errorf("burned = %s, want 50000", burned)
	}
	if mustLiquidity(t, v, 0).Int64() != 1_000 {
		t.Errorf("liquidity = %s, want 1000", mustLiquidity(t, v, 0))
	}
}

func TestVault_WithdrawFromEmptyPool(t *testing.T) {
	v := newVault(t)
	if _, err := v.Withdraw(uuid.New(), 0, bi(1)); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Errorf("expected invalid state, got %v", err)
	}
}

func TestVault_RejectsNonPositiveAmounts(t *testing.T) {
	v := newVault(t)
	provider := uuid.New()

	for _, amount := range []int64{0, -5} {
		if _, err := v.Provide(provider, 0, bi(amount)); !errors.Is(err, errdefs.ErrOutOfRange) {
			t.Errorf("Provide(%d): expected range error, got %v", amount, err)
		}
		if _, err := v.Withdraw(provider, 0, bi(amount)); !errors.Is(err, errdefs.ErrOutOfRange) {
			t.Errorf("Withdraw(%d): expected range error, got %v", amount, err)
		}
	}
}

func TestVault_InstrumentIndexErrors(t *testing.T) {
	v := newVault(t)
	provider := uuid.New()

	for _, idx := range []int{-1, 4} {
		if _, err := v.Provide(provider, idx, bi(10)); !errors.Is(err, errdefs.ErrInvalidState) {
			t.Errorf("Provide at %d: expected invalid state, got %v", idx, err)
		}
		if _, err := v.Liquidity(idx); !errors.Is(err, errdefs.ErrInvalidState) {
			t.Errorf("Liquidity at %d: expected invalid state, got %v", idx, err)
		}
	}
}

func TestVault_LiquidityBoundEnforced(t *testing.T) {
	v := newVault(t)
	provider := uuid.New()

	bound := new(big.Int).Lsh(bi(1), 122)
	if _, err := v.Provide(provider, 0, bound); !errors.Is(err, errdefs.ErrOutOfRange) {
		t.Errorf("expected range error at bound, got %v", err)
	}

	deposit := new(big.Int).Lsh(bi(1), 118)
	if _, err := v.Provide(provider, 0, deposit); err != nil {
		t.Fatalf("deposit under bound: %v", err)
	}

	toBound := new(big.Int).Sub(bound, deposit)
	if err := v.Accrue(0, toBound); !errors.Is(err, errdefs.ErrOutOfRange) {
		t.Errorf("accrual reaching bound: expected range error, got %v", err)
	}
	if err := v.Accrue(0, new(big.Int).Sub(toBound, bi(1))); err != nil {
		t.Errorf("accrual just under bound: %v", err)
	}
}

func TestVault_AccrueCannotGoNegative(t *testing.T) {
	v := newVault(t)
	if _, err := v.Provide(uuid.New(), 0, bi(100)); err != nil {
		t.Fatal(err)
	}

	if err := v.Accrue(0, bi(-101)); !errors.Is(err, errdefs.ErrOutOfRange) {
		t.Errorf("expected range error, got %v", err)
	}
	if err := v.Accrue(0, bi(-100)); err != nil {
		t.Errorf("draining to exactly zero: %v", err)
	}
}

func TestVault_DrainedPoolIsFatal(t *testing.T) {
	v := newVault(t)
	a := uuid.New()

	if _, err := v.Provide(a, 0, bi(100)); err != nil {
		t.Fatal(err)
	}
	// Losses wipe the pool while shares remain outstanding.
	if err := v.Accrue(0, bi(-100)); err != nil {
		t.Fatal(err)
	}

	if _, err := v.Provide(uuid.New(), 0, bi(50)); !errors.Is(err, errdefs.ErrArithmetic) {
		t.Errorf("expected arithmetic error, got %v", err)
	}
	if _, err := v.Withdraw(a, 0, bi(1)); !errors.Is(err, errdefs.ErrArithmetic) {
		t.Errorf("expected arithmetic error, got %v", err)
	}
}

func TestVault_CustomMintMultiplier(t *testing.T) {
	v, err := vault.NewWithMultiplier(1, 7)
	if err != nil {
		t.Fatal(err)
	}
	minted, err := v.Provide(uuid.New(), 0, bi(10))
	if err != nil {
		t.Fatal(err)
	}
	if minted.Int64() != 70 {
		t.Errorf("minted = %s, want 70", minted)
	}
}

func TestVault_StakesAreDeterministic(t *testing.T) {
	v := newVault(t)
	a := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	b := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	for _, dep := range []struct {
		owner      uuid.UUID
		instrument int
	}{{b, 0}, {a, 2}, {a, 1}} {
		if _, err := v.Provide(dep.owner, dep.instrument, bi(100)); err != nil {
			t.Fatal(err)
		}
	}

	stakes := v.Stakes()
	if len(stakes) != 3 {
		t.Fatalf("want 3 stakes, got %d", len(stakes))
	}
	if stakes[0].Owner != a || stakes[0].Instrument != 1 ||
		stakes[1].Owner != a || stakes[1].Instrument != 2 ||
		stakes[2].Owner != b {
		t.Error("Stakes() must order by owner then instrument")
	}
}
