package state_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"PerpCore/internal/errdefs"
	"PerpCore/internal/state"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestBook_EmptyPosition(t *testing.T) {
	b := state.NewBook()
	pos := b.Get(uuid.New(), 2)

	if !pos.IsEmpty() {
		t.Errorf("fresh position should be empty: size=%s cost=%s fees=%s",
			pos.Size, pos.Cost, pos.Fees)
	}
}

func TestBook_UpdateAccumulates(t *testing.T) {
	b := state.NewBook()
	owner := uuid.New()

	updates := []struct {
		price, amount, fee int64
	}{
		{1_500, 10, 100},
		{1_600, -4, 50},
		{0, 0, -25},
		{900, 7, 0},
	}

	var size, cost, fees int64
	for _, u := range updates {
		if err := b.Update(owner, 3, bi(u.price), bi(u.amount), bi(u.fee)); err != nil {
			t.Fatalf("update(%d, %d, %d): %v", u.price, u.amount, u.fee, err)
		}
		size += u.amount
		cost += u.price * u.amount
		fees += u.fee
	}

	pos := b.Get(owner, 3)
	if pos.Size.Int64() != size || pos.Cost.Int64() != cost || pos.Fees.Int64() != fees {
		t.Errorf("got size=%s cost=%s fees=%s, want %d/%d/%d",
			pos.Size, pos.Cost, pos.Fees, size, cost, fees)
	}
}

func TestBook_SettleIdentity(t *testing.T) {
	b := state.NewBook()
	owner := uuid.New()

	if err := b.Update(owner, 0, bi(1_500), bi(10), bi(100)); err != nil {
		t.Fatal(err)
	}

	delta, err := b.Settle(owner, 0, bi(0), bi(0))
	if err != nil {
		t.Fatal(err)
	}

	// delta = -(15_000 + (-10)*0 + 100)
	if delta.Int64() != -15_100 {
		t.Errorf("delta = %s, want -15100", delta)
	}

	pos := b.Get(owner, 0)
	if !pos.IsEmpty() {
		t.Errorf("position should be zeroed after settle: size=%s cost=%s fees=%s",
			pos.Size, pos.Cost, pos.Fees)
	}
}

func TestBook_SettleAtMarketPrice(t *testing.T) {
	b := state.NewBook()
	owner := uuid.New()

	// Long 10 @ 1_000, settled at 1_200: profit 2_000 minus 150 fees.
	if err := b.Update(owner, 1, bi(1_000), bi(10), bi(100)); err != nil {
		t.Fatal(err)
	}

	delta, err := b.Settle(owner, 1, bi(1_200), bi(50))
	if err != nil {
		t.Fatal(err)
	}

	// cost = 10_000 - 12_000 = -2_000; fees = 150; delta = 2_000 - 150.
	if delta.Int64() != 1_850 {
		t.Errorf("delta = %s, want 1850", delta)
	}
}

func TestBook_SettleShortPosition(t *testing.T) {
	b := state.NewBook()
	owner := uuid.New()

	if err := b.Update(owner, 1, bi(1_000), bi(-10), bi(0)); err != nil {
		t.Fatal(err)
	}

	delta, err := b.Settle(owner, 1, bi(800), bi(0))
	if err != nil {
		t.Fatal(err)
	}

	// cost = -10_000 + 10*800 = -2_000; delta = 2_000 (short profits on drop).
	if delta.Int64() != 2_000 {
		t.Errorf("delta = %s, want 2000", delta)
	}
}

func TestBook_UpdateRejectsOutOfRange(t *testing.T) {
	b := state.NewBook()
	owner := uuid.New()

	maxPrice := new(big.Int).Exp(bi(10), bi(13), nil)
	maxAmount := new(big.Int).Lsh(bi(1), 82)

	cases := []struct {
		name               string
		price, amount, fee *big.Int
	}{
		{"price at bound", maxPrice, bi(10), bi(0)},
		{"negative price", bi(-1), bi(10), bi(0)},
		{"amount at bound", bi(1), maxAmount, bi(0)},
		{"negative amount past bound", bi(1), new(big.Int).Neg(maxAmount), bi(0)},
		{"fee past domain bound", bi(1), bi(1), new(big.Int).Lsh(bi(1), 125)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := b.Update(owner, 0, c.price, c.amount, c.fee)
			if !errors.Is(err, errdefs.ErrOutOfRange) {
				t.Errorf("expected range error, got %v", err)
			}

			if pos := b.Get(owner, 0); !pos.IsEmpty() {
				t.Error("rejected update must not mutate the position")
			}
		})
	}
}

func TestBook_UpdateRejectsSizeOverflow(t *testing.T) {
	b := state.NewBook()
	owner := uuid.New()
	half := new(big.Int).Lsh(bi(1), 81)

	if err := b.Update(owner, 0, bi(1), half, bi(0)); err != nil {
		t.Fatalf("first half should fit: %v", err)
	}

	// A second 2^81 would push size to 2^82, at the bound.
	err := b.Update(owner, 0, bi(1), half, bi(0))
	if !errors.Is(err, errdefs.ErrOutOfRange) {
		t.Errorf("expected range error on accumulated size, got %v", err)
	}

	pos := b.Get(owner, 0)
	if pos.Size.Cmp(half) != 0 {
		t.Errorf("size should be unchanged by the rejected update, got %s", pos.Size)
	}
}

func TestBook_PnL(t *testing.T) {
	table, err := state.NewInstrumentTable(10)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.UpdatePrices(0b101, []*big.Int{bi(1_000), bi(2_000)}); err != nil {
		t.Fatal(err)
	}

	b := state.NewBook()
	owner := uuid.New()

	if err := b.Update(owner, 0, bi(900), bi(5), bi(0)); err != nil {
		t.Fatal(err)
	}
	if err := b.Update(owner, 2, bi(1_900), bi(-3), bi(0)); err != nil {
		t.Fatal(err)
	}
	// Position on an unselected instrument must not count.
	if err := b.Update(owner, 1, bi(50), bi(100), bi(0)); err != nil {
		t.Fatal(err)
	}

	pnl, err := b.PnL(owner, 0b101, table)
	if err != nil {
		t.Fatal(err)
	}

	// 5*1_000 + (-3)*2_000 = -1_000
	if pnl.Int64() != -1_000 {
		t.Errorf("pnl = %s, want -1000", pnl)
	}
}

func TestBook_PnLMaskOutOfRange(t *testing.T) {
	table, err := state.NewInstrumentTable(4)
	if err != nil {
		t.Fatal(err)
	}

	b := state.NewBook()
	_, err = b.PnL(uuid.New(), 1<<4, table)
	if !errors.Is(err, errdefs.ErrOutOfRange) {
		t.Errorf("expected range error for mask beyond instrument count, got %v", err)
	}
}

func TestBook_AllIsDeterministic(t *testing.T) {
	b := state.NewBook()
	o1 := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	o2 := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	for _, p := range []struct {
		owner      uuid.UUID
		instrument int
	}{{o2, 1}, {o1, 3}, {o1, 0}} {
		if err := b.Update(p.owner, p.instrument, bi(1), bi(1), bi(0)); err != nil {
			t.Fatal(err)
		}
	}

	all := b.All()
	if len(all) != 3 {
		t.Fatalf("want 3 positions, got %d", len(all))
	}
	if all[0].Owner != o1 || all[0].Instrument != 0 ||
		all[1].Owner != o1 || all[1].Instrument != 3 ||
		all[2].Owner != o2 {
		t.Error("All() must order by owner then instrument")
	}
}
