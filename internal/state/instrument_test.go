package state_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpCore/internal/errdefs"
	"PerpCore/internal/state"
)

func TestNewInstrumentTable_CountLimits(t *testing.T) {
	for _, count := range []int{0, -1, 65} {
		if _, err := state.NewInstrumentTable(count); !errors.Is(err, errdefs.ErrInvalidState) {
			t.Errorf("count %d: expected invalid state, got %v", count, err)
		}
	}

	for _, count := range []int{1, 64} {
		if _, err := state.NewInstrumentTable(count); err != nil {
			t.Errorf("count %d: %v", count, err)
		}
	}
}

func TestInstrumentTable_CheckMask(t *testing.T) {
	table, err := state.NewInstrumentTable(4)
	if err != nil {
		t.Fatal(err)
	}

	if err := table.CheckMask(0b1111); err != nil {
		t.Errorf("full mask within count: %v", err)
	}
	if err := table.CheckMask(1 << 4); !errors.Is(err, errdefs.ErrOutOfRange) {
		t.Errorf("mask beyond count: expected range error, got %v", err)
	}

	// A 64-instrument table accepts every mask.
	full, err := state.NewInstrumentTable(64)
	if err != nil {
		t.Fatal(err)
	}
	if err := full.CheckMask(^uint64(0)); err != nil {
		t.Errorf("all-ones mask on 64 instruments: %v", err)
	}
}

func TestInstrumentTable_UpdatePrices(t *testing.T) {
	table, err := state.NewInstrumentTable(8)
	if err != nil {
		t.Fatal(err)
	}

	// Bits 1, 3, 5 set: prices land on those indices in ascending order.
	if err := table.UpdatePrices(0b101010, []*big.Int{bi(100), bi(200), bi(300)}); err != nil {
		t.Fatal(err)
	}

	want := map[int]int64{0: 0, 1: 100, 2: 0, 3: 200, 4: 0, 5: 300}
	for idx, w := range want {
		p, err := table.Price(idx)
		if err != nil {
			t.Fatal(err)
		}
		if p.Int64() != w {
			t.Errorf("price[%d] = %s, want %d", idx, p, w)
		}
	}
}

func TestInstrumentTable_UpdatePricesLengthMismatch(t *testing.T) {
	table, err := state.NewInstrumentTable(8)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		mask   uint64
		prices int
	}{
		{0b101, 1},
		{0b101, 3},
		{0b1, 0},
		{0, 1},
	}

	for _, c := range cases {
		prices := make([]*big.Int, c.prices)
		for i := range prices {
			prices[i] = bi(1)
		}
		err := table.UpdatePrices(c.mask, prices)
		if !errors.Is(err, errdefs.ErrInvalidState) {
			t.Errorf("mask %#b with %d prices: expected invalid state, got %v", c.mask, c.prices, err)
		}
	}
}

func TestInstrumentTable_UpdatePricesRejectsBatchAtomically(t *testing.T) {
	table, err := state.NewInstrumentTable(4)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.UpdatePrices(0b11, []*big.Int{bi(10), bi(20)}); err != nil {
		t.Fatal(err)
	}

	// Second price is negative; the first must not be applied either.
	err = table.UpdatePrices(0b11, []*big.Int{bi(99), bi(-1)})
	if !errors.Is(err, errdefs.ErrOutOfRange) {
		t.Fatalf("expected range error, got %v", err)
	}

	p, err := table.Price(0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Int64() != 10 {
		t.Errorf("price[0] = %s, want 10 (failed batch must not apply)", p)
	}
}

func TestInstrumentTable_OpenInterestLifecycle(t *testing.T) {
	table, err := state.NewInstrumentTable(2)
	if err != nil {
		t.Fatal(err)
	}

	long, short, err := table.PreviewOpenInterest(0, bi(50), bi(20))
	if err != nil {
		t.Fatal(err)
	}
	if long.Int64() != 50 || short.Int64() != 20 {
		t.Errorf("preview = %s/%s, want 50/20", long, short)
	}

	// Preview alone must not commit.
	gotLong, gotShort, err := table.OpenInterest(0)
	if err != nil {
		t.Fatal(err)
	}
	if gotLong.Sign() != 0 || gotShort.Sign() != 0 {
		t.Errorf("open interest committed by preview: %s/%s", gotLong, gotShort)
	}

	table.SetOpenInterest(0, long, short)
	gotLong, gotShort, err = table.OpenInterest(0)
	if err != nil {
		t.Fatal(err)
	}
	if gotLong.Int64() != 50 || gotShort.Int64() != 20 {
		t.Errorf("open interest = %s/%s, want 50/20", gotLong, gotShort)
	}

	// A reduction past zero is rejected.
	if _, _, err := table.PreviewOpenInterest(0, bi(-60), bi(0)); !errors.Is(err, errdefs.ErrOutOfRange) {
		t.Errorf("negative open interest: expected range error, got %v", err)
	}
}

func TestOpenInterestChange(t *testing.T) {
	cases := []struct {
		name           string
		amount, size   int64
		dLong, dShort  int64
	}{
		{"open long from flat", 10, 0, 10, 0},
		{"add to long", 10, 5, 10, 0},
		{"open short from flat", -10, 0, 0, 10},
		{"add to short", -10, -5, 0, 10},
		{"partial close long", -3, 10, -3, 0},
		{"full close long", -10, 10, -10, 0},
		{"flip long to short", -15, 10, -10, 5},
		{"partial close short", 3, -10, 0, -3},
		{"full close short", 10, -10, 0, -10},
		{"flip short to long", 15, -10, 5, -10},
		{"no trade", 0, 7, 0, 0},
		{"no trade short side", 0, -7, 0, 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dLong, dShort := state.OpenInterestChange(bi(c.amount), bi(c.size))
			if dLong.Int64() != c.dLong || dShort.Int64() != c.dShort {
				t.Errorf("got %s/%s, want %d/%d", dLong, dShort, c.dLong, c.dShort)
			}
		})
	}
}

func TestInstrumentTable_IndexErrors(t *testing.T) {
	table, err := state.NewInstrumentTable(3)
	if err != nil {
		t.Fatal(err)
	}

	for _, idx := range []int{-1, 3} {
		if _, err := table.Price(idx); !errors.Is(err, errdefs.ErrInvalidState) {
			t.Errorf("Price(%d): expected invalid state, got %v", idx, err)
		}
		if _, _, err := table.OpenInterest(idx); !errors.Is(err, errdefs.ErrInvalidState) {
			t.Errorf("OpenInterest(%d): expected invalid state, got %v", idx, err)
		}
	}
}
