package core_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"PerpCore/internal/command"
	"PerpCore/internal/core"
	"PerpCore/internal/engine"
	"PerpCore/internal/errdefs"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

type harness struct {
	core       *core.Core
	persist    chan core.Output
	projection chan core.Output
	owner      uuid.UUID
	seq        map[string]int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	eng, err := engine.New(engine.Config{Instruments: 4, FeeRateBps: 0, MintMultiplier: 100})
	if err != nil {
		t.Fatal(err)
	}

	persist := make(chan core.Output, 64)
	projection := make(chan core.Output, 64)
	c := core.NewCore(eng, 0, persist, projection, nil, nil)

	h := &harness{
		core:       c,
		persist:    persist,
		projection: projection,
		owner:      uuid.New(),
		seq:        make(map[string]int64),
	}

	h.apply(t, &command.InitOwner{
		ID:        uuid.New(),
		Owner:     h.owner,
		Sequence:  h.next("admin"),
		Timestamp: time.UnixMicro(1),
	})
	return h
}

func (h *harness) next(partition string) int64 {
	seq := h.seq[partition]
	h.seq[partition]++
	return seq
}

func (h *harness) apply(t *testing.T, cmd command.Command) core.Output {
	t.Helper()
	if err := h.core.ProcessCommand(cmd); err != nil {
		t.Fatalf("%s: %v", cmd.CommandKind(), err)
	}
	select {
	case out := <-h.persist:
		<-h.projection
		return out
	default:
		t.Fatalf("%s: no output emitted", cmd.CommandKind())
		return core.Output{}
	}
}

func (h *harness) trade(t *testing.T, trader uuid.UUID, instrument int, price, amount, fee int64) core.Output {
	t.Helper()
	return h.apply(t, &command.UpdatePosition{
		ID:         uuid.New(),
		Trader:     trader,
		Instrument: instrument,
		Price:      bi(price),
		Amount:     bi(amount),
		Fee:        bi(fee),
		Sequence:   h.next("instrument"),
		Timestamp:  time.UnixMicro(2),
	})
}

func TestCore_TradeAndCloseFlow(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()

	out := h.trade(t, trader, 0, 1_500, 10, 100)
	if out.Record.Kind != "UpdatePosition" {
		t.Errorf("kind = %q, want UpdatePosition", out.Record.Kind)
	}
	if len(out.Delta.Positions) != 1 || out.Delta.Positions[0].Size != "10" {
		t.Errorf("position delta = %+v, want size 10", out.Delta.Positions)
	}
	if len(out.Delta.Instruments) != 1 || out.Delta.Instruments[0].LongOI != "10" {
		t.Errorf("instrument delta = %+v, want long oi 10", out.Delta.Instruments)
	}

	out = h.apply(t, &command.ClosePosition{
		ID:          uuid.New(),
		Trader:      trader,
		Instrument:  0,
		SettlePrice: bi(0),
		SettleFee:   bi(0),
		Sequence:    h.next("instrument"),
		Timestamp:   time.UnixMicro(3),
	})

	if out.Delta.Settlement == nil {
		t.Fatal("close must emit a settlement")
	}
	if out.Delta.Settlement.Delta != "-15100" {
		t.Errorf("settlement delta = %s, want -15100", out.Delta.Settlement.Delta)
	}
	if out.Delta.Settlement.Kind != "close" {
		t.Errorf("settlement kind = %q, want close", out.Delta.Settlement.Kind)
	}
	if out.Delta.Positions[0].Size != "0" {
		t.Errorf("position after close = %+v, want size 0", out.Delta.Positions)
	}
}

func TestCore_SequenceAssignment(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()

	// InitOwner took sequence 0 inside newHarness.
	out := h.trade(t, trader, 0, 100, 1, 0)
	if out.Record.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", out.Record.Sequence)
	}
	out = h.trade(t, trader, 0, 100, 1, 0)
	if out.Record.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", out.Record.Sequence)
	}
	if h.core.Sequence() != 3 {
		t.Errorf("next sequence = %d, want 3", h.core.Sequence())
	}
}

func TestCore_HashChain(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()

	first := h.trade(t, trader, 0, 100, 1, 0)
	second := h.trade(t, trader, 0, 100, 1, 0)

	if second.Record.PrevHash != first.Record.StateHash {
		t.Error("prev hash must equal the previous record's state hash")
	}
	if first.Record.StateHash == second.Record.StateHash {
		t.Error("distinct records must not share a state hash")
	}
}

func TestCore_DuplicateCommandSkipped(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()

	cmd := &command.UpdatePosition{
		ID:         uuid.New(),
		Trader:     trader,
		Instrument: 0,
		Price:      bi(100),
		Amount:     bi(5),
		Fee:        bi(0),
		Sequence:   h.next("instrument"),
		Timestamp:  time.UnixMicro(2),
	}
	h.apply(t, cmd)

	// Redelivery: same command ID and stale sequence.
	if err := h.core.ProcessCommand(cmd); err != nil {
		t.Fatalf("duplicate must be acknowledged, got %v", err)
	}
	select {
	case <-h.persist:
		t.Error("duplicate must not emit an output")
	default:
	}

	if h.core.Engine().Position(trader, 0).Size.Int64() != 5 {
		t.Errorf("size = %s, want 5 (applied once)", h.core.Engine().Position(trader, 0).Size)
	}
}

func TestCore_SequenceGapRejected(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()

	h.trade(t, trader, 0, 100, 1, 0)

	// Skip one upstream sequence on the same partition.
	h.next("instrument")
	err := h.core.ProcessCommand(&command.UpdatePosition{
		ID:         uuid.New(),
		Trader:     trader,
		Instrument: 0,
		Price:      bi(100),
		Amount:     bi(1),
		Fee:        bi(0),
		Sequence:   h.next("instrument"),
		Timestamp:  time.UnixMicro(2),
	})
	if err == nil {
		t.Fatal("expected sequence gap error")
	}
}

func TestCore_StalePriceBatchSkipped(t *testing.T) {
	h := newHarness(t)

	if err := h.core.ProcessCommand(&command.UpdatePrices{
		ID:        uuid.New(),
		Caller:    h.owner,
		Mask:      0b1,
		Prices:    []*big.Int{bi(500)},
		Sequence:  10,
		Timestamp: time.UnixMicro(2),
	}); err != nil {
		t.Fatal(err)
	}
	<-h.persist
	<-h.projection

	// An older batch arrives late; it must be skipped without touching state.
	if err := h.core.ProcessCommand(&command.UpdatePrices{
		ID:        uuid.New(),
		Caller:    h.owner,
		Mask:      0b1,
		Prices:    []*big.Int{bi(400)},
		Sequence:  5,
		Timestamp: time.UnixMicro(3),
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-h.persist:
		t.Error("stale price batch must not emit an output")
	default:
	}

	price, err := h.core.Engine().Price(0)
	if err != nil {
		t.Fatal(err)
	}
	if price.Int64() != 500 {
		t.Errorf("price = %s, want 500", price)
	}
}

func TestCore_RejectionEmitsNothing(t *testing.T) {
	h := newHarness(t)

	err := h.core.ProcessCommand(&command.UpdatePrices{
		ID:        uuid.New(),
		Caller:    uuid.New(), // not the owner
		Mask:      0b1,
		Prices:    []*big.Int{bi(500)},
		Sequence:  0,
		Timestamp: time.UnixMicro(2),
	})
	if !errors.Is(err, errdefs.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	select {
	case <-h.persist:
		t.Error("rejected command must not emit an output")
	default:
	}
}

func TestCore_QuotedFeeOnNilFee(t *testing.T) {
	h := newHarness(t)
	trader, provider := uuid.New(), uuid.New()

	h.apply(t, &command.ProvideLiquidity{
		ID:         uuid.New(),
		Provider:   provider,
		Instrument: 0,
		Amount:     bi(1_000_000),
		Sequence:   h.next("vault"),
		Timestamp:  time.UnixMicro(2),
	})

	// Build a long skew so the quoted imbalance fee is visible.
	h.trade(t, trader, 0, 100, 500, 0)

	out := h.apply(t, &command.UpdatePosition{
		ID:         uuid.New(),
		Trader:     trader,
		Instrument: 0,
		Price:      bi(100),
		Amount:     bi(10),
		Fee:        nil, // accept the engine's quote
		Sequence:   h.next("instrument"),
		Timestamp:  time.UnixMicro(3),
	})

	// floorDiv(1_000*(2*50_000 + 1_000), 2_000_000) = 50
	if out.Delta.Positions[0].Fees != "50" {
		t.Errorf("quoted fee = %s, want 50", out.Delta.Positions[0].Fees)
	}
}

func TestCore_VaultFlow(t *testing.T) {
	h := newHarness(t)
	provider := uuid.New()

	out := h.apply(t, &command.ProvideLiquidity{
		ID:         uuid.New(),
		Provider:   provider,
		Instrument: 2,
		Amount:     bi(1_000),
		Sequence:   h.next("vault"),
		Timestamp:  time.UnixMicro(2),
	})
	if len(out.Delta.Stakes) != 1 || out.Delta.Stakes[0].Shares != "100000" {
		t.Errorf("stake delta = %+v, want 100000 shares", out.Delta.Stakes)
	}
	if out.Delta.Instruments[0].Liquidity != "1000" {
		t.Errorf("liquidity = %s, want 1000", out.Delta.Instruments[0].Liquidity)
	}

	out = h.apply(t, &command.WithdrawLiquidity{
		ID:         uuid.New(),
		Provider:   provider,
		Instrument: 2,
		Amount:     bi(1_000),
		Sequence:   h.next("vault"),
		Timestamp:  time.UnixMicro(3),
	})
	if out.Delta.Stakes[0].Shares != "0" {
		t.Errorf("stake after withdraw = %s, want 0", out.Delta.Stakes[0].Shares)
	}
	if out.Delta.Instruments[0].TotalShares != "0" {
		t.Errorf("total shares = %s, want 0", out.Delta.Instruments[0].TotalShares)
	}
}
