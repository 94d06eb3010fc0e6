package engine

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"PerpCore/internal/testutil"
)

// Snapshots persist across restarts and releases, so the encoding is
// pinned by a golden file. A mismatch here means old snapshots will not
// restore.
func TestSnapshotEncodingStable(t *testing.T) {
	eng, err := New(Config{Instruments: 1, FeeRateBps: 30, MintMultiplier: 100})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	owner := uuid.MustParse("c73d819a-5684-4866-94be-5c1d85e0e1af")
	if err := eng.InitOwner(owner); err != nil {
		t.Fatalf("init owner: %v", err)
	}
	if err := eng.UpdatePrices(owner, 1, []*big.Int{big.NewInt(50000)}); err != nil {
		t.Fatalf("update prices: %v", err)
	}

	data, err := json.Marshal(eng.Snapshot())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}

	testutil.AssertGolden(t, "snapshot.json", data)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	eng, err := New(Config{Instruments: 2, FeeRateBps: 30, MintMultiplier: 100})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	owner := uuid.MustParse("c73d819a-5684-4866-94be-5c1d85e0e1af")
	trader := uuid.MustParse("7b1f64c2-9e3d-4f10-b58a-2f0ce13a9b44")

	if err := eng.InitOwner(owner); err != nil {
		t.Fatalf("init owner: %v", err)
	}
	if err := eng.UpdatePrices(owner, 0b11, []*big.Int{big.NewInt(50000), big.NewInt(3000)}); err != nil {
		t.Fatalf("update prices: %v", err)
	}
	if _, err := eng.ProvideLiquidity(trader, 0, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("provide liquidity: %v", err)
	}
	if err := eng.UpdatePosition(trader, 0, big.NewInt(50000), big.NewInt(3), big.NewInt(450)); err != nil {
		t.Fatalf("update position: %v", err)
	}

	snap := eng.Snapshot()

	restored, err := New(Config{Instruments: 2, FeeRateBps: 30, MintMultiplier: 100})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	again, err := json.Marshal(restored.Snapshot())
	if err != nil {
		t.Fatalf("marshal restored snapshot: %v", err)
	}
	orig, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if string(again) != string(orig) {
		t.Errorf("restored snapshot diverges:\n got %s\nwant %s", again, orig)
	}

	pos := restored.Position(trader, 0)
	if pos.Size.Cmp(big.NewInt(3)) != 0 {
		t.Errorf("restored size = %s, want 3", pos.Size)
	}
}
