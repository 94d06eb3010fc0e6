package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpCore/internal/engine"
	"PerpCore/internal/testutil"
)

// These tests need the docker-compose.test.yml Postgres and are skipped
// otherwise.

func testOp(seq int64, kind string) OpRow {
	return OpRow{
		Sequence:       seq,
		Kind:           kind,
		CommandID:      uuid.New().String(),
		SourceSequence: seq,
		Payload:        []byte(`{}`),
		Delta:          []byte(`{}`),
		StateHash:      make([]byte, 32),
		PrevHash:       make([]byte, 32),
		Timestamp:      time.UnixMicro(1700000000000000 + seq),
	}
}

func TestOpLogWriteAndLoad(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := NewOpLogWriter(db)
	ops := []OpRow{testOp(0, "UpdatePosition"), testOp(1, "ClosePosition")}
	if err := writer.WriteOpBatch(ctx, db, ops); err != nil {
		t.Fatalf("write ops: %v", err)
	}

	// Duplicate sequences are ignored, not errors.
	if err := writer.WriteOpBatch(ctx, db, ops); err != nil {
		t.Errorf("rewrite ops: %v", err)
	}

	sm := NewSnapshotManager(db)

	seq, err := sm.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if seq != 1 {
		t.Errorf("latest sequence = %d, want 1", seq)
	}

	loaded, err := sm.LoadOpsFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("load ops: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d ops, want 2", len(loaded))
	}
	if loaded[0].Kind != "UpdatePosition" || loaded[1].Kind != "ClosePosition" {
		t.Errorf("got kinds %q, %q", loaded[0].Kind, loaded[1].Kind)
	}

	checker := NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(ops[0].Kind, ops[0].CommandID)
	if err != nil {
		t.Fatalf("idempotency lookup: %v", err)
	}
	if !dup {
		t.Error("applied command not flagged as duplicate")
	}
	dup, err = checker.IsDuplicate("UpdatePosition", uuid.New().String())
	if err != nil {
		t.Fatalf("idempotency lookup: %v", err)
	}
	if dup {
		t.Error("fresh command flagged as duplicate")
	}

	keys, err := sm.LoadRecentKeys(ctx, 10)
	if err != nil {
		t.Fatalf("load recent keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("loaded %d keys, want 2", len(keys))
	}
	// Newest first.
	want := "ClosePosition:" + ops[1].CommandID
	if keys[0] != want {
		t.Errorf("got %q, want %q", keys[0], want)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sm := NewSnapshotManager(db)

	snap := &SnapshotData{
		Sequence:  41,
		StateHash: make([]byte, 32),
		Engine: engine.Snapshot{
			Owner:      uuid.New().String(),
			FeeRateBps: 30,
			Instruments: []engine.InstrumentSnapshot{
				{Index: 0, LastPrice: "50000", LongOI: "10", ShortOI: "4", Liquidity: "1000000", TotalShares: "100000000"},
			},
		},
		SequenceState:   map[string]int64{"instrument:0": 7, "admin": 2},
		IdempotencyKeys: []string{"UpdatePosition:abc"},
		CreatedAt:       time.Now(),
	}

	if err := sm.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	// Unverified snapshots are not eligible for restarts.
	loaded, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded != nil {
		t.Fatal("unverified snapshot returned")
	}

	if err := sm.MarkVerified(ctx, 41); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	loaded, err = sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("verified snapshot not returned")
	}
	if loaded.Sequence != 41 {
		t.Errorf("sequence = %d, want 41", loaded.Sequence)
	}
	if loaded.Engine.FeeRateBps != 30 {
		t.Errorf("fee rate = %d, want 30", loaded.Engine.FeeRateBps)
	}
	if loaded.SequenceState["instrument:0"] != 7 {
		t.Errorf("watermark = %d, want 7", loaded.SequenceState["instrument:0"])
	}
}
