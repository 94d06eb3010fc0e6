package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// OpLogWriter writes applied operations to Postgres using batch inserts.
// Multi-row INSERT is used as a portable alternative to the COPY protocol;
// switch to pgx CopyFrom if write throughput ever becomes the bottleneck.
type OpLogWriter struct {
	db *sql.DB
}

// OpRow represents a row in op_log.ops.
type OpRow struct {
	Sequence       int64
	Kind           string
	CommandID      string
	SourceSequence int64
	Payload        []byte // JSON-encoded command
	Delta          []byte // JSON-encoded state delta
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// SettlementRow represents a row in op_log.settlements. Settlements carry
// the cash delta of a close or liquidation for downstream cash systems.
type SettlementRow struct {
	Sequence    int64
	Owner       string
	Instrument  int
	SettlePrice string // decimal string, exceeds int64
	Delta       string
	Kind        string // "close" or "liquidate"
	Timestamp   time.Time
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

// execer abstracts *sql.DB and *sql.Tx so batch writes run inside the
// worker's flush transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WriteOpBatch writes a batch of ops to op_log.ops using multi-row INSERT.
func (w *OpLogWriter) WriteOpBatch(ctx context.Context, ex execer, ops []OpRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.ops
		(sequence, kind, command_id, source_sequence, payload, delta, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*9)

	for i, o := range ops {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			o.Sequence, o.Kind, o.CommandID, o.SourceSequence,
			o.Payload, o.Delta, o.StateHash, o.PrevHash, o.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteSettlementBatch writes a batch of settlement rows to op_log.settlements.
func (w *OpLogWriter) WriteSettlementBatch(ctx context.Context, ex execer, settlements []SettlementRow) error {
	if len(settlements) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.settlements
		(sequence, owner, instrument, settle_price, delta, kind, timestamp)
		VALUES `

	values := make([]string, 0, len(settlements))
	args := make([]interface{}, 0, len(settlements)*7)

	for i, s := range settlements {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			s.Sequence, s.Owner, s.Instrument, s.SettlePrice,
			s.Delta, s.Kind, s.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
