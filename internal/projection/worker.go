package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpCore/internal/observability"
)

// Output mirrors core.Output in projection terms to avoid an import cycle.
// The orchestrator (cmd/perpcore) bridges core.Output into this. Monetary
// values travel as decimal strings; they land in NUMERIC columns.
type Output struct {
	Sequence    int64
	Timestamp   time.Time
	Owner       string
	FeeRateBps  *int64
	Instruments []InstrumentRow
	Positions   []PositionRow
	Stakes      []StakeRow
	Settlement  *SettlementRow
}

type InstrumentRow struct {
	Index       int    `json:"index"`
	LastPrice   string `json:"last_price"`
	LongOI      string `json:"long_oi"`
	ShortOI     string `json:"short_oi"`
	Liquidity   string `json:"liquidity"`
	TotalShares string `json:"total_shares"`
}

type PositionRow struct {
	Owner      string `json:"owner"`
	Instrument int    `json:"instrument"`
	Size       string `json:"size"`
	Cost       string `json:"cost"`
	Fees       string `json:"fees"`
}

type StakeRow struct {
	Owner      string `json:"owner"`
	Instrument int    `json:"instrument"`
	Shares     string `json:"shares"`
}

type SettlementRow struct {
	Owner       string `json:"owner"`
	Instrument  int    `json:"instrument"`
	SettlePrice string `json:"settle_price"`
	Delta       string `json:"delta"`
	Kind        string `json:"kind"`
}

// Worker updates projection tables from applied operations. The projection
// channel is non-blocking with drop on the core side; when projections fall
// behind, Rebuild replays the op log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan Output, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "projection_worker").Logger(),
	}
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := w.apply(ctx, output); err != nil {
				w.logger.Warn().Int64("sequence", output.Sequence).Err(err).Msg("projection update failed")
				// Continue: projections are eventually consistent and can
				// be rebuilt from the op log
				continue
			}

			w.lastSeq = output.Sequence
			if w.metrics != nil {
				w.metrics.ProjectionApplied.WithLabelValues("main").Inc()
				w.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
				w.metrics.ProjectionWatermark.Set(float64(output.Sequence))
			}
		}
	}
}

// LastSequence returns the highest applied op sequence.
func (w *Worker) LastSequence() int64 {
	return w.lastSeq
}

func (w *Worker) apply(ctx context.Context, output Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyOutput(ctx, tx, output); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, sequence)
		VALUES ('main', $1)
		ON CONFLICT (projection) DO UPDATE SET sequence = $1
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func applyOutput(ctx context.Context, tx *sql.Tx, output Output) error {
	if output.Owner != "" || output.FeeRateBps != nil {
		if err := upsertParams(ctx, tx, output); err != nil {
			return fmt.Errorf("params projection: %w", err)
		}
	}

	for _, row := range output.Instruments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.instruments (instrument, last_price, long_oi, short_oi, liquidity, total_shares, updated_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (instrument) DO UPDATE SET
				last_price = $2, long_oi = $3, short_oi = $4,
				liquidity = $5, total_shares = $6, updated_seq = $7
		`, row.Index, row.LastPrice, row.LongOI, row.ShortOI, row.Liquidity, row.TotalShares, output.Sequence); err != nil {
			return fmt.Errorf("instrument projection: %w", err)
		}
	}

	for _, row := range output.Positions {
		if row.Size == "0" && row.Cost == "0" && row.Fees == "0" {
			// Settled or fully unwound; drop the row
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM projections.positions WHERE owner = $1 AND instrument = $2
			`, row.Owner, row.Instrument); err != nil {
				return fmt.Errorf("position delete: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions (owner, instrument, size, cost, fees, updated_seq)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (owner, instrument) DO UPDATE SET
				size = $3, cost = $4, fees = $5, updated_seq = $6
		`, row.Owner, row.Instrument, row.Size, row.Cost, row.Fees, output.Sequence); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	for _, row := range output.Stakes {
		if row.Shares == "0" {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM projections.stakes WHERE owner = $1 AND instrument = $2
			`, row.Owner, row.Instrument); err != nil {
				return fmt.Errorf("stake delete: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.stakes (owner, instrument, shares, updated_seq)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (owner, instrument) DO UPDATE SET
				shares = $3, updated_seq = $4
		`, row.Owner, row.Instrument, row.Shares, output.Sequence); err != nil {
			return fmt.Errorf("stake projection: %w", err)
		}
	}

	if s := output.Settlement; s != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.settlements (sequence, owner, instrument, settle_price, delta, kind, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (sequence) DO NOTHING
		`, output.Sequence, s.Owner, s.Instrument, s.SettlePrice, s.Delta, s.Kind, output.Timestamp); err != nil {
			return fmt.Errorf("settlement projection: %w", err)
		}
	}

	return nil
}

func upsertParams(ctx context.Context, tx *sql.Tx, output Output) error {
	if output.Owner != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.params (id, owner, fee_rate_bps, updated_seq)
			VALUES (1, $1, 0, $2)
			ON CONFLICT (id) DO UPDATE SET owner = $1, updated_seq = $2
		`, output.Owner, output.Sequence); err != nil {
			return err
		}
	}
	if output.FeeRateBps != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.params (id, owner, fee_rate_bps, updated_seq)
			VALUES (1, NULL, $1, $2)
			ON CONFLICT (id) DO UPDATE SET fee_rate_bps = $1, updated_seq = $2
		`, *output.FeeRateBps, output.Sequence); err != nil {
			return err
		}
	}
	return nil
}

// opDelta mirrors the op log's delta JSON for rebuilds.
type opDelta struct {
	Owner       string          `json:"owner,omitempty"`
	FeeRateBps  *int64          `json:"fee_rate_bps,omitempty"`
	Instruments []InstrumentRow `json:"instruments,omitempty"`
	Positions   []PositionRow   `json:"positions,omitempty"`
	Stakes      []StakeRow      `json:"stakes,omitempty"`
	Settlement  *SettlementRow  `json:"settlement,omitempty"`
}

// DeltaLoader pages op deltas out of the op log for rebuilds. The
// orchestrator bridges persistence.SnapshotManager.LoadDeltasFrom into it.
type DeltaLoader func(ctx context.Context, fromSequence int64, limit int) ([]DeltaRecord, error)

// DeltaRecord is one op's delta as stored in the op log.
type DeltaRecord struct {
	Sequence  int64
	Timestamp time.Time
	Delta     []byte
}

// Rebuild truncates all projection tables and replays deltas from the op
// log. Used when the non-blocking projection channel dropped outputs.
func Rebuild(ctx context.Context, db *sql.DB, load DeltaLoader, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.instruments`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.stakes`,
		`TRUNCATE projections.settlements`,
		`TRUNCATE projections.params`,
		`DELETE FROM projections.watermark WHERE projection = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	const pageSize = 10_000
	from := int64(0)
	total := 0

	for {
		records, err := load(ctx, from, pageSize)
		if err != nil {
			return fmt.Errorf("load deltas from %d: %w", from, err)
		}
		if len(records) == 0 {
			break
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		for _, rec := range records {
			var delta opDelta
			if err := json.Unmarshal(rec.Delta, &delta); err != nil {
				tx.Rollback()
				return fmt.Errorf("unmarshal delta at seq=%d: %w", rec.Sequence, err)
			}
			out := Output{
				Sequence:    rec.Sequence,
				Timestamp:   rec.Timestamp,
				Owner:       delta.Owner,
				FeeRateBps:  delta.FeeRateBps,
				Instruments: delta.Instruments,
				Positions:   delta.Positions,
				Stakes:      delta.Stakes,
				Settlement:  delta.Settlement,
			}
			if err := applyOutput(ctx, tx, out); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply delta at seq=%d: %w", rec.Sequence, err)
			}
		}

		last := records[len(records)-1].Sequence
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (projection, sequence)
			VALUES ('main', $1)
			ON CONFLICT (projection) DO UPDATE SET sequence = $1
		`, last); err != nil {
			tx.Rollback()
			return fmt.Errorf("watermark update: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		total += len(records)
		from = last + 1
	}

	logger.Info().Int("ops", total).Msg("projection rebuild complete")
	return nil
}
