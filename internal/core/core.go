package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PerpCore/internal/command"
	"PerpCore/internal/engine"
	"PerpCore/internal/errdefs"
	"PerpCore/internal/observability"
)

// Core is the single-threaded command processor. It owns the engine:
// exactly one goroutine calls ProcessCommand, applying commands in arrival
// order and emitting an Output per applied command.
type Core struct {
	sequence          int64
	engine            *engine.Engine
	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// Output carries one applied operation to the persistence and projection
// workers.
type Output struct {
	Record OpRecord
	Delta  *StateDelta
}

// OpRecord is the durable op-log entry for one applied command.
type OpRecord struct {
	Sequence       int64
	Kind           string
	CommandID      string
	Timestamp      time.Time
	SourceSequence int64
	Payload        []byte // JSON-encoded command
	StateHash      [32]byte
	PrevHash       [32]byte
}

// StateDelta lists the entities an operation changed, as snapshot rows.
// Projections upsert these rows; the delta is also the digest input for
// the op log's hash chain.
type StateDelta struct {
	Owner       string                      `json:"owner,omitempty"`
	FeeRateBps  *int64                      `json:"fee_rate_bps,omitempty"`
	Instruments []engine.InstrumentSnapshot `json:"instruments,omitempty"`
	Positions   []engine.PositionSnapshot   `json:"positions,omitempty"`
	Stakes      []engine.StakeSnapshot      `json:"stakes,omitempty"`
	Settlement  *Settlement                 `json:"settlement,omitempty"`
}

// Settlement records the cash delta of a close or liquidation.
type Settlement struct {
	Owner       string `json:"owner"`
	Instrument  int    `json:"instrument"`
	SettlePrice string `json:"settle_price"`
	Delta       string `json:"delta"`
	Kind        string `json:"kind"` // "close" or "liquidate"
}

func NewCore(
	eng *engine.Engine,
	startSequence int64,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Core {
	return &Core{
		sequence:          startSequence,
		engine:            eng,
		hasher:            NewStateHasher(),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// Engine exposes the underlying engine for read-only access (snapshots,
// query fallbacks). Callers must not mutate through it concurrently with
// ProcessCommand.
func (c *Core) Engine() *engine.Engine {
	return c.engine
}

// Sequence returns the next op-log sequence to be assigned.
func (c *Core) Sequence() int64 {
	return c.sequence
}

// Validator exposes the sequence validator for recovery.
func (c *Core) Validator() *SequenceValidator {
	return c.sequenceValidator
}

// Hasher exposes the hash-chain state for snapshotting and recovery.
func (c *Core) Hasher() *StateHasher {
	return c.hasher
}

// WarmIdempotency preloads dedup keys after a restart.
func (c *Core) WarmIdempotency(keys []string) {
	c.idempotency.WarmFromKeys(keys)
}

// ProcessCommand is the main processing pipeline
func (c *Core) ProcessCommand(cmd command.Command) error {
	start := time.Now()
	kind := cmd.CommandKind().String()
	commandID := cmd.CommandID()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(kind, commandID)

	// Step 2: Sequence validation. Price batches tolerate gaps; everything
	// else must arrive in order per partition.
	if prices, ok := cmd.(*command.UpdatePrices); ok {
		if stale := c.sequenceValidator.ValidatePriceSequence(prices.Sequence); stale {
			return nil
		}
	} else {
		if err := c.sequenceValidator.ValidateSequence(partition(cmd), cmd.SourceSequence(), isDuplicate); err != nil {
			c.reject(kind, "sequence")
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// Replays are acknowledged without reapplying.
	if isDuplicate {
		c.reject(kind, "duplicate")
		return nil
	}

	// Step 3: Apply through the engine. A rejection here is a clean no-op:
	// the engine validates everything before its first mutation.
	delta, err := c.dispatch(cmd)
	if err != nil {
		c.reject(kind, rejectionReason(err))
		return err
	}

	// Step 4: Digest, hash chain, op record.
	digest, err := json.Marshal(delta)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal state delta: %v", err))
	}
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)

	payload, err := json.Marshal(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal command: %v", err))
	}

	output := Output{
		Record: OpRecord{
			Sequence:       c.sequence,
			Kind:           kind,
			CommandID:      commandID,
			Timestamp:      commandTimestamp(cmd),
			SourceSequence: cmd.SourceSequence(),
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Delta: delta,
	}
	c.sequence++

	// Step 5: Emit. The persist channel uses a BLOCKING send (backpressure:
	// the loop stalls until the persistence worker drains, no op is lost).
	// The projection channel is NON-BLOCKING with silent drop; projections
	// rebuild from the op log when they fall behind.
	c.persistChan <- output
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.Inc()
		}
	}

	// Step 6: Mark as applied (add to LRU)
	c.idempotency.MarkApplied(kind, commandID)

	if c.metrics != nil {
		c.metrics.OpsApplied.WithLabelValues(kind).Inc()
		c.metrics.OpDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		c.metrics.EngineSequence.Set(float64(c.sequence))
	}

	return nil
}

// ReplayCommand reapplies a durable op during warm restart. The op log
// already proved ordering and uniqueness, so replay skips those checks and
// emits nothing; it rebuilds engine state, watermarks, the dedup LRU and
// the hash chain. When recordedHash is present it must match the
// recomputed chain hash, or the restore is corrupt.
func (c *Core) ReplayCommand(cmd command.Command, recordedHash []byte) error {
	delta, err := c.dispatch(cmd)
	if err != nil {
		return err
	}

	digest, err := json.Marshal(delta)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal state delta: %v", err))
	}
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	if len(recordedHash) == len(stateHash) && !bytes.Equal(stateHash[:], recordedHash) {
		return fmt.Errorf("%w: state hash mismatch at sequence %d", errdefs.ErrInvalidState, c.sequence)
	}

	if prices, ok := cmd.(*command.UpdatePrices); ok {
		c.sequenceValidator.SetExpectedSequence("prices", prices.Sequence+1)
	} else {
		c.sequenceValidator.SetExpectedSequence(partition(cmd), cmd.SourceSequence()+1)
	}
	c.idempotency.MarkApplied(cmd.CommandKind().String(), cmd.CommandID())
	c.sequence++

	return nil
}

func (c *Core) dispatch(cmd command.Command) (*StateDelta, error) {
	switch m := cmd.(type) {
	case *command.InitOwner:
		if err := c.engine.InitOwner(m.Owner); err != nil {
			return nil, err
		}
		return &StateDelta{Owner: m.Owner.String()}, nil

	case *command.UpdatePrices:
		if err := c.engine.UpdatePrices(m.Caller, m.Mask, m.Prices); err != nil {
			return nil, err
		}
		return &StateDelta{Instruments: c.instrumentRowsForMask(m.Mask)}, nil

	case *command.UpdateFeeRate:
		if err := c.engine.UpdateFeeRate(m.Caller, m.RateBps); err != nil {
			return nil, err
		}
		rate := c.engine.FeeRateBps()
		return &StateDelta{FeeRateBps: &rate}, nil

	case *command.UpdatePosition:
		fee := m.Fee
		if fee == nil {
			quote, err := c.engine.QuoteFee(m.Instrument, m.Price, m.Amount)
			if err != nil {
				return nil, err
			}
			fee = quote.Total
		}
		if err := c.engine.UpdatePosition(m.Trader, m.Instrument, m.Price, m.Amount, fee); err != nil {
			return nil, err
		}
		return &StateDelta{
			Positions:   []engine.PositionSnapshot{c.positionRow(m.Trader, m.Instrument)},
			Instruments: []engine.InstrumentSnapshot{c.instrumentRow(m.Instrument)},
		}, nil

	case *command.ClosePosition:
		delta, err := c.engine.Close(m.Trader, m.Instrument, m.SettlePrice, m.SettleFee)
		if err != nil {
			return nil, err
		}
		return &StateDelta{
			Positions:   []engine.PositionSnapshot{c.positionRow(m.Trader, m.Instrument)},
			Instruments: []engine.InstrumentSnapshot{c.instrumentRow(m.Instrument)},
			Settlement: &Settlement{
				Owner:       m.Trader.String(),
				Instrument:  m.Instrument,
				SettlePrice: m.SettlePrice.String(),
				Delta:       delta.String(),
				Kind:        "close",
			},
		}, nil

	case *command.Liquidate:
		delta, err := c.engine.Liquidate(m.Target, m.Instrument, m.SettlePrice, m.SettleFee)
		if err != nil {
			return nil, err
		}
		return &StateDelta{
			Positions:   []engine.PositionSnapshot{c.positionRow(m.Target, m.Instrument)},
			Instruments: []engine.InstrumentSnapshot{c.instrumentRow(m.Instrument)},
			Settlement: &Settlement{
				Owner:       m.Target.String(),
				Instrument:  m.Instrument,
				SettlePrice: m.SettlePrice.String(),
				Delta:       delta.String(),
				Kind:        "liquidate",
			},
		}, nil

	case *command.ProvideLiquidity:
		if _, err := c.engine.ProvideLiquidity(m.Provider, m.Instrument, m.Amount); err != nil {
			return nil, err
		}
		return &StateDelta{
			Stakes:      []engine.StakeSnapshot{c.stakeRow(m.Provider, m.Instrument)},
			Instruments: []engine.InstrumentSnapshot{c.instrumentRow(m.Instrument)},
		}, nil

	case *command.WithdrawLiquidity:
		if _, err := c.engine.WithdrawLiquidity(m.Provider, m.Instrument, m.Amount); err != nil {
			return nil, err
		}
		return &StateDelta{
			Stakes:      []engine.StakeSnapshot{c.stakeRow(m.Provider, m.Instrument)},
			Instruments: []engine.InstrumentSnapshot{c.instrumentRow(m.Instrument)},
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown command %T", errdefs.ErrInvalidState, cmd)
	}
}

func (c *Core) instrumentRow(i int) engine.InstrumentSnapshot {
	price, _ := c.engine.Price(i)
	long, short, _ := c.engine.OpenInterest(i)
	liquidity, _ := c.engine.Liquidity(i)
	shares, _ := c.engine.TotalShares(i)
	if price == nil {
		price = new(big.Int)
	}
	if long == nil {
		long = new(big.Int)
	}
	if short == nil {
		short = new(big.Int)
	}
	if liquidity == nil {
		liquidity = new(big.Int)
	}
	if shares == nil {
		shares = new(big.Int)
	}
	return engine.InstrumentSnapshot{
		Index:       i,
		LastPrice:   price.String(),
		LongOI:      long.String(),
		ShortOI:     short.String(),
		Liquidity:   liquidity.String(),
		TotalShares: shares.String(),
	}
}

func (c *Core) instrumentRowsForMask(mask uint64) []engine.InstrumentSnapshot {
	var rows []engine.InstrumentSnapshot
	for i := 0; i < c.engine.Instruments(); i++ {
		if mask&(1<<uint(i)) != 0 {
			rows = append(rows, c.instrumentRow(i))
		}
	}
	return rows
}

func (c *Core) positionRow(owner uuid.UUID, i int) engine.PositionSnapshot {
	pos := c.engine.Position(owner, i)
	return engine.PositionSnapshot{
		Owner:      pos.Owner.String(),
		Instrument: pos.Instrument,
		Size:       pos.Size.String(),
		Cost:       pos.Cost.String(),
		Fees:       pos.Fees.String(),
	}
}

func (c *Core) stakeRow(owner uuid.UUID, i int) engine.StakeSnapshot {
	shares, err := c.engine.UserStake(owner, i)
	if err != nil {
		shares = new(big.Int)
	}
	return engine.StakeSnapshot{
		Owner:      owner.String(),
		Instrument: i,
		Shares:     shares.String(),
	}
}

func (c *Core) reject(kind, reason string) {
	if c.metrics != nil {
		c.metrics.OpsRejected.WithLabelValues(kind, reason).Inc()
	}
}

// partition derives the ordering partition for sequence validation.
// Position and vault flows come from distinct upstream producers and are
// sequenced independently per instrument.
func partition(cmd command.Command) string {
	switch m := cmd.(type) {
	case *command.UpdatePosition:
		return fmt.Sprintf("instrument:%d", m.Instrument)
	case *command.ClosePosition:
		return fmt.Sprintf("instrument:%d", m.Instrument)
	case *command.Liquidate:
		return fmt.Sprintf("instrument:%d", m.Instrument)
	case *command.ProvideLiquidity:
		return fmt.Sprintf("vault:%d", m.Instrument)
	case *command.WithdrawLiquidity:
		return fmt.Sprintf("vault:%d", m.Instrument)
	default:
		return "admin"
	}
}

// commandTimestamp extracts the versioned input timestamp. The engine loop
// never reads the wall clock for op records.
func commandTimestamp(cmd command.Command) time.Time {
	switch m := cmd.(type) {
	case *command.InitOwner:
		return m.Timestamp
	case *command.UpdatePrices:
		return m.Timestamp
	case *command.UpdateFeeRate:
		return m.Timestamp
	case *command.UpdatePosition:
		return m.Timestamp
	case *command.ClosePosition:
		return m.Timestamp
	case *command.Liquidate:
		return m.Timestamp
	case *command.ProvideLiquidity:
		return m.Timestamp
	case *command.WithdrawLiquidity:
		return m.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: commandTimestamp called with unhandled command type %T", cmd))
	}
}

// rejectionReason maps an engine error to a metrics label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrOutOfRange):
		return "range"
	case errors.Is(err, errdefs.ErrArithmetic):
		return "arithmetic"
	case errors.Is(err, errdefs.ErrPermission):
		return "permission"
	case errors.Is(err, errdefs.ErrInvalidState):
		return "state"
	default:
		return "other"
	}
}
