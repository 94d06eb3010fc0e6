package command

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// UpdatePosition applies a trade to the caller's position. Fee is the
// agreed trade fee; nil accepts the engine's quote at apply time.
type UpdatePosition struct {
	ID         uuid.UUID
	Trader     uuid.UUID
	Instrument int
	Price      *big.Int
	Amount     *big.Int
	Fee        *big.Int
	Sequence   int64
	Timestamp  time.Time
}

func (c *UpdatePosition) CommandID() string {
	return c.ID.String()
}

func (c *UpdatePosition) CommandKind() Kind {
	return KindUpdatePosition
}

func (c *UpdatePosition) SourceSequence() int64 {
	return c.Sequence
}

// ClosePosition settles the caller's position at the given price and
// returns the signed cash delta through the op record.
type ClosePosition struct {
	ID          uuid.UUID
	Trader      uuid.UUID
	Instrument  int
	SettlePrice *big.Int
	SettleFee   *big.Int
	Sequence    int64
	Timestamp   time.Time
}

func (c *ClosePosition) CommandID() string {
	return c.ID.String()
}

func (c *ClosePosition) CommandKind() Kind {
	return KindClosePosition
}

func (c *ClosePosition) SourceSequence() int64 {
	return c.Sequence
}

// Liquidate settles a third party's position. Same arithmetic as
// ClosePosition, invoked by a liquidator rather than the position's owner.
type Liquidate struct {
	ID          uuid.UUID
	Liquidator  uuid.UUID
	Target      uuid.UUID
	Instrument  int
	SettlePrice *big.Int
	SettleFee   *big.Int
	Sequence    int64
	Timestamp   time.Time
}

func (c *Liquidate) CommandID() string {
	return c.ID.String()
}

func (c *Liquidate) CommandKind() Kind {
	return KindLiquidate
}

func (c *Liquidate) SourceSequence() int64 {
	return c.Sequence
}
