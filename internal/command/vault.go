package command

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ProvideLiquidity deposits into an instrument's pool, minting shares.
type ProvideLiquidity struct {
	ID         uuid.UUID
	Provider   uuid.UUID
	Instrument int
	Amount     *big.Int
	Sequence   int64
	Timestamp  time.Time
}

func (c *ProvideLiquidity) CommandID() string {
	return c.ID.String()
}

func (c *ProvideLiquidity) CommandKind() Kind {
	return KindProvideLiquidity
}

func (c *ProvideLiquidity) SourceSequence() int64 {
	return c.Sequence
}

// WithdrawLiquidity redeems liquidity from an instrument's pool, burning
// shares.
type WithdrawLiquidity struct {
	ID         uuid.UUID
	Provider   uuid.UUID
	Instrument int
	Amount     *big.Int
	Sequence   int64
	Timestamp  time.Time
}

func (c *WithdrawLiquidity) CommandID() string {
	return c.ID.String()
}

func (c *WithdrawLiquidity) CommandKind() Kind {
	return KindWithdrawLiquidity
}

func (c *WithdrawLiquidity) SourceSequence() int64 {
	return c.Sequence
}
