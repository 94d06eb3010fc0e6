package command

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// InitOwner assigns the engine's owner principal, exactly once.
// Idempotency key: command_id (UUID from the admin driver).
type InitOwner struct {
	ID        uuid.UUID // Idempotency key
	Owner     uuid.UUID
	Sequence  int64
	Timestamp time.Time // Versioned input timestamp (NOT wall-clock)
}

func (c *InitOwner) CommandID() string {
	return c.ID.String()
}

func (c *InitOwner) CommandKind() Kind {
	return KindInitOwner
}

func (c *InitOwner) SourceSequence() int64 {
	return c.Sequence
}

// UpdatePrices posts a batch of instrument prices, addressed by bitmask.
// Prices align to the mask's set bits in ascending order. Owner-only.
type UpdatePrices struct {
	ID        uuid.UUID
	Caller    uuid.UUID
	Mask      uint64
	Prices    []*big.Int
	Sequence  int64
	Timestamp time.Time
}

func (c *UpdatePrices) CommandID() string {
	return c.ID.String()
}

func (c *UpdatePrices) CommandKind() Kind {
	return KindUpdatePrices
}

func (c *UpdatePrices) SourceSequence() int64 {
	return c.Sequence
}

// UpdateFeeRate sets the proportional fee rate in basis points. Owner-only.
type UpdateFeeRate struct {
	ID        uuid.UUID
	Caller    uuid.UUID
	RateBps   int64
	Sequence  int64
	Timestamp time.Time
}

func (c *UpdateFeeRate) CommandID() string {
	return c.ID.String()
}

func (c *UpdateFeeRate) CommandKind() Kind {
	return KindUpdateFeeRate
}

func (c *UpdateFeeRate) SourceSequence() int64 {
	return c.Sequence
}
