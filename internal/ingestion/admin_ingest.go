package ingestion

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PerpCore/internal/command"
)

// AdminIngestService provides manual command injection for operators:
// bootstrapping the owner, adjusting the fee rate, posting a price batch
// out of band. Not for high-throughput ingestion (use NATS for that).
// Injected commands go through the same engine loop as everything else.
//
// Owner and fee-rate commands share the strictly ordered admin partition,
// so the service carries its own sequence counter, seeded from the
// recovered admin watermark at startup.
type AdminIngestService struct {
	commandChan chan<- command.Command
	adminSeq    int64
}

func NewAdminIngestService(commandChan chan<- command.Command, adminSeq int64) *AdminIngestService {
	return &AdminIngestService{commandChan: commandChan, adminSeq: adminSeq}
}

func (s *AdminIngestService) nextAdminSeq() int64 {
	seq := s.adminSeq
	s.adminSeq++
	return seq
}

// InjectInitOwner assigns the owner principal. Only the first injection
// ever succeeds; the engine rejects re-initialization.
func (s *AdminIngestService) InjectInitOwner(ctx context.Context, owner uuid.UUID) error {
	if owner == uuid.Nil {
		return fmt.Errorf("owner must not be the nil principal")
	}

	cmd := &command.InitOwner{
		ID:        uuid.New(),
		Owner:     owner,
		Sequence:  s.nextAdminSeq(),
		Timestamp: time.Now(),
	}

	return s.send(ctx, cmd)
}

// InjectFeeRate sets the proportional fee rate in basis points.
func (s *AdminIngestService) InjectFeeRate(ctx context.Context, caller uuid.UUID, rateBps int64) error {
	if rateBps < 0 {
		return fmt.Errorf("rate must not be negative")
	}

	cmd := &command.UpdateFeeRate{
		ID:        uuid.New(),
		Caller:    caller,
		RateBps:   rateBps,
		Sequence:  s.nextAdminSeq(),
		Timestamp: time.Now(),
	}

	return s.send(ctx, cmd)
}

// InjectPrices posts a price batch out of band. Prices align to the mask's
// set bits in ascending order.
func (s *AdminIngestService) InjectPrices(ctx context.Context, caller uuid.UUID, mask uint64, prices []*big.Int) error {
	if mask == 0 {
		return fmt.Errorf("mask must select at least one instrument")
	}

	cmd := &command.UpdatePrices{
		ID:        uuid.New(),
		Caller:    caller,
		Mask:      mask,
		Prices:    prices,
		Sequence:  time.Now().UnixMicro(), // Price batches tolerate gaps; a timestamp always advances the watermark
		Timestamp: time.Now(),
	}

	return s.send(ctx, cmd)
}

func (s *AdminIngestService) send(ctx context.Context, cmd command.Command) error {
	select {
	case s.commandChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
