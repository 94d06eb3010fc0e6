package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes applied operations to NATS for downstream
// consumers (risk systems, settlement pipelines, audit). Ops are published
// after the engine applies them; the durable source of truth remains the
// op log in Postgres. Subjects follow the pattern: perp.core.ops.{kind}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableOp
	logger    zerolog.Logger
}

// PublishableOp is an applied operation ready for outbound publishing.
type PublishableOp struct {
	Sequence       int64           `json:"sequence"`
	Kind           string          `json:"kind"`
	CommandID      string          `json:"command_id"`
	SourceSequence int64           `json:"source_sequence"`
	Payload        json.RawMessage `json:"payload"`
	Delta          json.RawMessage `json:"delta,omitempty"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableOp, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger.With().Str("component", "outbound_publisher").Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, rec); err != nil {
				op.logger.Warn().Int64("sequence", rec.Sequence).Err(err).Msg("outbound publish failed")
				// Non-fatal: downstream consumers can replay from the op log
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, rec PublishableOp) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal op: %w", err)
	}

	subject := fmt.Sprintf("perp.core.ops.%s", rec.Kind)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound ops stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERPCORE_OPS",
		Subjects:  []string{"perp.core.ops.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "PERPCORE_OPS").Msg("ensured outbound stream")
	return nil
}
