package command

// Kind discriminator for command payloads
type Kind int32

const (
	KindUnknown Kind = iota
	KindInitOwner
	KindUpdatePrices
	KindUpdateFeeRate
	KindUpdatePosition
	KindClosePosition
	KindLiquidate
	KindProvideLiquidity
	KindWithdrawLiquidity
)

// Command is the interface all command payloads implement. Commands enter
// over NATS, are parsed by the ingestion shell, and are applied one at a
// time by the engine loop.
type Command interface {
	// CommandID returns the stable dedup key
	CommandID() string

	// CommandKind returns the discriminator
	CommandKind() Kind

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64
}

func (k Kind) String() string {
	switch k {
	case KindInitOwner:
		return "InitOwner"
	case KindUpdatePrices:
		return "UpdatePrices"
	case KindUpdateFeeRate:
		return "UpdateFeeRate"
	case KindUpdatePosition:
		return "UpdatePosition"
	case KindClosePosition:
		return "ClosePosition"
	case KindLiquidate:
		return "Liquidate"
	case KindProvideLiquidity:
		return "ProvideLiquidity"
	case KindWithdrawLiquidity:
		return "WithdrawLiquidity"
	default:
		return "Unknown"
	}
}
