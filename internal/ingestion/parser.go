package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PerpCore/internal/command"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command kind) into a
// typed command. The ingestion shell validates and parses before anything
// reaches the engine loop; the engine never sees malformed input.
func ParseRawCommand(raw RawCommand, kind command.Kind) (command.Command, error) {
	switch kind {
	case command.KindInitOwner:
		return parseInitOwner(raw.Data)
	case command.KindUpdatePrices:
		return parseUpdatePrices(raw.Data)
	case command.KindUpdateFeeRate:
		return parseUpdateFeeRate(raw.Data)
	case command.KindUpdatePosition:
		return parseUpdatePosition(raw.Data)
	case command.KindClosePosition:
		return parseClosePosition(raw.Data)
	case command.KindLiquidate:
		return parseLiquidate(raw.Data)
	case command.KindProvideLiquidity:
		return parseProvideLiquidity(raw.Data)
	case command.KindWithdrawLiquidity:
		return parseWithdrawLiquidity(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command kind: %v", kind)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Monetary values
// travel as decimal strings because they exceed int64.

// parseBigField parses a decimal-string field into a big.Int.
func parseBigField(s, name string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: not a decimal integer: %q", name, s)
	}
	return v, nil
}

type initOwnerJSON struct {
	CommandID   string `json:"command_id"`
	Owner       string `json:"owner"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseInitOwner(data []byte) (*command.InitOwner, error) {
	var j initOwnerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InitOwner: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	return &command.InitOwner{
		ID:        id,
		Owner:     owner,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type updatePricesJSON struct {
	CommandID   string   `json:"command_id"`
	Caller      string   `json:"caller"`
	Mask        uint64   `json:"mask"`
	Prices      []string `json:"prices"`
	Sequence    int64    `json:"sequence"`
	TimestampUs int64    `json:"timestamp_us"`
}

func parseUpdatePrices(data []byte) (*command.UpdatePrices, error) {
	var j updatePricesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdatePrices: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	prices := make([]*big.Int, len(j.Prices))
	for i, s := range j.Prices {
		prices[i], err = parseBigField(s, fmt.Sprintf("prices[%d]", i))
		if err != nil {
			return nil, err
		}
	}
	return &command.UpdatePrices{
		ID:        id,
		Caller:    caller,
		Mask:      j.Mask,
		Prices:    prices,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type updateFeeRateJSON struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	RateBps     int64  `json:"rate_bps"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseUpdateFeeRate(data []byte) (*command.UpdateFeeRate, error) {
	var j updateFeeRateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateFeeRate: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	return &command.UpdateFeeRate{
		ID:        id,
		Caller:    caller,
		RateBps:   j.RateBps,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type updatePositionJSON struct {
	CommandID   string `json:"command_id"`
	Trader      string `json:"trader"`
	Instrument  int    `json:"instrument"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee,omitempty"` // empty accepts the engine quote
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseUpdatePosition(data []byte) (*command.UpdatePosition, error) {
	var j updatePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdatePosition: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	price, err := parseBigField(j.Price, "price")
	if err != nil {
		return nil, err
	}
	amount, err := parseBigField(j.Amount, "amount")
	if err != nil {
		return nil, err
	}
	var fee *big.Int
	if j.Fee != "" {
		fee, err = parseBigField(j.Fee, "fee")
		if err != nil {
			return nil, err
		}
	}
	return &command.UpdatePosition{
		ID:         id,
		Trader:     trader,
		Instrument: j.Instrument,
		Price:      price,
		Amount:     amount,
		Fee:        fee,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type closePositionJSON struct {
	CommandID   string `json:"command_id"`
	Trader      string `json:"trader"`
	Instrument  int    `json:"instrument"`
	SettlePrice string `json:"settle_price"`
	SettleFee   string `json:"settle_fee"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseClosePosition(data []byte) (*command.ClosePosition, error) {
	var j closePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClosePosition: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	settlePrice, err := parseBigField(j.SettlePrice, "settle_price")
	if err != nil {
		return nil, err
	}
	settleFee, err := parseBigField(j.SettleFee, "settle_fee")
	if err != nil {
		return nil, err
	}
	return &command.ClosePosition{
		ID:          id,
		Trader:      trader,
		Instrument:  j.Instrument,
		SettlePrice: settlePrice,
		SettleFee:   settleFee,
		Sequence:    j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type liquidateJSON struct {
	CommandID   string `json:"command_id"`
	Liquidator  string `json:"liquidator"`
	Target      string `json:"target"`
	Instrument  int    `json:"instrument"`
	SettlePrice string `json:"settle_price"`
	SettleFee   string `json:"settle_fee"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseLiquidate(data []byte) (*command.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	liquidator, err := uuid.Parse(j.Liquidator)
	if err != nil {
		return nil, fmt.Errorf("parse liquidator: %w", err)
	}
	target, err := uuid.Parse(j.Target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	settlePrice, err := parseBigField(j.SettlePrice, "settle_price")
	if err != nil {
		return nil, err
	}
	settleFee, err := parseBigField(j.SettleFee, "settle_fee")
	if err != nil {
		return nil, err
	}
	return &command.Liquidate{
		ID:          id,
		Liquidator:  liquidator,
		Target:      target,
		Instrument:  j.Instrument,
		SettlePrice: settlePrice,
		SettleFee:   settleFee,
		Sequence:    j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type vaultJSON struct {
	CommandID   string `json:"command_id"`
	Provider    string `json:"provider"`
	Instrument  int    `json:"instrument"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseProvideLiquidity(data []byte) (*command.ProvideLiquidity, error) {
	var j vaultJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProvideLiquidity: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	provider, err := uuid.Parse(j.Provider)
	if err != nil {
		return nil, fmt.Errorf("parse provider: %w", err)
	}
	amount, err := parseBigField(j.Amount, "amount")
	if err != nil {
		return nil, err
	}
	return &command.ProvideLiquidity{
		ID:         id,
		Provider:   provider,
		Instrument: j.Instrument,
		Amount:     amount,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawLiquidity(data []byte) (*command.WithdrawLiquidity, error) {
	var j vaultJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawLiquidity: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	provider, err := uuid.Parse(j.Provider)
	if err != nil {
		return nil, fmt.Errorf("parse provider: %w", err)
	}
	amount, err := parseBigField(j.Amount, "amount")
	if err != nil {
		return nil, err
	}
	return &command.WithdrawLiquidity{
		ID:         id,
		Provider:   provider,
		Instrument: j.Instrument,
		Amount:     amount,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}
