package query

import "time"

// Monetary values in responses are decimal strings: they exceed int64 and
// JSON numbers lose precision past 2^53.

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	Owner        string `json:"owner"`
	Instrument   int    `json:"instrument"`
	Size         string `json:"size"`
	Cost         string `json:"cost"`
	Fees         string `json:"fees"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// InstrumentResponse represents an instrument's market state.
type InstrumentResponse struct {
	Instrument   int    `json:"instrument"`
	LastPrice    string `json:"last_price"`
	LongOI       string `json:"long_oi"`
	ShortOI      string `json:"short_oi"`
	Liquidity    string `json:"liquidity"`
	TotalShares  string `json:"total_shares"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// StakeResponse represents a provider's vault stake. Redeemable is derived
// at query time from the pool's share price.
type StakeResponse struct {
	Owner        string `json:"owner"`
	Instrument   int    `json:"instrument"`
	Shares       string `json:"shares"`
	Redeemable   string `json:"redeemable"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ParamsResponse represents the engine parameters.
type ParamsResponse struct {
	Owner        string `json:"owner,omitempty"`
	FeeRateBps   int64  `json:"fee_rate_bps"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// SettlementResponse represents a close or liquidation settlement.
type SettlementResponse struct {
	Sequence    int64     `json:"sequence"`
	Owner       string    `json:"owner"`
	Instrument  int       `json:"instrument"`
	SettlePrice string    `json:"settle_price"`
	Delta       string    `json:"delta"`
	Kind        string    `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
}

// PnLResponse is the aggregate notional value of a user's positions over a
// set of instruments, computed at query time from last prices.
type PnLResponse struct {
	Owner        string `json:"owner"`
	Mask         uint64 `json:"mask"`
	PnL          string `json:"pnl"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// QuoteResponse is a fee quote for a prospective trade.
type QuoteResponse struct {
	Instrument   int    `json:"instrument"`
	Price        string `json:"price"`
	Amount       string `json:"amount"`
	Proportional string `json:"proportional"`
	Imbalance    string `json:"imbalance"`
	Total        string `json:"total"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
