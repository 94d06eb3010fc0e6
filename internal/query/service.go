package query

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"PerpCore/internal/fees"
	bmath "PerpCore/internal/math"
)

// Service provides read-only access to the projection tables. All
// responses carry as_of_sequence, the projection watermark at read time,
// so callers can reason about freshness.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetPosition returns a user's position on one instrument. Absent rows
// come back as the zero position, mirroring the engine's view semantics.
func (s *Service) GetPosition(ctx context.Context, owner uuid.UUID, instrument int) (*PositionResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &PositionResponse{
		Owner:        owner.String(),
		Instrument:   instrument,
		Size:         "0",
		Cost:         "0",
		Fees:         "0",
		AsOfSequence: asOfSeq,
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT size, cost, fees FROM projections.positions
		WHERE owner = $1 AND instrument = $2
	`, owner, instrument).Scan(&resp.Size, &resp.Cost, &resp.Fees)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ListPositions returns all open positions for a user.
func (s *Service) ListPositions(ctx context.Context, owner uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument, size, cost, fees
		FROM projections.positions
		WHERE owner = $1
		ORDER BY instrument
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p := PositionResponse{Owner: owner.String(), AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.Instrument, &p.Size, &p.Cost, &p.Fees); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetInstrument returns one instrument's market state.
func (s *Service) GetInstrument(ctx context.Context, instrument int) (*InstrumentResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &InstrumentResponse{
		Instrument:   instrument,
		LastPrice:    "0",
		LongOI:       "0",
		ShortOI:      "0",
		Liquidity:    "0",
		TotalShares:  "0",
		AsOfSequence: asOfSeq,
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT last_price, long_oi, short_oi, liquidity, total_shares
		FROM projections.instruments
		WHERE instrument = $1
	`, instrument).Scan(&resp.LastPrice, &resp.LongOI, &resp.ShortOI, &resp.Liquidity, &resp.TotalShares)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ListInstruments returns all instruments that have seen activity.
func (s *Service) ListInstruments(ctx context.Context) ([]InstrumentResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument, last_price, long_oi, short_oi, liquidity, total_shares
		FROM projections.instruments
		ORDER BY instrument
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []InstrumentResponse
	for rows.Next() {
		i := InstrumentResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(&i.Instrument, &i.LastPrice, &i.LongOI, &i.ShortOI, &i.Liquidity, &i.TotalShares); err != nil {
			return nil, err
		}
		instruments = append(instruments, i)
	}

	return instruments, rows.Err()
}

// GetStake returns a provider's stake on one instrument, with the amount
// redeemable at the pool's current share price.
func (s *Service) GetStake(ctx context.Context, owner uuid.UUID, instrument int) (*StakeResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &StakeResponse{
		Owner:        owner.String(),
		Instrument:   instrument,
		Shares:       "0",
		Redeemable:   "0",
		AsOfSequence: asOfSeq,
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT shares FROM projections.stakes
		WHERE owner = $1 AND instrument = $2
	`, owner, instrument).Scan(&resp.Shares)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	var liquidityStr, totalSharesStr string
	err = s.db.QueryRowContext(ctx, `
		SELECT liquidity, total_shares FROM projections.instruments
		WHERE instrument = $1
	`, instrument).Scan(&liquidityStr, &totalSharesStr)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	shares, err := parseNumeric(resp.Shares, "shares")
	if err != nil {
		return nil, err
	}
	liquidity, err := parseNumeric(liquidityStr, "liquidity")
	if err != nil {
		return nil, err
	}
	totalShares, err := parseNumeric(totalSharesStr, "total_shares")
	if err != nil {
		return nil, err
	}

	if totalShares.Sign() > 0 {
		redeemable, err := bmath.FloorDiv(new(big.Int).Mul(shares, liquidity), totalShares)
		if err != nil {
			return nil, err
		}
		resp.Redeemable = redeemable.String()
	}

	return resp, nil
}

// ListStakes returns all of a provider's vault stakes.
func (s *Service) ListStakes(ctx context.Context, owner uuid.UUID) ([]StakeResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument, shares
		FROM projections.stakes
		WHERE owner = $1
		ORDER BY instrument
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stakes []StakeResponse
	for rows.Next() {
		st := StakeResponse{Owner: owner.String(), Redeemable: "0", AsOfSequence: asOfSeq}
		if err := rows.Scan(&st.Instrument, &st.Shares); err != nil {
			return nil, err
		}
		stakes = append(stakes, st)
	}

	return stakes, rows.Err()
}

// GetParams returns the engine parameters.
func (s *Service) GetParams(ctx context.Context) (*ParamsResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &ParamsResponse{AsOfSequence: asOfSeq}

	var owner sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT owner, fee_rate_bps FROM projections.params WHERE id = 1
	`).Scan(&owner, &resp.FeeRateBps)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	if owner.Valid {
		resp.Owner = owner.String
	}
	return resp, nil
}

// ListSettlements returns a user's settlement history with cursor-based
// pagination (newest first; afterSequence pages backwards).
func (s *Service) ListSettlements(ctx context.Context, owner uuid.UUID, limit int, afterSequence *int64) ([]SettlementResponse, error) {
	query := `
		SELECT sequence, instrument, settle_price, delta, kind, timestamp
		FROM projections.settlements
		WHERE owner = $1
	`
	args := []interface{}{owner}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []SettlementResponse
	for rows.Next() {
		st := SettlementResponse{Owner: owner.String()}
		if err := rows.Scan(&st.Sequence, &st.Instrument, &st.SettlePrice, &st.Delta, &st.Kind, &st.Timestamp); err != nil {
			return nil, err
		}
		settlements = append(settlements, st)
	}

	return settlements, rows.Err()
}

// GetPnL returns the aggregate value of a user's positions across the
// mask-selected instruments, each valued at its last posted price.
func (s *Service) GetPnL(ctx context.Context, owner uuid.UUID, mask uint64) (*PnLResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.size, i.last_price
		FROM projections.positions p
		JOIN projections.instruments i ON i.instrument = p.instrument
		WHERE p.owner = $1
		  AND (($2::BIGINT >> p.instrument) & 1) = 1
	`, owner, int64(mask))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	total := new(big.Int)
	for rows.Next() {
		var sizeStr, priceStr string
		if err := rows.Scan(&sizeStr, &priceStr); err != nil {
			return nil, err
		}
		size, err := parseNumeric(sizeStr, "size")
		if err != nil {
			return nil, err
		}
		price, err := parseNumeric(priceStr, "last_price")
		if err != nil {
			return nil, err
		}
		total.Add(total, new(big.Int).Mul(size, price))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PnLResponse{
		Owner:        owner.String(),
		Mask:         mask,
		PnL:          total.String(),
		AsOfSequence: asOfSeq,
	}, nil
}

// QuoteFee evaluates the fee models for a prospective trade against the
// projected market state. The imbalance curve works in notional terms, so
// open interest is scaled by the trade price, same as the engine does.
func (s *Service) QuoteFee(ctx context.Context, instrument int, price, amount *big.Int) (*QuoteResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var longStr, shortStr, liquidityStr string
	err = s.db.QueryRowContext(ctx, `
		SELECT long_oi, short_oi, liquidity
		FROM projections.instruments
		WHERE instrument = $1
	`, instrument).Scan(&longStr, &shortStr, &liquidityStr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instrument %d not found", instrument)
	}
	if err != nil {
		return nil, err
	}

	params, err := s.GetParams(ctx)
	if err != nil {
		return nil, err
	}

	long, err := parseNumeric(longStr, "long_oi")
	if err != nil {
		return nil, err
	}
	short, err := parseNumeric(shortStr, "short_oi")
	if err != nil {
		return nil, err
	}
	liquidity, err := parseNumeric(liquidityStr, "liquidity")
	if err != nil {
		return nil, err
	}

	quote, err := fees.ComputeQuote(
		price, amount,
		bmath.Mul(long, price), bmath.Mul(short, price),
		liquidity, params.FeeRateBps,
	)
	if err != nil {
		return nil, err
	}

	return &QuoteResponse{
		Instrument:   instrument,
		Price:        price.String(),
		Amount:       amount.String(),
		Proportional: quote.Proportional.String(),
		Imbalance:    quote.Imbalance.String(),
		Total:        quote.Total.String(),
		AsOfSequence: asOfSeq,
	}, nil
}

// VerifyIntegrity checks hash chain continuity over the op log.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM op_log.ops o1
		JOIN op_log.ops o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash != o2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence FROM projections.watermark WHERE projection = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// parseNumeric converts a NUMERIC column value into a big.Int.
func parseNumeric(s, name string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: not a decimal integer: %q", name, s)
	}
	return v, nil
}
