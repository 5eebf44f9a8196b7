package events

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
)

// Pricing method values recorded on detail rows.
const (
	MethodDirectAVAX = "DIRECT_AVAX"
	MethodDirectUSD  = "DIRECT_USD"
	MethodDirect     = "DIRECT"
	MethodCanonical  = "CANONICAL"
	MethodGlobal     = "GLOBAL"
)

// SwapRow is a persisted pool swap as pricing reads it back. Amounts stay in
// raw units as base-10 strings; scaling happens at pricing time.
type SwapRow struct {
	ContentID   domain.Hash
	TxHash      domain.Hash
	BlockNumber uint64
	Timestamp   int64
	Pool        domain.Address
	Taker       domain.Address
	Direction   domain.Direction
	BaseToken   domain.Address
	BaseAmount  string
	QuoteToken  domain.Address
	QuoteAmount string
	TradeID     domain.Hash
}

// TradeRow is a persisted trade as pricing reads it back.
type TradeRow struct {
	ContentID   domain.Hash
	TxHash      domain.Hash
	BlockNumber uint64
	Timestamp   int64
	Taker       domain.Address
	Direction   domain.Direction
	BaseToken   domain.Address
	BaseAmount  string
	QuoteToken  domain.Address
	QuoteAmount string
}

// GlobalEventRow is the shape shared by transfers, rewards and liquidity
// events when they are valued against canonical prices.
type GlobalEventRow struct {
	ContentID domain.Hash
	Timestamp int64
	Token     domain.Address
	Amount    string
}

// SwapDetail is one (swap, denomination) valuation.
type SwapDetail struct {
	ContentID     domain.Hash
	Denomination  domain.Denomination
	Value         float64
	Price         float64
	PriceMethod   string
	PriceConfigID *int64
}

// TradeDetail is one (trade, denomination) valuation.
type TradeDetail struct {
	ContentID    domain.Hash
	Denomination domain.Denomination
	Value        float64
	Price        float64
	PriceMethod  string
}

// EventDetail is one (event, denomination) valuation for global events.
type EventDetail struct {
	ContentID     domain.Hash
	EventKind     domain.EventKind
	Denomination  domain.Denomination
	Value         float64
	PricingMethod string
}

// PoolValue aggregates swap valuations per pool for volume analytics.
type PoolValue struct {
	Pool      domain.Address
	Value     float64
	SwapCount int
}

const swapRowColumns = `s.content_id, s.tx_hash, s.block_number, s.timestamp, s.pool, s.taker,
	s.direction, s.base_token, s.base_amount::text, s.quote_token, s.quote_amount::text,
	COALESCE(s.trade_id, '')`

// DetailRepository manages pricing detail rows and the read queries the
// pricing phases run against persisted events.
type DetailRepository struct {
	modelDB *sql.DB
	log     zerolog.Logger
}

// NewDetailRepository creates a detail repository.
func NewDetailRepository(modelDB *sql.DB, log zerolog.Logger) *DetailRepository {
	return &DetailRepository{
		modelDB: modelDB,
		log:     log.With().Str("repo", "detail").Logger(),
	}
}

// UpsertSwapDetail writes one swap valuation. Re-pricing replaces the row.
func (r *DetailRepository) UpsertSwapDetail(d *SwapDetail) error {
	query := `INSERT INTO pool_swap_details (content_id, denomination, value, price, price_method, price_config_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (content_id, denomination) DO UPDATE SET
			value = EXCLUDED.value,
			price = EXCLUDED.price,
			price_method = EXCLUDED.price_method,
			price_config_id = EXCLUDED.price_config_id`

	var configID any
	if d.PriceConfigID != nil {
		configID = *d.PriceConfigID
	}
	if _, err := r.modelDB.Exec(query, string(d.ContentID), string(d.Denomination), d.Value, d.Price, d.PriceMethod, configID); err != nil {
		return fmt.Errorf("failed to upsert swap detail: %w", err)
	}
	return nil
}

// UpsertTradeDetail writes one trade valuation.
func (r *DetailRepository) UpsertTradeDetail(d *TradeDetail) error {
	query := `INSERT INTO trade_details (content_id, denomination, value, price, price_method)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_id, denomination) DO UPDATE SET
			value = EXCLUDED.value,
			price = EXCLUDED.price,
			price_method = EXCLUDED.price_method`

	if _, err := r.modelDB.Exec(query, string(d.ContentID), string(d.Denomination), d.Value, d.Price, d.PriceMethod); err != nil {
		return fmt.Errorf("failed to upsert trade detail: %w", err)
	}
	return nil
}

// UpsertEventDetail writes one global event valuation.
func (r *DetailRepository) UpsertEventDetail(d *EventDetail) error {
	query := `INSERT INTO event_details (content_id, event_kind, denomination, value, pricing_method)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_id, denomination) DO UPDATE SET
			event_kind = EXCLUDED.event_kind,
			value = EXCLUDED.value,
			pricing_method = EXCLUDED.pricing_method`

	if _, err := r.modelDB.Exec(query, string(d.ContentID), string(d.EventKind), string(d.Denomination), d.Value, d.PricingMethod); err != nil {
		return fmt.Errorf("failed to upsert event detail: %w", err)
	}
	return nil
}

// SwapsMissingDetail returns swaps on the given pools that have no detail row
// for a denomination, oldest first.
func (r *DetailRepository) SwapsMissingDetail(denom domain.Denomination, pools []domain.Address, limit int) ([]*SwapRow, error) {
	if len(pools) == 0 {
		return nil, nil
	}

	query := "SELECT " + swapRowColumns + ` FROM pool_swaps s
		LEFT JOIN pool_swap_details d ON d.content_id = s.content_id AND d.denomination = $1
		WHERE d.id IS NULL AND s.pool = ANY($2)
		ORDER BY s.block_number ASC LIMIT $3`

	rows, err := r.modelDB.Query(query, string(denom), pq.Array(addressStrings(pools)), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpriced swaps: %w", err)
	}
	defer rows.Close()

	return scanSwapRows(rows)
}

// SwapsByTrade returns a trade's constituent swaps in execution order.
func (r *DetailRepository) SwapsByTrade(tradeID domain.Hash) ([]*SwapRow, error) {
	query := "SELECT " + swapRowColumns + ` FROM pool_swaps s
		WHERE s.trade_id = $1 ORDER BY s.content_id ASC`

	rows, err := r.modelDB.Query(query, string(tradeID))
	if err != nil {
		return nil, fmt.Errorf("failed to query trade swaps: %w", err)
	}
	defer rows.Close()

	return scanSwapRows(rows)
}

// SwapDetails returns existing swap valuations keyed by content id.
func (r *DetailRepository) SwapDetails(ids []domain.Hash, denom domain.Denomination) (map[domain.Hash]*SwapDetail, error) {
	if len(ids) == 0 {
		return map[domain.Hash]*SwapDetail{}, nil
	}

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = string(id)
	}

	query := `SELECT content_id, denomination, value, price, price_method
		FROM pool_swap_details WHERE content_id = ANY($1) AND denomination = $2`

	rows, err := r.modelDB.Query(query, pq.Array(strs), string(denom))
	if err != nil {
		return nil, fmt.Errorf("failed to query swap details: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Hash]*SwapDetail)
	for rows.Next() {
		var d SwapDetail
		if err := rows.Scan(&d.ContentID, &d.Denomination, &d.Value, &d.Price, &d.PriceMethod); err != nil {
			return nil, fmt.Errorf("failed to scan swap detail: %w", err)
		}
		out[d.ContentID] = &d
	}
	return out, rows.Err()
}

// TradesMissingDetail returns trades without a valuation for a denomination,
// oldest first.
func (r *DetailRepository) TradesMissingDetail(denom domain.Denomination, limit int) ([]*TradeRow, error) {
	query := `SELECT t.content_id, t.tx_hash, t.block_number, t.timestamp, t.taker, t.direction,
			t.base_token, t.base_amount::text, t.quote_token, t.quote_amount::text
		FROM trades t
		LEFT JOIN trade_details d ON d.content_id = t.content_id AND d.denomination = $1
		WHERE d.id IS NULL
		ORDER BY t.block_number ASC LIMIT $2`

	rows, err := r.modelDB.Query(query, string(denom), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpriced trades: %w", err)
	}
	defer rows.Close()

	var out []*TradeRow
	for rows.Next() {
		var t TradeRow
		var bn int64
		if err := rows.Scan(&t.ContentID, &t.TxHash, &bn, &t.Timestamp, &t.Taker, &t.Direction,
			&t.BaseToken, &t.BaseAmount, &t.QuoteToken, &t.QuoteAmount); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.BlockNumber = uint64(bn)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// globalEventQueries maps a global event kind to its table and token/amount
// columns for valuation.
var globalEventQueries = map[domain.EventKind]struct {
	table     string
	tokenCol  string
	amountCol string
}{
	domain.KindTransfer:  {"transfers", "token", "amount"},
	domain.KindReward:    {"rewards", "token", "amount"},
	domain.KindLiquidity: {"liquidity_events", "base_token", "base_amount"},
	domain.KindPosition:  {"positions", "token", "delta"},
}

// GlobalEventsMissingDetail returns global events of one kind without a
// valuation for a denomination, oldest first.
func (r *DetailRepository) GlobalEventsMissingDetail(kind domain.EventKind, denom domain.Denomination, limit int) ([]*GlobalEventRow, error) {
	meta, ok := globalEventQueries[kind]
	if !ok {
		return nil, fmt.Errorf("kind %q has no global valuation", kind)
	}

	query := `SELECT e.content_id, e.timestamp, e.` + meta.tokenCol + `, e.` + meta.amountCol + `::text
		FROM ` + meta.table + ` e
		LEFT JOIN event_details d ON d.content_id = e.content_id AND d.denomination = $1
		WHERE d.id IS NULL
		ORDER BY e.block_number ASC LIMIT $2`

	rows, err := r.modelDB.Query(query, string(denom), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unvalued %s events: %w", kind, err)
	}
	defer rows.Close()

	var out []*GlobalEventRow
	for rows.Next() {
		var e GlobalEventRow
		if err := rows.Scan(&e.ContentID, &e.Timestamp, &e.Token, &e.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan global event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PricedSwapRow is one swap joined to its valuation, as canonical pricing
// consumes it.
type PricedSwapRow struct {
	ContentID  domain.Hash
	Pool       domain.Address
	Timestamp  int64
	BaseToken  domain.Address
	BaseAmount string
	Price      float64
	Value      float64
}

// PricedSwapsForPools returns swaps on the given pools within [fromTS, toTS]
// that already carry a valuation in the denomination, ordered by timestamp.
func (r *DetailRepository) PricedSwapsForPools(pools []domain.Address, denom domain.Denomination, fromTS, toTS int64) ([]*PricedSwapRow, error) {
	if len(pools) == 0 {
		return nil, nil
	}

	query := `SELECT s.content_id, s.pool, s.timestamp, s.base_token, s.base_amount::text, d.price, d.value
		FROM pool_swaps s
		JOIN pool_swap_details d ON d.content_id = s.content_id AND d.denomination = $1
		WHERE s.pool = ANY($2) AND s.timestamp >= $3 AND s.timestamp <= $4
		ORDER BY s.timestamp ASC, s.content_id ASC`

	rows, err := r.modelDB.Query(query, string(denom), pq.Array(addressStrings(pools)), fromTS, toTS)
	if err != nil {
		return nil, fmt.Errorf("failed to query priced swaps: %w", err)
	}
	defer rows.Close()

	var out []*PricedSwapRow
	for rows.Next() {
		var s PricedSwapRow
		if err := rows.Scan(&s.ContentID, &s.Pool, &s.Timestamp, &s.BaseToken, &s.BaseAmount, &s.Price, &s.Value); err != nil {
			return nil, fmt.Errorf("failed to scan priced swap: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// PricedTradeRow is one trade joined to its valuation, as candle derivation
// consumes it.
type PricedTradeRow struct {
	ContentID domain.Hash
	Timestamp int64
	Value     float64
	Price     float64
}

// PricedTradesInRange returns valued trades of an asset within [fromTS, toTS],
// ordered by timestamp.
func (r *DetailRepository) PricedTradesInRange(asset domain.Address, denom domain.Denomination, fromTS, toTS int64) ([]*PricedTradeRow, error) {
	query := `SELECT t.content_id, t.timestamp, d.value, d.price
		FROM trades t
		JOIN trade_details d ON d.content_id = t.content_id AND d.denomination = $1
		WHERE t.base_token = $2 AND t.timestamp >= $3 AND t.timestamp <= $4
		ORDER BY t.timestamp ASC, t.content_id ASC`

	rows, err := r.modelDB.Query(query, string(denom), string(asset), fromTS, toTS)
	if err != nil {
		return nil, fmt.Errorf("failed to query priced trades: %w", err)
	}
	defer rows.Close()

	var out []*PricedTradeRow
	for rows.Next() {
		var t PricedTradeRow
		if err := rows.Scan(&t.ContentID, &t.Timestamp, &t.Value, &t.Price); err != nil {
			return nil, fmt.Errorf("failed to scan priced trade: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// SwapsMissingAnyDetail returns swaps with no valuation in the denomination
// regardless of pool, oldest first. Used by the global pricing fallback.
func (r *DetailRepository) SwapsMissingAnyDetail(denom domain.Denomination, limit int) ([]*SwapRow, error) {
	query := "SELECT " + swapRowColumns + ` FROM pool_swaps s
		LEFT JOIN pool_swap_details d ON d.content_id = s.content_id AND d.denomination = $1
		WHERE d.id IS NULL
		ORDER BY s.block_number ASC LIMIT $2`

	rows, err := r.modelDB.Query(query, string(denom), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query globally unpriced swaps: %w", err)
	}
	defer rows.Close()

	return scanSwapRows(rows)
}

// SwapValueByPool sums swap valuations of one base asset per pool within
// [fromTS, toTS]. Swaps quoted in another base never count toward the asset's
// volume, however the pool is configured.
func (r *DetailRepository) SwapValueByPool(asset domain.Address, denom domain.Denomination, fromTS, toTS int64) ([]*PoolValue, error) {
	query := `SELECT s.pool, COALESCE(SUM(d.value), 0), COUNT(*)
		FROM pool_swaps s
		JOIN pool_swap_details d ON d.content_id = s.content_id AND d.denomination = $1
		WHERE s.base_token = $2 AND s.timestamp >= $3 AND s.timestamp <= $4
		GROUP BY s.pool ORDER BY s.pool`

	rows, err := r.modelDB.Query(query, string(denom), string(asset), fromTS, toTS)
	if err != nil {
		return nil, fmt.Errorf("failed to query swap value by pool: %w", err)
	}
	defer rows.Close()

	var out []*PoolValue
	for rows.Next() {
		var v PoolValue
		if err := rows.Scan(&v.Pool, &v.Value, &v.SwapCount); err != nil {
			return nil, fmt.Errorf("failed to scan pool value: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func addressStrings(addrs []domain.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}

func scanSwapRows(rows *sql.Rows) ([]*SwapRow, error) {
	var out []*SwapRow
	for rows.Next() {
		var s SwapRow
		var bn int64
		if err := rows.Scan(&s.ContentID, &s.TxHash, &bn, &s.Timestamp, &s.Pool, &s.Taker,
			&s.Direction, &s.BaseToken, &s.BaseAmount, &s.QuoteToken, &s.QuoteAmount, &s.TradeID); err != nil {
			return nil, fmt.Errorf("failed to scan swap: %w", err)
		}
		s.BlockNumber = uint64(bn)
		out = append(out, &s)
	}
	return out, rows.Err()
}
