package infra

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
)

// BlockPriceRepository manages the AVAX/USD reference price per block.
type BlockPriceRepository struct {
	sharedDB *sql.DB
	log      zerolog.Logger
}

// NewBlockPriceRepository creates a block price repository.
func NewBlockPriceRepository(sharedDB *sql.DB, log zerolog.Logger) *BlockPriceRepository {
	return &BlockPriceRepository{
		sharedDB: sharedDB,
		log:      log.With().Str("repo", "block_price").Logger(),
	}
}

// Upsert records the reference price for one block. The first writer wins;
// the price of a block never changes once set.
func (r *BlockPriceRepository) Upsert(p *BlockPrice) error {
	query := `INSERT INTO block_prices (block_number, timestamp, price_usd, chainlink_round_id, chainlink_updated_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::numeric, $5)
		ON CONFLICT (block_number) DO NOTHING`

	if _, err := r.sharedDB.Exec(query, int64(p.BlockNumber), p.Timestamp, p.PriceUSD, p.ChainlinkRoundID, p.ChainlinkUpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert block price: %w", err)
	}
	return nil
}

// GetByBlock returns the price row for one block, or nil.
func (r *BlockPriceRepository) GetByBlock(blockNumber uint64) (*BlockPrice, error) {
	query := `SELECT block_number, timestamp, price_usd, COALESCE(chainlink_round_id::text, ''), COALESCE(chainlink_updated_at, 0)
		FROM block_prices WHERE block_number = $1`

	var p BlockPrice
	var bn int64
	err := r.sharedDB.QueryRow(query, int64(blockNumber)).Scan(&bn, &p.Timestamp, &p.PriceUSD, &p.ChainlinkRoundID, &p.ChainlinkUpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query block price: %w", err)
	}
	p.BlockNumber = uint64(bn)
	return &p, nil
}

// NearestAtOrBefore returns the newest price at or before a timestamp, or nil.
func (r *BlockPriceRepository) NearestAtOrBefore(ts int64) (*BlockPrice, error) {
	query := `SELECT block_number, timestamp, price_usd, COALESCE(chainlink_round_id::text, ''), COALESCE(chainlink_updated_at, 0)
		FROM block_prices WHERE timestamp <= $1
		ORDER BY timestamp DESC LIMIT 1`

	var p BlockPrice
	var bn int64
	err := r.sharedDB.QueryRow(query, ts).Scan(&bn, &p.Timestamp, &p.PriceUSD, &p.ChainlinkRoundID, &p.ChainlinkUpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query nearest block price: %w", err)
	}
	p.BlockNumber = uint64(bn)
	return &p, nil
}

// LatestTimestamp returns the newest priced timestamp, or 0 when empty.
func (r *BlockPriceRepository) LatestTimestamp() (int64, error) {
	var ts sql.NullInt64
	if err := r.sharedDB.QueryRow("SELECT MAX(timestamp) FROM block_prices").Scan(&ts); err != nil {
		return 0, fmt.Errorf("failed to query latest block price timestamp: %w", err)
	}
	return ts.Int64, nil
}

const priceVwapColumns = `id, asset_address, timestamp_minute, denomination, price_period, price_vwap,
	base_volume, quote_volume, pool_count, swap_count`

// PriceVwapRepository manages canonical per-minute prices.
type PriceVwapRepository struct {
	sharedDB *sql.DB
	log      zerolog.Logger
}

// NewPriceVwapRepository creates a canonical price repository.
func NewPriceVwapRepository(sharedDB *sql.DB, log zerolog.Logger) *PriceVwapRepository {
	return &PriceVwapRepository{
		sharedDB: sharedDB,
		log:      log.With().Str("repo", "price_vwap").Logger(),
	}
}

// Upsert writes one canonical minute price, replacing any prior row for the
// same (asset, minute, denomination). Re-deriving a minute must converge on
// the same values, so replacement is safe.
func (r *PriceVwapRepository) Upsert(v *PriceVwap) error {
	query := `INSERT INTO price_vwaps
			(asset_address, timestamp_minute, denomination, price_period, price_vwap,
			 base_volume, quote_volume, pool_count, swap_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (asset_address, timestamp_minute, denomination) DO UPDATE SET
			price_period = EXCLUDED.price_period,
			price_vwap = EXCLUDED.price_vwap,
			base_volume = EXCLUDED.base_volume,
			quote_volume = EXCLUDED.quote_volume,
			pool_count = EXCLUDED.pool_count,
			swap_count = EXCLUDED.swap_count`

	_, err := r.sharedDB.Exec(query,
		string(v.AssetAddress), v.TimestampMinute, string(v.Denomination),
		v.PricePeriod, v.PriceVwap, v.BaseVolume, v.QuoteVolume, v.PoolCount, v.SwapCount)
	if err != nil {
		return fmt.Errorf("failed to upsert price vwap: %w", err)
	}
	return nil
}

// GetMinute returns the canonical price for one (asset, minute, denom), or nil.
func (r *PriceVwapRepository) GetMinute(asset domain.Address, minute int64, denom domain.Denomination) (*PriceVwap, error) {
	query := "SELECT " + priceVwapColumns + ` FROM price_vwaps
		WHERE asset_address = $1 AND timestamp_minute = $2 AND denomination = $3`

	row := r.sharedDB.QueryRow(query, string(asset), minute, string(denom))
	v, err := scanPriceVwap(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query price vwap: %w", err)
	}
	return v, nil
}

// NearestAtOrBefore returns the newest canonical price at or before a minute,
// or nil when the asset has never been priced in that denomination.
func (r *PriceVwapRepository) NearestAtOrBefore(asset domain.Address, minute int64, denom domain.Denomination) (*PriceVwap, error) {
	query := "SELECT " + priceVwapColumns + ` FROM price_vwaps
		WHERE asset_address = $1 AND timestamp_minute <= $2 AND denomination = $3
		ORDER BY timestamp_minute DESC LIMIT 1`

	row := r.sharedDB.QueryRow(query, string(asset), minute, string(denom))
	v, err := scanPriceVwap(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query nearest price vwap: %w", err)
	}
	return v, nil
}

// LatestMinute returns the newest priced minute for an asset, or 0.
func (r *PriceVwapRepository) LatestMinute(asset domain.Address, denom domain.Denomination) (int64, error) {
	var minute sql.NullInt64
	err := r.sharedDB.QueryRow(
		`SELECT MAX(timestamp_minute) FROM price_vwaps WHERE asset_address = $1 AND denomination = $2`,
		string(asset), string(denom),
	).Scan(&minute)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest vwap minute: %w", err)
	}
	return minute.Int64, nil
}

// Range returns canonical prices for an asset ordered by minute.
func (r *PriceVwapRepository) Range(asset domain.Address, denom domain.Denomination, fromMinute, toMinute int64) ([]*PriceVwap, error) {
	query := "SELECT " + priceVwapColumns + ` FROM price_vwaps
		WHERE asset_address = $1 AND denomination = $2
		  AND timestamp_minute >= $3 AND timestamp_minute <= $4
		ORDER BY timestamp_minute ASC`

	rows, err := r.sharedDB.Query(query, string(asset), string(denom), fromMinute, toMinute)
	if err != nil {
		return nil, fmt.Errorf("failed to query price vwap range: %w", err)
	}
	defer rows.Close()

	var out []*PriceVwap
	for rows.Next() {
		var v PriceVwap
		if err := rows.Scan(&v.ID, &v.AssetAddress, &v.TimestampMinute, &v.Denomination,
			&v.PricePeriod, &v.PriceVwap, &v.BaseVolume, &v.QuoteVolume, &v.PoolCount, &v.SwapCount); err != nil {
			return nil, fmt.Errorf("failed to scan price vwap: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func scanPriceVwap(row *sql.Row) (*PriceVwap, error) {
	var v PriceVwap
	if err := row.Scan(&v.ID, &v.AssetAddress, &v.TimestampMinute, &v.Denomination,
		&v.PricePeriod, &v.PriceVwap, &v.BaseVolume, &v.QuoteVolume, &v.PoolCount, &v.SwapCount); err != nil {
		return nil, err
	}
	return &v, nil
}

// PoolPricingConfigRepository reads pricing pool designations.
type PoolPricingConfigRepository struct {
	sharedDB *sql.DB
	log      zerolog.Logger
}

// NewPoolPricingConfigRepository creates a pool pricing config repository.
func NewPoolPricingConfigRepository(sharedDB *sql.DB, log zerolog.Logger) *PoolPricingConfigRepository {
	return &PoolPricingConfigRepository{
		sharedDB: sharedDB,
		log:      log.With().Str("repo", "pool_pricing_config").Logger(),
	}
}

// GetForModel returns every pricing config row for a model.
func (r *PoolPricingConfigRepository) GetForModel(modelID int64) ([]*PoolPricingConfig, error) {
	query := `SELECT id, model_id, contract_id, pricing_pool, valid_from, valid_to
		FROM pool_pricing_configs WHERE model_id = $1 ORDER BY id`

	rows, err := r.sharedDB.Query(query, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pool pricing configs: %w", err)
	}
	defer rows.Close()

	var out []*PoolPricingConfig
	for rows.Next() {
		var c PoolPricingConfig
		var validTo sql.NullInt64
		if err := rows.Scan(&c.ID, &c.ModelID, &c.ContractID, &c.PricingPool, &c.ValidFrom, &validTo); err != nil {
			return nil, fmt.Errorf("failed to scan pool pricing config: %w", err)
		}
		if validTo.Valid {
			v := validTo.Int64
			c.ValidTo = &v
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
