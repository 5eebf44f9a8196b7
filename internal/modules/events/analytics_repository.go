package events

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
)

// AssetPrice is one OHLC candle for (period, asset, denomination).
type AssetPrice struct {
	ID       int64
	PeriodID int64
	Asset    domain.Address
	Denom    domain.Denomination
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// AssetVolume is traded volume for (period, asset, denomination, protocol).
type AssetVolume struct {
	ID       int64
	PeriodID int64
	Asset    domain.Address
	Denom    domain.Denomination
	Protocol string
	Volume   float64
}

// AssetPriceRepository manages OHLC candles in the model database.
type AssetPriceRepository struct {
	modelDB *sql.DB
	log     zerolog.Logger
}

// NewAssetPriceRepository creates an asset price repository.
func NewAssetPriceRepository(modelDB *sql.DB, log zerolog.Logger) *AssetPriceRepository {
	return &AssetPriceRepository{
		modelDB: modelDB,
		log:     log.With().Str("repo", "asset_price").Logger(),
	}
}

// Upsert writes one candle. Re-deriving a completed period converges on the
// same values, so replacement is safe.
func (r *AssetPriceRepository) Upsert(p *AssetPrice) error {
	query := `INSERT INTO asset_prices (period_id, asset, denom, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (period_id, asset, denom) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume`

	_, err := r.modelDB.Exec(query, p.PeriodID, string(p.Asset), string(p.Denom),
		p.Open, p.High, p.Low, p.Close, p.Volume)
	if err != nil {
		return fmt.Errorf("failed to upsert asset price: %w", err)
	}
	return nil
}

// LatestPeriodID returns the newest period id with a candle for an asset, or 0.
func (r *AssetPriceRepository) LatestPeriodID(asset domain.Address, denom domain.Denomination) (int64, error) {
	var id sql.NullInt64
	err := r.modelDB.QueryRow(
		`SELECT MAX(period_id) FROM asset_prices WHERE asset = $1 AND denom = $2`,
		string(asset), string(denom),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest candle period: %w", err)
	}
	return id.Int64, nil
}

// GetForPeriod returns the candle for one (period, asset, denom), or nil.
func (r *AssetPriceRepository) GetForPeriod(periodID int64, asset domain.Address, denom domain.Denomination) (*AssetPrice, error) {
	query := `SELECT id, period_id, asset, denom, open, high, low, close, volume
		FROM asset_prices WHERE period_id = $1 AND asset = $2 AND denom = $3`

	var p AssetPrice
	err := r.modelDB.QueryRow(query, periodID, string(asset), string(denom)).
		Scan(&p.ID, &p.PeriodID, &p.Asset, &p.Denom, &p.Open, &p.High, &p.Low, &p.Close, &p.Volume)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query asset price: %w", err)
	}
	return &p, nil
}

// AssetVolumeRepository manages per-protocol volume rows.
type AssetVolumeRepository struct {
	modelDB *sql.DB
	log     zerolog.Logger
}

// NewAssetVolumeRepository creates an asset volume repository.
func NewAssetVolumeRepository(modelDB *sql.DB, log zerolog.Logger) *AssetVolumeRepository {
	return &AssetVolumeRepository{
		modelDB: modelDB,
		log:     log.With().Str("repo", "asset_volume").Logger(),
	}
}

// Upsert writes one volume row.
func (r *AssetVolumeRepository) Upsert(v *AssetVolume) error {
	query := `INSERT INTO asset_volumes (period_id, asset, denom, protocol, volume)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (period_id, asset, denom, protocol) DO UPDATE SET
			volume = EXCLUDED.volume`

	_, err := r.modelDB.Exec(query, v.PeriodID, string(v.Asset), string(v.Denom), v.Protocol, v.Volume)
	if err != nil {
		return fmt.Errorf("failed to upsert asset volume: %w", err)
	}
	return nil
}

// LatestPeriodID returns the newest period id with volume rows, or 0.
func (r *AssetVolumeRepository) LatestPeriodID(asset domain.Address, denom domain.Denomination) (int64, error) {
	var id sql.NullInt64
	err := r.modelDB.QueryRow(
		`SELECT MAX(period_id) FROM asset_volumes WHERE asset = $1 AND denom = $2`,
		string(asset), string(denom),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest volume period: %w", err)
	}
	return id.Int64, nil
}
