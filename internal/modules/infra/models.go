// Package infra holds the shared-database models and repositories: models,
// contracts, tokens, sources, periods, block prices, canonical prices and
// pool pricing configs, plus the ConfigService that materialises an immutable
// per-model configuration snapshot.
package infra

import (
	"github.com/chainmodel/indexer/internal/domain"
)

// ModelStatus values for the models table.
const (
	ModelStatusActive   = "active"
	ModelStatusDisabled = "disabled"
)

// Model is one indexable application: a named, versioned configuration
// selecting contracts, tracked tokens and data sources.
type Model struct {
	ID                int64
	Name              string
	Version           int
	ModelDBName       string
	ModelTokenAddress domain.Address
	Status            string
}

// Contract is a tracked contract with its ABI location and transformer binding.
type Contract struct {
	ID                int64
	Address           domain.Address
	Name              string
	Project           string
	Type              string
	ABIDir            string
	ABIFile           string
	TransformerName   string
	TransformerConfig string
	BaseTokenAddress  domain.Address // empty when the contract has no base token
	DecodeAnonymous   bool
}

// Token type values used by direct pricing to recognise counter-assets.
const (
	TokenTypeWrappedNative = "wrapped_native"
	TokenTypeUSDStable     = "usd_stable"
)

// Token is global token metadata.
type Token struct {
	ID       int64
	Address  domain.Address
	Type     string
	Symbol   string
	Name     string
	Decimals int
	Project  string
}

// SourceRow is one object-store source: a path prefix plus a printf-style
// key template of block numbers.
type SourceRow struct {
	ID     int64
	Name   string
	Path   string
	Format string
}

// PeriodType values. Durations tile time with no overlap per type.
type PeriodType string

const (
	Period1Min PeriodType = "1min"
	Period5Min PeriodType = "5min"
	Period1Hr  PeriodType = "1hr"
	Period4Hr  PeriodType = "4hr"
	Period1Day PeriodType = "1day"
)

// AllPeriodTypes lists every period resolution in ascending duration.
var AllPeriodTypes = []PeriodType{Period1Min, Period5Min, Period1Hr, Period4Hr, Period1Day}

// Duration returns the period length in seconds, or 0 for unknown types.
func (p PeriodType) Duration() int64 {
	switch p {
	case Period1Min:
		return 60
	case Period5Min:
		return 300
	case Period1Hr:
		return 3600
	case Period4Hr:
		return 14400
	case Period1Day:
		return 86400
	default:
		return 0
	}
}

// Period is a closed time bucket [TimeOpen, TimeClose] with matching block
// range for one resolution.
type Period struct {
	ID         int64
	PeriodType PeriodType
	TimeOpen   int64
	TimeClose  int64
	BlockOpen  *int64
	BlockClose *int64
	IsComplete bool
}

// BlockPrice is the AVAX/USD reference for one block. At most one row per block.
type BlockPrice struct {
	BlockNumber        uint64
	Timestamp          int64
	PriceUSD           float64
	ChainlinkRoundID   string // numeric round id as string; empty when unknown
	ChainlinkUpdatedAt int64
}

// PriceVwap is the canonical price for (asset, minute, denomination): the
// per-minute volume-weighted price plus the 5-minute trailing VWAP.
type PriceVwap struct {
	ID              int64
	AssetAddress    domain.Address
	TimestampMinute int64
	Denomination    domain.Denomination
	PricePeriod     float64
	PriceVwap       float64
	BaseVolume      float64
	QuoteVolume     float64
	PoolCount       int
	SwapCount       int
}

// PoolPricingConfig designates a pool as a canonical pricing source for an
// interval. ValidTo nil means open-ended.
type PoolPricingConfig struct {
	ID          int64
	ModelID     int64
	ContractID  int64
	PricingPool bool
	ValidFrom   int64
	ValidTo     *int64
}

// ActiveAt reports whether the config covers a timestamp.
func (c PoolPricingConfig) ActiveAt(ts int64) bool {
	if !c.PricingPool || ts < c.ValidFrom {
		return false
	}
	return c.ValidTo == nil || ts <= *c.ValidTo
}
