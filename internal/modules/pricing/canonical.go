package pricing

import (
	"context"

	"gonum.org/v1/gonum/stat"

	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/infra"
)

// GenerateCanonicalPrices derives the canonical per-minute price of an asset
// from its designated pricing pools for every minute in [fromMinute, toMinute]
// (inclusive, minute-aligned). Minutes with no priced swap volume are skipped
// silently; a minute with no active pricing pool config is skipped with a
// warning.
func (s *Service) GenerateCanonicalPrices(ctx context.Context, asset domain.Address, denoms []domain.Denomination, fromMinute, toMinute int64) error {
	for minute := domain.MinuteBucket(fromMinute); minute <= toMinute; minute += 60 {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pools := s.pricingPoolsFor(asset, minute)
		if len(pools) == 0 {
			s.log.Warn().Str("asset", string(asset)).Int64("minute", minute).
				Msg("No pricing pools configured for minute")
			continue
		}

		for _, denom := range denoms {
			if err := s.canonicalMinute(asset, denom, pools, minute); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) pricingPoolsFor(asset domain.Address, ts int64) []domain.Address {
	var out []domain.Address
	for _, c := range s.cfg.PricingPoolsAt(ts) {
		if c.BaseTokenAddress == asset {
			out = append(out, c.Address)
		}
	}
	return out
}

func (s *Service) canonicalMinute(asset domain.Address, denom domain.Denomination, pools []domain.Address, minute int64) error {
	swaps, err := s.details.PricedSwapsForPools(pools, denom, minute, minute+59)
	if err != nil {
		return err
	}
	if len(swaps) == 0 {
		return nil
	}

	prices := make([]float64, 0, len(swaps))
	volumes := make([]float64, 0, len(swaps))
	poolSeen := make(map[domain.Address]bool)
	var baseVolume, quoteVolume float64

	for _, swap := range swaps {
		decimals, ok := s.cfg.TokenDecimals(swap.BaseToken)
		if !ok {
			continue
		}
		volume := scaleRaw(swap.BaseAmount, decimals)
		if volume <= 0 || swap.Price <= 0 {
			continue
		}
		prices = append(prices, swap.Price)
		volumes = append(volumes, volume)
		poolSeen[swap.Pool] = true
		baseVolume += volume
		quoteVolume += swap.Value
	}
	if baseVolume <= 0 {
		return nil
	}

	minutePrice := stat.Mean(prices, volumes)

	// Trailing window: the previous canonical minutes that exist, plus this one.
	window, err := s.vwaps.Range(asset, denom, minute-int64(vwapWindowMinutes-1)*60, minute-60)
	if err != nil {
		return err
	}
	windowPrices := []float64{minutePrice}
	windowVolumes := []float64{baseVolume}
	for _, prev := range window {
		if prev.BaseVolume <= 0 {
			continue
		}
		windowPrices = append(windowPrices, prev.PricePeriod)
		windowVolumes = append(windowVolumes, prev.BaseVolume)
	}
	trailing := stat.Mean(windowPrices, windowVolumes)

	return s.vwaps.Upsert(&infra.PriceVwap{
		AssetAddress:    asset,
		TimestampMinute: minute,
		Denomination:    denom,
		PricePeriod:     minutePrice,
		PriceVwap:       trailing,
		BaseVolume:      baseVolume,
		QuoteVolume:     quoteVolume,
		PoolCount:       len(poolSeen),
		SwapCount:       len(prices),
	})
}

// UpdateCanonicalPricesToPresent advances the model token's canonical price
// series from the last priced minute to now.
func (s *Service) UpdateCanonicalPricesToPresent(ctx context.Context) error {
	asset := s.cfg.Model.ModelTokenAddress
	nowMinute := domain.MinuteBucket(s.now().Unix())

	for _, denom := range domain.AllDenominations {
		last, err := s.vwaps.LatestMinute(asset, denom)
		if err != nil {
			return err
		}
		from := last + 60
		if last == 0 {
			// First run: look back one trailing window only.
			from = nowMinute - int64(vwapWindowMinutes)*60
		}
		if from > nowMinute {
			continue
		}
		if err := s.GenerateCanonicalPrices(ctx, asset, []domain.Denomination{denom}, from, nowMinute); err != nil {
			return err
		}
	}
	return nil
}
