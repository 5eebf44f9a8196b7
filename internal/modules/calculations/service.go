// Package calculations derives analytics from priced events: canonical event
// valuations, OHLC candles per period, and per-protocol volume. Everything
// here is re-derivable; every write converges on the same values for the same
// inputs.
package calculations

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/events"
	"github.com/chainmodel/indexer/internal/modules/infra"
)

// defaultBatchLimit bounds how many events one valuation pass touches.
const defaultBatchLimit = 5000

// analyticsLookback is how far back each run re-derives candles and volume.
// Completed periods older than this are assumed settled.
const analyticsLookback = 48 * time.Hour

// globalKinds are the event kinds valued against canonical prices.
var globalKinds = []domain.EventKind{
	domain.KindTransfer,
	domain.KindLiquidity,
	domain.KindReward,
	domain.KindPosition,
}

// Service runs the calculation phases for one model.
type Service struct {
	cfg     *infra.ModelConfig
	periods *infra.PeriodRepository
	vwaps   *infra.PriceVwapRepository
	details *events.DetailRepository
	prices  *events.AssetPriceRepository
	volumes *events.AssetVolumeRepository
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a calculation service.
func New(
	cfg *infra.ModelConfig,
	periods *infra.PeriodRepository,
	vwaps *infra.PriceVwapRepository,
	details *events.DetailRepository,
	prices *events.AssetPriceRepository,
	volumes *events.AssetVolumeRepository,
	log zerolog.Logger,
) *Service {
	return &Service{
		cfg:     cfg,
		periods: periods,
		vwaps:   vwaps,
		details: details,
		prices:  prices,
		volumes: volumes,
		now:     time.Now,
		log:     log.With().Str("service", "calculations").Logger(),
	}
}

// CalculateEventValuations values transfers, liquidity events, rewards and
// position changes against the canonical price at each event's minute. Events
// whose minute has no canonical price stay unvalued and are picked up later.
func (s *Service) CalculateEventValuations(ctx context.Context, denoms []domain.Denomination) error {
	for _, denom := range denoms {
		for _, kind := range globalKinds {
			if err := s.valueEvents(ctx, kind, denom); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) valueEvents(ctx context.Context, kind domain.EventKind, denom domain.Denomination) error {
	rows, err := s.details.GlobalEventsMissingDetail(kind, denom, defaultBatchLimit)
	if err != nil {
		return err
	}

	valued := 0
	for _, ev := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		price, ok, err := s.canonicalPriceAt(ev.Token, ev.Timestamp, denom)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		decimals, ok := s.cfg.TokenDecimals(ev.Token)
		if !ok {
			continue
		}
		amount := scaleRaw(ev.Amount, decimals)

		// Position deltas are signed; the valuation keeps the sign.
		if err := s.details.UpsertEventDetail(&events.EventDetail{
			ContentID:     ev.ContentID,
			EventKind:     kind,
			Denomination:  denom,
			Value:         amount * price,
			PricingMethod: events.MethodCanonical,
		}); err != nil {
			return err
		}
		valued++
	}

	if valued > 0 {
		s.log.Debug().Str("kind", string(kind)).Str("denom", string(denom)).
			Int("valued", valued).Msg("Event valuations written")
	}
	return nil
}

// GenerateAssetOHLCCandles derives one candle per completed period for the
// model token from its valued trades. Periods with no trades get no candle.
func (s *Service) GenerateAssetOHLCCandles(ctx context.Context, denoms []domain.Denomination) error {
	asset := s.cfg.Model.ModelTokenAddress
	now := s.now().Unix()
	from := now - int64(analyticsLookback.Seconds())

	for _, pt := range infra.AllPeriodTypes {
		periods, err := s.periods.CompletedRange(pt, from, now)
		if err != nil {
			return err
		}
		for _, p := range periods {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for _, denom := range denoms {
				existing, err := s.prices.GetForPeriod(p.ID, asset, denom)
				if err != nil {
					return err
				}
				if existing != nil {
					continue
				}
				if err := s.candleForPeriod(p, asset, denom); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Service) candleForPeriod(p *infra.Period, asset domain.Address, denom domain.Denomination) error {
	trades, err := s.details.PricedTradesInRange(asset, denom, p.TimeOpen, p.TimeClose)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		return nil
	}

	candle := &events.AssetPrice{
		PeriodID: p.ID,
		Asset:    asset,
		Denom:    denom,
		Open:     trades[0].Price,
		High:     trades[0].Price,
		Low:      trades[0].Price,
		Close:    trades[len(trades)-1].Price,
	}
	for _, t := range trades {
		if t.Price > candle.High {
			candle.High = t.Price
		}
		if t.Price < candle.Low {
			candle.Low = t.Price
		}
		if t.Price > 0 {
			// Volume in base units: value / price.
			candle.Volume += t.Value / t.Price
		}
	}

	return s.prices.Upsert(candle)
}

// CalculateAssetVolumeByProtocol aggregates swap value per protocol for each
// completed period. Pools map to protocols through the contract registry.
func (s *Service) CalculateAssetVolumeByProtocol(ctx context.Context, denoms []domain.Denomination) error {
	asset := s.cfg.Model.ModelTokenAddress
	now := s.now().Unix()
	from := now - int64(analyticsLookback.Seconds())

	for _, pt := range infra.AllPeriodTypes {
		periods, err := s.periods.CompletedRange(pt, from, now)
		if err != nil {
			return err
		}
		for _, p := range periods {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for _, denom := range denoms {
				if err := s.volumeForPeriod(p, asset, denom); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Service) volumeForPeriod(p *infra.Period, asset domain.Address, denom domain.Denomination) error {
	pools, err := s.details.SwapValueByPool(asset, denom, p.TimeOpen, p.TimeClose)
	if err != nil {
		return err
	}
	if len(pools) == 0 {
		return nil
	}

	byProtocol := make(map[string]float64)
	for _, pv := range pools {
		contract, ok := s.cfg.ContractsByAddress[pv.Pool]
		if !ok || contract.Project == "" {
			continue
		}
		byProtocol[contract.Project] += pv.Value
	}

	for protocol, volume := range byProtocol {
		if err := s.volumes.Upsert(&events.AssetVolume{
			PeriodID: p.ID,
			Asset:    asset,
			Denom:    denom,
			Protocol: protocol,
			Volume:   volume,
		}); err != nil {
			return err
		}
	}
	return nil
}

// UpdateAll runs every calculation phase once, valuations first so the
// analytics below them see the freshest details.
func (s *Service) UpdateAll(ctx context.Context) error {
	if err := s.CalculateEventValuations(ctx, domain.AllDenominations); err != nil {
		return err
	}
	if err := s.GenerateAssetOHLCCandles(ctx, domain.AllDenominations); err != nil {
		return err
	}
	return s.CalculateAssetVolumeByProtocol(ctx, domain.AllDenominations)
}

// canonicalPriceAt returns the canonical price of a token at the minute
// containing ts. The bool is false when that minute has no canonical row.
func (s *Service) canonicalPriceAt(token domain.Address, ts int64, denom domain.Denomination) (float64, bool, error) {
	row, err := s.vwaps.GetMinute(token, domain.MinuteBucket(ts), denom)
	if err != nil {
		return 0, false, err
	}
	if row == nil || row.PriceVwap <= 0 {
		return 0, false, nil
	}
	return row.PriceVwap, true, nil
}

func scaleRaw(raw string, decimals int) float64 {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return 0
	}
	return domain.NewAmount(v).Human(decimals)
}
