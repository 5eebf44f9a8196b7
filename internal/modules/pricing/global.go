package pricing

import (
	"context"

	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/events"
)

// ApplyCanonicalPricingToGlobalEvents values swaps and trades that direct
// pricing could not reach, using the canonical price at each event's minute.
// Events whose minute has no canonical price yet stay unpriced and are picked
// up on a later pass.
func (s *Service) ApplyCanonicalPricingToGlobalEvents(ctx context.Context, denoms []domain.Denomination) error {
	for _, denom := range denoms {
		if err := s.globalSwapPricing(ctx, denom); err != nil {
			return err
		}
		if err := s.globalTradePricing(ctx, denom); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) globalSwapPricing(ctx context.Context, denom domain.Denomination) error {
	swaps, err := s.details.SwapsMissingAnyDetail(denom, defaultBatchLimit)
	if err != nil {
		return err
	}

	for _, swap := range swaps {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		price, ok, err := s.canonicalPriceAt(swap.BaseToken, swap.Timestamp, denom)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		decimals, ok := s.cfg.TokenDecimals(swap.BaseToken)
		if !ok {
			continue
		}
		base := scaleRaw(swap.BaseAmount, decimals)
		if base <= 0 {
			continue
		}

		if err := s.details.UpsertSwapDetail(&events.SwapDetail{
			ContentID:    swap.ContentID,
			Denomination: denom,
			Value:        base * price,
			Price:        price,
			PriceMethod:  events.MethodGlobal,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) globalTradePricing(ctx context.Context, denom domain.Denomination) error {
	trades, err := s.details.TradesMissingDetail(denom, defaultBatchLimit)
	if err != nil {
		return err
	}

	for _, trade := range trades {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		price, ok, err := s.canonicalPriceAt(trade.BaseToken, trade.Timestamp, denom)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		decimals, ok := s.cfg.TokenDecimals(trade.BaseToken)
		if !ok {
			continue
		}
		base := scaleRaw(trade.BaseAmount, decimals)
		if base <= 0 {
			continue
		}

		if err := s.details.UpsertTradeDetail(&events.TradeDetail{
			ContentID:    trade.ContentID,
			Denomination: denom,
			Value:        base * price,
			Price:        price,
			PriceMethod:  events.MethodGlobal,
		}); err != nil {
			return err
		}
	}
	return nil
}

// canonicalPriceAt returns the canonical price of an asset at the minute
// containing ts. The bool is false when that minute has no canonical row.
func (s *Service) canonicalPriceAt(asset domain.Address, ts int64, denom domain.Denomination) (float64, bool, error) {
	row, err := s.vwaps.GetMinute(asset, domain.MinuteBucket(ts), denom)
	if err != nil {
		return 0, false, err
	}
	if row == nil || row.PriceVwap <= 0 {
		return 0, false, nil
	}
	return row.PriceVwap, true, nil
}
