package pricing

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/events"
	"github.com/chainmodel/indexer/internal/modules/infra"
)

// CalculateSwapPricing prices swaps directly from their own amounts where the
// counter-asset pins the denomination: a wrapped-native quote token yields a
// DIRECT_AVAX detail, a USD stable yields DIRECT_USD. Swaps against other
// counter-assets stay unpriced here and wait for the global fallback.
func (s *Service) CalculateSwapPricing(ctx context.Context, asset domain.Address) error {
	avaxPools, usdPools := s.directPools(asset)

	if err := s.priceDirectSwaps(ctx, avaxPools, domain.DenomAVAX, events.MethodDirectAVAX); err != nil {
		return err
	}
	return s.priceDirectSwaps(ctx, usdPools, domain.DenomUSD, events.MethodDirectUSD)
}

// directPools splits the asset's pools by what their quote token is.
func (s *Service) directPools(asset domain.Address) (avax, usd []domain.Address) {
	for _, c := range s.cfg.Contracts {
		if c.BaseTokenAddress != asset {
			continue
		}
		quote := poolQuoteToken(c)
		if quote == "" {
			continue
		}
		token, ok := s.cfg.TokensByAddress[quote]
		if !ok {
			continue
		}
		switch token.Type {
		case infra.TokenTypeWrappedNative:
			avax = append(avax, c.Address)
		case infra.TokenTypeUSDStable:
			usd = append(usd, c.Address)
		}
	}
	return avax, usd
}

// poolQuoteToken resolves the non-base token of a pair from its transformer
// config.
func poolQuoteToken(c *infra.Contract) domain.Address {
	var cfg struct {
		Token0 string `json:"token0"`
		Token1 string `json:"token1"`
	}
	if err := json.Unmarshal([]byte(c.TransformerConfig), &cfg); err != nil {
		return ""
	}
	token0 := domain.NormalizeAddress(cfg.Token0)
	token1 := domain.NormalizeAddress(cfg.Token1)
	switch c.BaseTokenAddress {
	case token0:
		return token1
	case token1:
		return token0
	default:
		return ""
	}
}

func (s *Service) priceDirectSwaps(ctx context.Context, pools []domain.Address, denom domain.Denomination, method string) error {
	if len(pools) == 0 {
		return nil
	}

	swaps, err := s.details.SwapsMissingDetail(denom, pools, defaultBatchLimit)
	if err != nil {
		return err
	}

	priced := 0
	for _, swap := range swaps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail, ok := s.directSwapDetail(swap, denom, method)
		if !ok {
			continue
		}
		if err := s.details.UpsertSwapDetail(detail); err != nil {
			return err
		}
		priced++
	}

	if priced > 0 {
		s.log.Debug().Str("denom", string(denom)).Int("priced", priced).Msg("Direct swap pricing")
	}
	return nil
}

// directSwapDetail computes price and value for one swap from its own
// amounts: price = quote/base in human units, value = base * price.
func (s *Service) directSwapDetail(swap *events.SwapRow, denom domain.Denomination, method string) (*events.SwapDetail, bool) {
	baseDecimals, ok := s.cfg.TokenDecimals(swap.BaseToken)
	if !ok {
		return nil, false
	}
	quoteDecimals, ok := s.cfg.TokenDecimals(swap.QuoteToken)
	if !ok {
		return nil, false
	}

	base := domain.AmountFromString(swap.BaseAmount).Human(baseDecimals)
	quote := domain.AmountFromString(swap.QuoteAmount).Human(quoteDecimals)
	if base <= 0 || quote <= 0 {
		return nil, false
	}

	price := quote / base
	return &events.SwapDetail{
		ContentID:    swap.ContentID,
		Denomination: denom,
		Value:        base * price,
		Price:        price,
		PriceMethod:  method,
	}, true
}

// CalculateTradePricing values trades whose constituent swaps are all priced,
// using the volume-weighted aggregate price = Σ value / Σ (value/price).
func (s *Service) CalculateTradePricing(ctx context.Context, denoms []domain.Denomination) error {
	for _, denom := range denoms {
		trades, err := s.details.TradesMissingDetail(denom, defaultBatchLimit)
		if err != nil {
			return err
		}

		for _, trade := range trades {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			swaps, err := s.details.SwapsByTrade(trade.ContentID)
			if err != nil {
				return err
			}
			if len(swaps) == 0 {
				continue
			}
			ids := make([]domain.Hash, len(swaps))
			for i, sw := range swaps {
				ids[i] = sw.ContentID
			}
			swapDetails, err := s.details.SwapDetails(ids, denom)
			if err != nil {
				return err
			}
			// Every constituent must be priced before the trade is.
			if len(swapDetails) != len(swaps) {
				continue
			}

			var valueSum, weightSum float64
			for _, d := range swapDetails {
				if d.Price <= 0 {
					valueSum = 0
					break
				}
				valueSum += d.Value
				weightSum += d.Value / d.Price
			}
			if valueSum <= 0 || weightSum <= 0 {
				continue
			}

			if err := s.details.UpsertTradeDetail(&events.TradeDetail{
				ContentID:    trade.ContentID,
				Denomination: denom,
				Value:        valueSum,
				Price:        valueSum / weightSum,
				PriceMethod:  events.MethodDirect,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// scaleRaw converts a raw base-10 amount string to human units.
func scaleRaw(raw string, decimals int) float64 {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return 0
	}
	return domain.NewAmount(v).Human(decimals)
}
