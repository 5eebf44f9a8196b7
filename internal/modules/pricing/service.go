// Package pricing derives prices for indexed assets in five phases: period
// maintenance, AVAX/USD reference prices, direct swap/trade pricing from
// counter-assets, canonical per-minute VWAPs from designated pricing pools,
// and a global fallback that values remaining events against canonicals.
// Within one asset the phases are ordered; across assets they are independent.
package pricing

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/clients/evmrpc"
	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/events"
	"github.com/chainmodel/indexer/internal/modules/infra"
)

// vwapWindowMinutes is the trailing window of the canonical VWAP.
const vwapWindowMinutes = 5

// defaultBatchLimit bounds how many rows one phase invocation prices.
const defaultBatchLimit = 5000

// Oracle reads reference prices from a chainlink-style aggregator.
type Oracle interface {
	LatestRoundData(ctx context.Context, aggregator common.Address) (*evmrpc.RoundData, error)
	AggregatorDecimals(ctx context.Context, aggregator common.Address) (uint8, error)
}

// ChainReader resolves block numbers and header timestamps for period
// boundary assignment.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderTimestamp(ctx context.Context, number uint64) (int64, error)
}

// Service drives the pricing phases for one model.
type Service struct {
	cfg        *infra.ModelConfig
	periods    *infra.PeriodRepository
	blockPrice *infra.BlockPriceRepository
	vwaps      *infra.PriceVwapRepository
	details    *events.DetailRepository
	oracle     Oracle
	chain      ChainReader
	aggregator common.Address
	now        func() time.Time
	log        zerolog.Logger
}

// New creates a pricing service.
func New(
	cfg *infra.ModelConfig,
	periods *infra.PeriodRepository,
	blockPrice *infra.BlockPriceRepository,
	vwaps *infra.PriceVwapRepository,
	details *events.DetailRepository,
	oracle Oracle,
	chain ChainReader,
	aggregator common.Address,
	log zerolog.Logger,
) *Service {
	return &Service{
		cfg:        cfg,
		periods:    periods,
		blockPrice: blockPrice,
		vwaps:      vwaps,
		details:    details,
		oracle:     oracle,
		chain:      chain,
		aggregator: aggregator,
		now:        time.Now,
		log:        log.With().Str("service", "pricing").Logger(),
	}
}

// UpdatePeriodsToPresent extends every period series to now and completes
// periods whose close time has passed, assigning block boundaries from the
// chain.
func (s *Service) UpdatePeriodsToPresent(ctx context.Context, types []infra.PeriodType) error {
	now := s.now().Unix()

	for _, pt := range types {
		duration := pt.Duration()
		if duration == 0 {
			return fmt.Errorf("%w: unknown period type %q", domain.ErrConfigInvalid, pt)
		}

		latest, ok, err := s.periods.LatestTimeClose(pt)
		if err != nil {
			return err
		}
		var open int64
		if ok {
			open = latest + 1
		} else {
			// First run: start at the current bucket boundary.
			open = now / duration * duration
		}

		created := 0
		for ; open <= now; open += duration {
			if err := s.periods.Insert(&infra.Period{
				PeriodType: pt,
				TimeOpen:   open,
				TimeClose:  open + duration - 1,
			}); err != nil {
				return err
			}
			created++
		}
		if created > 0 {
			s.log.Debug().Str("type", string(pt)).Int("created", created).Msg("Periods extended")
		}
	}

	return s.completeClosedPeriods(ctx, now)
}

func (s *Service) completeClosedPeriods(ctx context.Context, now int64) error {
	pending, err := s.periods.IncompleteClosedBefore(now, defaultBatchLimit)
	if err != nil {
		return err
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.chain != nil && (p.BlockOpen == nil || p.BlockClose == nil) {
			blockOpen, err := s.blockAtOrAfter(ctx, p.TimeOpen)
			if err != nil {
				s.log.Warn().Int64("period", p.ID).Err(err).Msg("Failed to resolve open block")
				continue
			}
			blockClose, err := s.blockAtOrAfter(ctx, p.TimeClose+1)
			if err != nil {
				s.log.Warn().Int64("period", p.ID).Err(err).Msg("Failed to resolve close block")
				continue
			}
			if blockClose > 0 {
				blockClose--
			}
			if err := s.periods.SetBlockRange(p.ID, int64(blockOpen), int64(blockClose)); err != nil {
				return err
			}
		}
		if err := s.periods.MarkComplete(p.ID); err != nil {
			return err
		}
	}
	return nil
}

// blockAtOrAfter binary-searches the chain for the first block whose
// timestamp is >= ts.
func (s *Service) blockAtOrAfter(ctx context.Context, ts int64) (uint64, error) {
	hi, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	var lo uint64

	for lo < hi {
		mid := lo + (hi-lo)/2
		midTS, err := s.chain.HeaderTimestamp(ctx, mid)
		if err != nil {
			return 0, err
		}
		if midTS < ts {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// UpdateMinutePricesToPresent records the AVAX/USD reference price for every
// minute boundary since the last recorded one, resolving each boundary to its
// first block. The aggregator only serves its latest round, so minutes missed
// during downtime are backfilled with the freshest answer; exactness resumes
// at the tip.
func (s *Service) UpdateMinutePricesToPresent(ctx context.Context) error {
	round, err := s.oracle.LatestRoundData(ctx, s.aggregator)
	if err != nil {
		return fmt.Errorf("failed to read oracle round: %w", err)
	}
	decimals, err := s.oracle.AggregatorDecimals(ctx, s.aggregator)
	if err != nil {
		return fmt.Errorf("failed to read oracle decimals: %w", err)
	}

	price := scaleAnswer(round.Answer, int(decimals))
	if price <= 0 {
		return fmt.Errorf("oracle returned non-positive price %f", price)
	}

	now := s.now().Unix()
	last, err := s.blockPrice.LatestTimestamp()
	if err != nil {
		return err
	}

	from := domain.MinuteBucket(last) + 60
	if last == 0 {
		// First run: no catch-up, start at the current minute.
		from = domain.MinuteBucket(now)
	}

	written := 0
	for minute := from; minute <= now; minute += 60 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		block, err := s.blockAtOrAfter(ctx, minute)
		if err != nil {
			return err
		}
		ts, err := s.chain.HeaderTimestamp(ctx, block)
		if err != nil {
			return err
		}
		if err := s.blockPrice.Upsert(&infra.BlockPrice{
			BlockNumber:        block,
			Timestamp:          ts,
			PriceUSD:           price,
			ChainlinkRoundID:   round.RoundID.String(),
			ChainlinkUpdatedAt: round.UpdatedAt,
		}); err != nil {
			return err
		}
		written++
	}

	if written > 0 {
		s.log.Debug().Int("minutes", written).Float64("price", price).Msg("Reference prices recorded")
	}
	return nil
}

func scaleAnswer(answer *big.Int, decimals int) float64 {
	if answer == nil {
		return 0
	}
	f := new(big.Float).SetInt(answer)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Quo(f, scale).Float64()
	return out
}
