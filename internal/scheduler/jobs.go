package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/calculations"
	"github.com/chainmodel/indexer/internal/modules/infra"
	"github.com/chainmodel/indexer/internal/modules/pricing"
)

// defaultJobTimeout bounds one job invocation. A stuck phase gives up and the
// next tick starts clean.
const defaultJobTimeout = 4 * time.Minute

// PricingJob runs the pricing phases in order: periods, reference prices,
// direct swap and trade pricing, canonical minutes, global fallback. Each
// phase only consumes what earlier phases produced, so one pass per tick
// converges over consecutive ticks.
type PricingJob struct {
	svc   *pricing.Service
	asset domain.Address
	log   zerolog.Logger
}

// NewPricingJob creates the pricing job for a model token.
func NewPricingJob(svc *pricing.Service, asset domain.Address, log zerolog.Logger) *PricingJob {
	return &PricingJob{
		svc:   svc,
		asset: asset,
		log:   log.With().Str("job", "pricing").Logger(),
	}
}

// Name implements Job.
func (j *PricingJob) Name() string { return "pricing" }

// Run implements Job.
func (j *PricingJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()

	if err := j.svc.UpdatePeriodsToPresent(ctx, infra.AllPeriodTypes); err != nil {
		return fmt.Errorf("failed to update periods: %w", err)
	}
	if err := j.svc.UpdateMinutePricesToPresent(ctx); err != nil {
		// Oracle hiccups are transient; later phases still run on older data.
		j.log.Warn().Err(err).Msg("Reference price update failed")
	}
	if err := j.svc.CalculateSwapPricing(ctx, j.asset); err != nil {
		return fmt.Errorf("failed to price swaps: %w", err)
	}
	if err := j.svc.CalculateTradePricing(ctx, domain.AllDenominations); err != nil {
		return fmt.Errorf("failed to price trades: %w", err)
	}
	if err := j.svc.UpdateCanonicalPricesToPresent(ctx); err != nil {
		return fmt.Errorf("failed to update canonical prices: %w", err)
	}
	if err := j.svc.ApplyCanonicalPricingToGlobalEvents(ctx, domain.AllDenominations); err != nil {
		return fmt.Errorf("failed to apply global pricing: %w", err)
	}
	return nil
}

// CalculationJob derives event valuations, OHLC candles and per-protocol
// volume from whatever the pricing phases have produced so far.
type CalculationJob struct {
	svc *calculations.Service
	log zerolog.Logger
}

// NewCalculationJob creates the calculation job.
func NewCalculationJob(svc *calculations.Service, log zerolog.Logger) *CalculationJob {
	return &CalculationJob{
		svc: svc,
		log: log.With().Str("job", "calculations").Logger(),
	}
}

// Name implements Job.
func (j *CalculationJob) Name() string { return "calculations" }

// Run implements Job.
func (j *CalculationJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()
	return j.svc.UpdateAll(ctx)
}
