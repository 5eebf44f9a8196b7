// Package orchestrator runs the ingestion worker pool: leasing jobs from the
// durable queue, driving fetch -> decode -> transform -> persist per block,
// and keeping the queue topped up from the chain tip.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/blocksource"
	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/decoder"
	"github.com/chainmodel/indexer/internal/modules/events"
	"github.com/chainmodel/indexer/internal/modules/transform"
	"github.com/chainmodel/indexer/internal/queue"
	"github.com/chainmodel/indexer/internal/writer"
)

// ChainTip reports the current chain head for auto-enqueueing.
type ChainTip interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config tunes the worker pool.
type Config struct {
	Workers       int
	LeaseFor      time.Duration
	PollInterval  time.Duration
	SweepInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.LeaseFor <= 0 {
		out.LeaseFor = 5 * time.Minute
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 30 * time.Second
	}
	return out
}

// Idle backoff bounds for workers finding an empty queue.
const (
	backoffMin = 250 * time.Millisecond
	backoffMax = 2 * time.Second
)

// maxPendingDepth stops the enqueue loop from stacking work the pool cannot
// keep up with. Enqueueing resumes once the backlog drains below it.
const maxPendingDepth = 1000

// Orchestrator owns the worker pool and the enqueue/sweep loops.
type Orchestrator struct {
	cfg      Config
	queue    *queue.Queue
	source   *blocksource.BlockSource
	decoder  *decoder.BlockDecoder
	pipeline *transform.Pipeline
	writer   *writer.DomainEventWriter
	blocks   *events.BlockProcessingRepository
	tip      ChainTip
	log      zerolog.Logger

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(
	cfg Config,
	q *queue.Queue,
	source *blocksource.BlockSource,
	dec *decoder.BlockDecoder,
	pipeline *transform.Pipeline,
	w *writer.DomainEventWriter,
	blocks *events.BlockProcessingRepository,
	tip ChainTip,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		queue:    q,
		source:   source,
		decoder:  dec,
		pipeline: pipeline,
		writer:   w,
		blocks:   blocks,
		tip:      tip,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

// Run starts the workers and background loops and blocks until ctx is
// cancelled and every worker has drained its current job.
func (o *Orchestrator) Run(ctx context.Context) {
	o.log.Info().Int("workers", o.cfg.Workers).Msg("Starting worker pool")

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.workerLoop(ctx)
	}

	o.wg.Add(1)
	go o.sweepLoop(ctx)

	if o.tip != nil {
		o.wg.Add(1)
		go o.enqueueLoop(ctx)
	}

	o.wg.Wait()
	o.log.Info().Msg("Worker pool stopped")
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	defer o.wg.Done()

	workerID := uuid.NewString()
	log := o.log.With().Str("worker", workerID).Logger()
	backoff := backoffMin

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := o.queue.Lease(workerID, o.cfg.LeaseFor)
		if err != nil {
			log.Error().Err(err).Msg("Failed to lease job")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffMin

		if err := o.runJob(ctx, job, workerID); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				log.Warn().Int64("job_id", job.ID).Msg("Lease lost, discarding work")
				continue
			}
			retryable := !errors.Is(err, domain.ErrDecode)
			if failErr := o.queue.Fail(job.ID, workerID, err, retryable); failErr != nil && !errors.Is(failErr, domain.ErrLeaseLost) {
				log.Error().Err(failErr).Int64("job_id", job.ID).Msg("Failed to record job failure")
			}
			continue
		}

		if err := o.queue.Complete(job.ID, workerID); err != nil && !errors.Is(err, domain.ErrLeaseLost) {
			log.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to complete job")
		}
	}
}

// runJob executes a job while a background keeper renews the lease, so a
// block that outlives the initial lease is not handed to another worker
// mid-flight. Losing the lease cancels the work.
func (o *Orchestrator) runJob(ctx context.Context, job *queue.Job, workerID string) error {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(o.cfg.LeaseFor / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				err := o.queue.Extend(job.ID, workerID, o.cfg.LeaseFor)
				if err == nil {
					continue
				}
				if errors.Is(err, domain.ErrLeaseLost) {
					lost.Store(true)
					cancel()
					return
				}
				o.log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to extend lease")
			}
		}
	}()

	err := o.handleJob(jobCtx, job, workerID)
	if lost.Load() {
		return domain.ErrLeaseLost
	}
	return err
}

func (o *Orchestrator) handleJob(ctx context.Context, job *queue.Job, workerID string) error {
	switch job.Type {
	case queue.JobTypeBlock:
		data, err := job.BlockData()
		if err != nil {
			return domain.ErrDecode
		}
		return o.ProcessBlock(ctx, data.BlockNumber)

	case queue.JobTypeRange:
		data, err := job.RangeData()
		if err != nil {
			return domain.ErrDecode
		}
		// Fan the range out into per-block jobs so the whole pool shares it.
		// The fan-out is one transaction: all blocks land or none do.
		added, err := o.queue.EnqueueBlocks(data.FromBlock, data.ToBlock, job.Priority)
		if err != nil {
			return err
		}
		o.log.Info().Uint64("from", data.FromBlock).Uint64("to", data.ToBlock).
			Int("enqueued", added).Msg("Range expanded")
		return nil

	default:
		o.log.Error().Str("type", string(job.Type)).Int64("job_id", job.ID).Msg("Unknown job type")
		return domain.ErrDecode
	}
}

// ProcessBlock runs one block end to end: fetch, decode, transform, persist.
// Already-completed blocks are skipped.
func (o *Orchestrator) ProcessBlock(ctx context.Context, blockNumber uint64) error {
	return o.processBlock(ctx, blockNumber, false)
}

// ReprocessBlock runs a block even when it is already completed. Content-id
// idempotence turns the rewrite into a no-op for events that already exist.
func (o *Orchestrator) ReprocessBlock(ctx context.Context, blockNumber uint64) error {
	return o.processBlock(ctx, blockNumber, true)
}

func (o *Orchestrator) processBlock(ctx context.Context, blockNumber uint64, force bool) error {
	if !force {
		done, err := o.blocks.IsCompleted(blockNumber)
		if err != nil {
			return err
		}
		if done {
			o.log.Debug().Uint64("block", blockNumber).Msg("Block already completed")
			return nil
		}
	}

	rec, err := o.source.Fetch(ctx, blockNumber)
	if err != nil {
		return err
	}

	decoded := o.decoder.DecodeBlock(rec)

	var okResults []*domain.TransactionResult
	for _, dt := range decoded {
		result, err := o.pipeline.ProcessTransaction(rec.Header, dt)
		if err != nil {
			// One bad transaction never blocks the rest of the block.
			o.log.Error().Str("tx", string(dt.Tx.Hash)).Err(err).Msg("Transform failed")
			if markErr := o.writer.MarkTransactionFailed(result, err); markErr != nil {
				return markErr
			}
			continue
		}
		okResults = append(okResults, result)
	}

	stats, err := o.writer.WriteBlockResults(blockNumber, rec.Header.Timestamp, okResults)
	if err != nil {
		return err
	}

	o.log.Info().
		Uint64("block", blockNumber).
		Int("txs", stats.TxCount).
		Int("events", stats.EventsInserted).
		Msg("Block processed")
	return nil
}

// enqueueLoop keeps the queue topped up with new blocks as the chain tip
// advances.
func (o *Orchestrator) enqueueLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	last, err := o.blocks.LatestCompleted()
	if err != nil {
		o.log.Error().Err(err).Msg("Failed to read latest completed block")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := o.queue.Stats()
		if err != nil {
			o.log.Warn().Err(err).Msg("Failed to read queue stats")
			continue
		}
		if stats["pending"] >= maxPendingDepth {
			continue
		}

		tip, err := o.tip.BlockNumber(ctx)
		if err != nil {
			o.log.Warn().Err(err).Msg("Failed to read chain tip")
			continue
		}
		if tip <= last {
			continue
		}

		budget := maxPendingDepth - stats["pending"]
		for n := last + 1; n <= tip && budget > 0; n++ {
			if ctx.Err() != nil {
				return
			}
			if _, err := o.queue.EnqueueBlock(n, queue.PriorityMedium); err != nil {
				o.log.Error().Err(err).Uint64("block", n).Msg("Failed to enqueue block")
				break
			}
			last = n
			budget--
		}
	}
}

// sweepLoop periodically returns expired leases to pending.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := o.queue.Sweep()
		if err != nil {
			o.log.Error().Err(err).Msg("Lease sweep failed")
			continue
		}
		if n > 0 {
			o.log.Warn().Int("reclaimed", n).Msg("Reclaimed expired leases")
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > backoffMax {
		return backoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
