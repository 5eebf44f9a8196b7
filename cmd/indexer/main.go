// Package main is the entry point for the model-scoped chain indexer. One
// process serves one model: it ingests blocks, transforms logs into domain
// events, prices them and derives analytics, with an ops HTTP surface on the
// side.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chainmodel/indexer/internal/config"
	"github.com/chainmodel/indexer/internal/di"
	"github.com/chainmodel/indexer/internal/queue"
	"github.com/chainmodel/indexer/pkg/logger"
)

// Exit codes: 0 success, 1 runtime failure, 2 configuration failure, 130
// interrupted by signal.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
	exitSignal = 130
)

var errInterrupted = errors.New("interrupted")

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Error().Err(err).Msg("Failed to load configuration")
		return exitConfig
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
		Dir:    cfg.LogDir,
	})
	logger.SetGlobalLogger(log)

	root := newRootCmd(cfg, log)
	if err := root.Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			return exitSignal
		}
		log.Error().Err(err).Msg("Command failed")
		return exitError
	}
	return exitOK
}

func newRootCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "indexer",
		Short:         "Model-scoped EVM chain indexer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newContinuousCmd(cfg, log),
		newBlocksCmd(cfg, log),
		newRangeCmd(cfg, log),
		newFailedCmd(cfg, log),
		newMissingCmd(cfg, log),
		newServeCmd(cfg, log),
	)
	return root
}

// signalContext returns a context cancelled on SIGINT/SIGTERM and a check for
// whether a signal arrived.
func signalContext() (context.Context, context.CancelFunc, func() bool) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interrupted := false
	go func() {
		<-sigCh
		interrupted = true
		cancel()
	}()
	return ctx, cancel, func() bool { return interrupted }
}

// newContinuousCmd follows the chain tip: workers drain the queue, the
// enqueue loop keeps it topped up, scheduled jobs price and aggregate, and
// the ops server reports. An optional start/end range is enqueued first.
func newContinuousCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	var startBlock, endBlock uint64

	cmd := &cobra.Command{
		Use:   "continuous",
		Short: "Run continuous ingestion with pricing and analytics jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, wasInterrupted := signalContext()
			defer cancel()

			c, err := di.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()

			if startBlock > 0 && endBlock >= startBlock {
				if err := c.Queue.EnqueueRange(startBlock, endBlock, queue.PriorityMedium); err != nil {
					return err
				}
				log.Info().Uint64("from", startBlock).Uint64("to", endBlock).Msg("Backfill range enqueued")
			}

			if err := c.RegisterJobs(); err != nil {
				return err
			}
			c.Scheduler.Start()
			defer c.Scheduler.Stop()

			if c.HeadWatcher != nil {
				go c.HeadWatcher.Run(ctx)
			}

			go func() {
				if err := c.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("Ops server failed")
				}
			}()
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = c.Server.Shutdown(shutdownCtx)
			}()

			c.Orchestrator.Run(ctx)

			if wasInterrupted() {
				log.Info().Msg("Shutdown complete")
				return errInterrupted
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&startBlock, "start-block", 0, "first block of an initial backfill range")
	cmd.Flags().Uint64Var(&endBlock, "end-block", 0, "last block of an initial backfill range")
	return cmd
}

// parseBlockNumbers parses each argument as a block number.
func parseBlockNumbers(args []string) ([]uint64, error) {
	numbers := make([]uint64, 0, len(args))
	for _, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid block number %q: %w", arg, err)
		}
		numbers = append(numbers, n)
	}
	return numbers, nil
}

type blockEnqueuer interface {
	EnqueueBlock(blockNumber uint64, priority queue.Priority) (bool, error)
}

// enqueueBlockNumbers queues each block at high priority, skipping blocks
// that already have a live job. Returns how many were added.
func enqueueBlockNumbers(q blockEnqueuer, numbers []uint64) (int, error) {
	added := 0
	for _, n := range numbers {
		ok, err := q.EnqueueBlock(n, queue.PriorityHigh)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// newBlocksCmd queues specific blocks for the workers. With --force the
// blocks are instead reprocessed inline, past the completed-block skip.
func newBlocksCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "blocks N [N...]",
		Short: "Enqueue the given block numbers for processing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			numbers, err := parseBlockNumbers(args)
			if err != nil {
				return err
			}

			ctx, cancel, wasInterrupted := signalContext()
			defer cancel()

			c, err := di.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()

			if force {
				for _, n := range numbers {
					if ctx.Err() != nil {
						break
					}
					if err := c.Orchestrator.ReprocessBlock(ctx, n); err != nil {
						return fmt.Errorf("block %d: %w", n, err)
					}
				}
			} else {
				added, err := enqueueBlockNumbers(c.Queue, numbers)
				if err != nil {
					return err
				}
				log.Info().Int("blocks", len(numbers)).Int("enqueued", added).Msg("Blocks enqueued")
			}

			if wasInterrupted() {
				return errInterrupted
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "reprocess inline even when already completed")
	return cmd
}

// newRangeCmd queues a contiguous block range. With --force the range is
// reprocessed inline instead.
func newRangeCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "range START END",
		Short: "Enqueue every block in [START, END] for processing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid start block %q: %w", args[0], err)
			}
			to, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid end block %q: %w", args[1], err)
			}
			if to < from {
				return fmt.Errorf("end block %d is before start block %d", to, from)
			}

			ctx, cancel, wasInterrupted := signalContext()
			defer cancel()

			c, err := di.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()

			if force {
				for n := from; n <= to; n++ {
					if ctx.Err() != nil {
						break
					}
					if err := c.Orchestrator.ReprocessBlock(ctx, n); err != nil {
						return fmt.Errorf("block %d: %w", n, err)
					}
				}
			} else {
				if err := c.Queue.EnqueueRange(from, to, queue.PriorityHigh); err != nil {
					return err
				}
				log.Info().Uint64("from", from).Uint64("to", to).Msg("Range enqueued")
			}

			if wasInterrupted() {
				return errInterrupted
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "reprocess inline even when already completed")
	return cmd
}

// newFailedCmd re-queues failed jobs.
func newFailedCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Reset failed queue jobs back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, _ := signalContext()
			defer cancel()

			c, err := di.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Queue.RetryFailed(limit)
			if err != nil {
				return err
			}
			log.Info().Int("requeued", n).Msg("Failed jobs reset")
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of failed jobs to reset")
	return cmd
}

// newMissingCmd finds gaps in the completed block sequence and enqueues them.
func newMissingCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "missing START END",
		Short: "Enqueue blocks in [START, END] that were never completed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid start block %q: %w", args[0], err)
			}
			to, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid end block %q: %w", args[1], err)
			}

			ctx, cancel, _ := signalContext()
			defer cancel()

			c, err := di.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()

			missing, err := c.Blocks.MissingBlocks(from, to, limit)
			if err != nil {
				return err
			}

			enqueued := 0
			for _, n := range missing {
				added, err := c.Queue.EnqueueBlock(n, queue.PriorityHigh)
				if err != nil {
					return err
				}
				if added {
					enqueued++
				}
			}
			log.Info().Int("missing", len(missing)).Int("enqueued", enqueued).Msg("Gap scan done")
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10000, "maximum number of missing blocks to enqueue")
	return cmd
}

// newServeCmd runs only the ops server and scheduled jobs, no ingestion.
// Useful next to a separate ingestion process.
func newServeCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ops server and scheduled jobs without ingestion",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, wasInterrupted := signalContext()
			defer cancel()

			c, err := di.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.RegisterJobs(); err != nil {
				return err
			}
			c.Scheduler.Start()
			defer c.Scheduler.Stop()

			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = c.Server.Shutdown(shutdownCtx)
			}()

			if err := c.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			if wasInterrupted() {
				return errInterrupted
			}
			return nil
		},
	}
}
