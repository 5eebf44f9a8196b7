// Package writer persists transformer output into the model database. One
// block's results are written in a single transaction; content-id uniqueness
// makes re-writing a block a no-op, so a half-failed write can simply rerun.
package writer

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/database"
	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/events"
)

// writeOrder fixes the insert order per kind so writes are deterministic.
var writeOrder = []domain.EventKind{
	domain.KindTrade,
	domain.KindPoolSwap,
	domain.KindTransfer,
	domain.KindLiquidity,
	domain.KindReward,
	domain.KindPosition,
}

// BlockWriteStats summarises one block write.
type BlockWriteStats struct {
	BlockNumber    uint64
	TxCount        int
	LogsProcessed  int
	EventsInserted int
	EventsSkipped  int
}

// DomainEventWriter flushes per-transaction results to the model database.
type DomainEventWriter struct {
	modelDB      *sql.DB
	eventRepo    *events.EventRepository
	txProcessing *events.TransactionProcessingRepository
	blocks       *events.BlockProcessingRepository
	log          zerolog.Logger
}

// New creates a domain event writer.
func New(
	modelDB *sql.DB,
	eventRepo *events.EventRepository,
	txProcessing *events.TransactionProcessingRepository,
	blocks *events.BlockProcessingRepository,
	log zerolog.Logger,
) *DomainEventWriter {
	return &DomainEventWriter{
		modelDB:      modelDB,
		eventRepo:    eventRepo,
		txProcessing: txProcessing,
		blocks:       blocks,
		log:          log.With().Str("component", "writer").Logger(),
	}
}

// WriteBlockResults persists every transaction result of one block in a
// single transaction: domain events bulk-inserted per kind with existing
// content ids skipped, positions alongside, and the processing bookkeeping
// rows last.
func (w *DomainEventWriter) WriteBlockResults(blockNumber uint64, timestamp int64, results []*domain.TransactionResult) (*BlockWriteStats, error) {
	stats := &BlockWriteStats{BlockNumber: blockNumber, TxCount: len(results)}

	byKind := make(map[domain.EventKind][]domain.Event)
	total := 0
	for _, result := range results {
		stats.LogsProcessed += result.LogCount
		for _, ev := range result.Events {
			byKind[ev.Kind()] = append(byKind[ev.Kind()], ev)
			total++
		}
		for _, pos := range result.Positions {
			byKind[domain.KindPosition] = append(byKind[domain.KindPosition], pos)
			total++
		}
	}

	err := database.WithTransaction(w.modelDB, func(tx *sql.Tx) error {
		for _, kind := range writeOrder {
			batch := byKind[kind]
			if len(batch) == 0 {
				continue
			}
			inserted, err := w.eventRepo.BulkInsertSkipExisting(tx, kind, batch)
			if err != nil {
				return err
			}
			stats.EventsInserted += inserted
			stats.EventsSkipped += len(batch) - inserted
		}

		for _, result := range results {
			if err := w.txProcessing.UpsertResult(tx, result, events.ProcessingCompleted, ""); err != nil {
				return err
			}
		}

		return w.blocks.Upsert(tx, blockNumber, timestamp, events.ProcessingCompleted,
			stats.TxCount, stats.LogsProcessed, total)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", domain.ErrPersist, blockNumber, err)
	}

	w.log.Debug().
		Uint64("block", blockNumber).
		Int("txs", stats.TxCount).
		Int("inserted", stats.EventsInserted).
		Int("skipped", stats.EventsSkipped).
		Msg("Block persisted")
	return stats, nil
}

// MarkTransactionFailed records a transform failure for one transaction
// without touching the event tables.
func (w *DomainEventWriter) MarkTransactionFailed(result *domain.TransactionResult, cause error) error {
	err := database.WithTransaction(w.modelDB, func(tx *sql.Tx) error {
		return w.txProcessing.UpsertResult(tx, result, events.ProcessingFailed, cause.Error())
	})
	if err != nil {
		return fmt.Errorf("%w: tx %s: %v", domain.ErrPersist, result.TxHash, err)
	}
	return nil
}
