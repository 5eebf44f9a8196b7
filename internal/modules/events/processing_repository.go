package events

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
)

// Processing status values shared by transaction and block bookkeeping.
const (
	ProcessingPending   = "pending"
	ProcessingCompleted = "completed"
	ProcessingFailed    = "failed"
)

// TransactionProcessingRepository tracks per-transaction outcomes in the
// model database.
type TransactionProcessingRepository struct {
	modelDB *sql.DB
	log     zerolog.Logger
}

// NewTransactionProcessingRepository creates a transaction processing repository.
func NewTransactionProcessingRepository(modelDB *sql.DB, log zerolog.Logger) *TransactionProcessingRepository {
	return &TransactionProcessingRepository{
		modelDB: modelDB,
		log:     log.With().Str("repo", "tx_processing").Logger(),
	}
}

// UpsertResult records the outcome of processing one transaction. Reprocessing
// overwrites the status row; the event tables stay append-only.
func (r *TransactionProcessingRepository) UpsertResult(tx *sql.Tx, result *domain.TransactionResult, status string, errMsg string) error {
	query := `INSERT INTO transaction_processing
			(tx_hash, block_number, timestamp, tx_index, status, logs_processed, events_generated, tx_success, error, last_processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), now())
		ON CONFLICT (tx_hash) DO UPDATE SET
			status = EXCLUDED.status,
			logs_processed = EXCLUDED.logs_processed,
			events_generated = EXCLUDED.events_generated,
			tx_success = EXCLUDED.tx_success,
			retry_count = transaction_processing.retry_count + 1,
			error = EXCLUDED.error,
			last_processed_at = now()`

	_, err := tx.Exec(query,
		string(result.TxHash), int64(result.BlockNumber), result.Timestamp, result.TxIndex,
		status, result.LogCount, len(result.Events)+len(result.Positions), result.TxSuccess, errMsg)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction processing row: %w", err)
	}
	return nil
}

// FailedHashes returns transactions currently marked failed, oldest block first.
func (r *TransactionProcessingRepository) FailedHashes(limit int) ([]domain.Hash, error) {
	rows, err := r.modelDB.Query(
		`SELECT tx_hash FROM transaction_processing WHERE status = $1 ORDER BY block_number ASC LIMIT $2`,
		ProcessingFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Hash
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan tx hash: %w", err)
		}
		out = append(out, domain.Hash(h))
	}
	return out, rows.Err()
}

// CountByStatus returns transaction counts grouped by status.
func (r *TransactionProcessingRepository) CountByStatus() (map[string]int, error) {
	rows, err := r.modelDB.Query(`SELECT status, COUNT(*) FROM transaction_processing GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count transaction statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// BlockProcessingRepository tracks per-block outcomes in the model database.
type BlockProcessingRepository struct {
	modelDB *sql.DB
	log     zerolog.Logger
}

// NewBlockProcessingRepository creates a block processing repository.
func NewBlockProcessingRepository(modelDB *sql.DB, log zerolog.Logger) *BlockProcessingRepository {
	return &BlockProcessingRepository{
		modelDB: modelDB,
		log:     log.With().Str("repo", "block_processing").Logger(),
	}
}

// Upsert records the outcome of processing one block.
func (r *BlockProcessingRepository) Upsert(tx *sql.Tx, blockNumber uint64, timestamp int64, status string, txCount, logsProcessed, eventsGenerated int) error {
	query := `INSERT INTO block_processing
			(block_number, timestamp, status, tx_count, logs_processed, events_generated, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (block_number) DO UPDATE SET
			status = EXCLUDED.status,
			tx_count = EXCLUDED.tx_count,
			logs_processed = EXCLUDED.logs_processed,
			events_generated = EXCLUDED.events_generated,
			processed_at = now()`

	_, err := tx.Exec(query, int64(blockNumber), timestamp, status, txCount, logsProcessed, eventsGenerated)
	if err != nil {
		return fmt.Errorf("failed to upsert block processing row: %w", err)
	}
	return nil
}

// IsCompleted reports whether a block has already been fully processed.
func (r *BlockProcessingRepository) IsCompleted(blockNumber uint64) (bool, error) {
	var status string
	err := r.modelDB.QueryRow(
		`SELECT status FROM block_processing WHERE block_number = $1`, int64(blockNumber),
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query block status: %w", err)
	}
	return status == ProcessingCompleted, nil
}

// LatestCompleted returns the highest completed block number, or 0.
func (r *BlockProcessingRepository) LatestCompleted() (uint64, error) {
	var bn sql.NullInt64
	err := r.modelDB.QueryRow(
		`SELECT MAX(block_number) FROM block_processing WHERE status = $1`, ProcessingCompleted,
	).Scan(&bn)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest completed block: %w", err)
	}
	return uint64(bn.Int64), nil
}

// MissingBlocks returns block numbers in [from, to] with no completed row,
// capped at limit.
func (r *BlockProcessingRepository) MissingBlocks(from, to uint64, limit int) ([]uint64, error) {
	query := `SELECT gs.n FROM generate_series($1::bigint, $2::bigint) AS gs(n)
		LEFT JOIN block_processing bp ON bp.block_number = gs.n AND bp.status = $3
		WHERE bp.block_number IS NULL
		ORDER BY gs.n ASC LIMIT $4`

	rows, err := r.modelDB.Query(query, int64(from), int64(to), ProcessingCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query missing blocks: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan block number: %w", err)
		}
		out = append(out, uint64(n))
	}
	return out, rows.Err()
}

// CountByStatus returns block counts grouped by status.
func (r *BlockProcessingRepository) CountByStatus() (map[string]int, error) {
	rows, err := r.modelDB.Query(`SELECT status, COUNT(*) FROM block_processing GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count block statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
