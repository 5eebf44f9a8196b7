// Package queue implements the durable job queue backing block ingestion.
// Jobs live in the model database; leasing uses FOR UPDATE SKIP LOCKED so
// concurrent workers never receive the same job, and expired leases are swept
// back to pending.
package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chainmodel/indexer/internal/database"
	"github.com/chainmodel/indexer/internal/domain"
)

// JobType identifies what a queued job does.
type JobType string

const (
	JobTypeBlock JobType = "process_block"
	JobTypeRange JobType = "process_range"
)

// Priority orders jobs within the queue; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Job status values.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// MaxRetries is how many times a job is re-queued before it is parked as failed.
const MaxRetries = 3

// BlockJobData is the payload of a process_block job.
type BlockJobData struct {
	BlockNumber uint64 `msgpack:"block_number"`
}

// RangeJobData is the payload of a process_range job. The range is inclusive.
type RangeJobData struct {
	FromBlock uint64 `msgpack:"from_block"`
	ToBlock   uint64 `msgpack:"to_block"`
}

// Job is one row of the processing_jobs table.
type Job struct {
	ID          int64
	Type        JobType
	Data        []byte
	BlockNumber *uint64
	Priority    Priority
	Status      string
	WorkerID    string
	RetryCount  int
	Error       string
}

// BlockData decodes the payload of a process_block job.
func (j *Job) BlockData() (*BlockJobData, error) {
	var d BlockJobData
	if err := msgpack.Unmarshal(j.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode block job data: %w", err)
	}
	return &d, nil
}

// RangeData decodes the payload of a process_range job.
func (j *Job) RangeData() (*RangeJobData, error) {
	var d RangeJobData
	if err := msgpack.Unmarshal(j.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode range job data: %w", err)
	}
	return &d, nil
}

// Queue is the Postgres-backed durable job queue.
type Queue struct {
	modelDB *sql.DB
	log     zerolog.Logger
}

// New creates a queue over the model database.
func New(modelDB *sql.DB, log zerolog.Logger) *Queue {
	return &Queue{
		modelDB: modelDB,
		log:     log.With().Str("component", "queue").Logger(),
	}
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// insertBlockJob adds a process_block job unless a live (pending or
// processing) job for the same block already exists.
func insertBlockJob(e execer, blockNumber uint64, priority Priority) (bool, error) {
	data, err := msgpack.Marshal(&BlockJobData{BlockNumber: blockNumber})
	if err != nil {
		return false, fmt.Errorf("failed to encode block job data: %w", err)
	}

	query := `INSERT INTO processing_jobs (job_type, job_data, block_number, priority)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM processing_jobs
			WHERE block_number = $3 AND status IN ($5, $6)
		)`

	result, err := e.Exec(query, string(JobTypeBlock), data, int64(blockNumber), int(priority),
		StatusPending, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue block %d: %w", blockNumber, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return true, nil
	}
	return n > 0, nil
}

// EnqueueBlock adds a process_block job unless a live (pending or processing)
// job for the same block already exists. Returns whether a job was added.
func (q *Queue) EnqueueBlock(blockNumber uint64, priority Priority) (bool, error) {
	return insertBlockJob(q.modelDB, blockNumber, priority)
}

// EnqueueBlocks fans a block range out into per-block jobs under a single
// transaction, so a crash leaves either the whole fan-out or none of it.
// Returns how many jobs were added.
func (q *Queue) EnqueueBlocks(fromBlock, toBlock uint64, priority Priority) (int, error) {
	if toBlock < fromBlock {
		return 0, fmt.Errorf("invalid range %d..%d", fromBlock, toBlock)
	}

	added := 0
	err := database.WithTransaction(q.modelDB, func(tx *sql.Tx) error {
		for n := fromBlock; n <= toBlock; n++ {
			ok, err := insertBlockJob(tx, n, priority)
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// EnqueueRange adds a process_range job. Ranges are not deduplicated; the
// per-block idempotence downstream makes overlap harmless.
func (q *Queue) EnqueueRange(fromBlock, toBlock uint64, priority Priority) error {
	if toBlock < fromBlock {
		return fmt.Errorf("invalid range %d..%d", fromBlock, toBlock)
	}
	data, err := msgpack.Marshal(&RangeJobData{FromBlock: fromBlock, ToBlock: toBlock})
	if err != nil {
		return fmt.Errorf("failed to encode range job data: %w", err)
	}

	query := `INSERT INTO processing_jobs (job_type, job_data, priority) VALUES ($1, $2, $3)`
	if _, err := q.modelDB.Exec(query, string(JobTypeRange), data, int(priority)); err != nil {
		return fmt.Errorf("failed to enqueue range %d..%d: %w", fromBlock, toBlock, err)
	}
	return nil
}

// Lease claims the next runnable job for a worker, or returns nil when the
// queue is empty. Pending jobs and jobs whose lease has expired are both
// candidates; priority wins, then age.
func (q *Queue) Lease(workerID string, leaseFor time.Duration) (*Job, error) {
	var job *Job

	err := database.WithTransaction(q.modelDB, func(tx *sql.Tx) error {
		query := `SELECT id, job_type, job_data, block_number, priority, retry_count, status
			FROM processing_jobs
			WHERE status = $1 OR (status = $2 AND leased_until < now())
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`

		var (
			j           Job
			blockNumber sql.NullInt64
			jobType     string
			prevStatus  string
		)
		err := tx.QueryRow(query, StatusPending, StatusProcessing).
			Scan(&j.ID, &jobType, &j.Data, &blockNumber, &j.Priority, &j.RetryCount, &prevStatus)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select next job: %w", err)
		}
		j.Type = JobType(jobType)
		if blockNumber.Valid {
			bn := uint64(blockNumber.Int64)
			j.BlockNumber = &bn
		}

		// A row still marked processing got here through an expired lease: its
		// worker died mid-job without reaching Fail, so the re-lease consumes a
		// retry. A job that keeps killing workers parks once the budget is gone.
		if prevStatus == StatusProcessing {
			if j.RetryCount+1 >= MaxRetries {
				park := `UPDATE processing_jobs
					SET status = $1, retry_count = retry_count + 1, error = $2,
					    worker_id = NULL, leased_until = NULL, updated_at = now()
					WHERE id = $3`
				if _, err := tx.Exec(park, StatusFailed, "lease expired with retries exhausted", j.ID); err != nil {
					return fmt.Errorf("failed to park job %d: %w", j.ID, err)
				}
				q.log.Warn().Int64("job_id", j.ID).Int("retries", j.RetryCount+1).
					Msg("Job parked after repeated lease expiry")
				return nil
			}

			update := `UPDATE processing_jobs
				SET status = $1, worker_id = $2, leased_until = now() + $3 * interval '1 second',
				    retry_count = retry_count + 1, updated_at = now()
				WHERE id = $4`
			if _, err := tx.Exec(update, StatusProcessing, workerID, int(leaseFor.Seconds()), j.ID); err != nil {
				return fmt.Errorf("failed to lease job %d: %w", j.ID, err)
			}
			j.RetryCount++
		} else {
			update := `UPDATE processing_jobs
				SET status = $1, worker_id = $2, leased_until = now() + $3 * interval '1 second', updated_at = now()
				WHERE id = $4`
			if _, err := tx.Exec(update, StatusProcessing, workerID, int(leaseFor.Seconds()), j.ID); err != nil {
				return fmt.Errorf("failed to lease job %d: %w", j.ID, err)
			}
		}

		j.Status = StatusProcessing
		j.WorkerID = workerID
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Extend renews a worker's lease on a job it is still processing.
func (q *Queue) Extend(jobID int64, workerID string, leaseFor time.Duration) error {
	query := `UPDATE processing_jobs
		SET leased_until = now() + $1 * interval '1 second', updated_at = now()
		WHERE id = $2 AND worker_id = $3 AND status = $4`

	result, err := q.modelDB.Exec(query, int(leaseFor.Seconds()), jobID, workerID, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to extend lease on job %d: %w", jobID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Complete marks a job done. Only the lease holder may complete it; anyone
// else gets ErrLeaseLost and must discard their work.
func (q *Queue) Complete(jobID int64, workerID string) error {
	query := `UPDATE processing_jobs
		SET status = $1, error = NULL, updated_at = now()
		WHERE id = $2 AND worker_id = $3 AND status = $4`

	result, err := q.modelDB.Exec(query, StatusCompleted, jobID, workerID, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", jobID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Fail records a job failure. Retryable failures below the retry ceiling go
// back to pending; everything else is parked as failed for the failed command
// to re-queue explicitly.
func (q *Queue) Fail(jobID int64, workerID string, jobErr error, retryable bool) error {
	return database.WithTransaction(q.modelDB, func(tx *sql.Tx) error {
		var retryCount int
		err := tx.QueryRow(
			`SELECT retry_count FROM processing_jobs WHERE id = $1 AND worker_id = $2 AND status = $3 FOR UPDATE`,
			jobID, workerID, StatusProcessing,
		).Scan(&retryCount)
		if err == sql.ErrNoRows {
			return domain.ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("failed to read job %d for failure: %w", jobID, err)
		}

		status := StatusFailed
		if retryable && retryCount+1 < MaxRetries {
			status = StatusPending
		}

		update := `UPDATE processing_jobs
			SET status = $1, retry_count = retry_count + 1, error = $2,
			    worker_id = NULL, leased_until = NULL, updated_at = now()
			WHERE id = $3`
		if _, err := tx.Exec(update, status, jobErr.Error(), jobID); err != nil {
			return fmt.Errorf("failed to mark job %d failed: %w", jobID, err)
		}

		q.log.Warn().Int64("job_id", jobID).Str("status", status).Err(jobErr).Msg("Job failed")
		return nil
	})
}

// Sweep returns expired processing leases to pending so crashed workers'
// jobs get picked up again. Each reset consumes a retry; jobs out of budget
// park as failed instead of cycling forever. Returns how many were touched.
func (q *Queue) Sweep() (int, error) {
	query := `UPDATE processing_jobs
		SET status = CASE WHEN retry_count + 1 >= $3 THEN $4 ELSE $1 END,
		    retry_count = retry_count + 1,
		    worker_id = NULL, leased_until = NULL, updated_at = now()
		WHERE status = $2 AND leased_until < now()`

	result, err := q.modelDB.Exec(query, StatusPending, StatusProcessing, MaxRetries, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired leases: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// RetryFailed resets parked failed jobs back to pending with a fresh retry
// budget. Returns how many were re-queued.
func (q *Queue) RetryFailed(limit int) (int, error) {
	query := `UPDATE processing_jobs
		SET status = $1, retry_count = 0, error = NULL, updated_at = now()
		WHERE id IN (
			SELECT id FROM processing_jobs WHERE status = $2 ORDER BY created_at ASC LIMIT $3
		)`

	result, err := q.modelDB.Exec(query, StatusPending, StatusFailed, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// Stats returns job counts grouped by status.
func (q *Queue) Stats() (map[string]int, error) {
	rows, err := q.modelDB.Query(`SELECT status, COUNT(*) FROM processing_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue stat: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
