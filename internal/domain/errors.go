package domain

import "errors"

// Error taxonomy for the pipeline. Workers branch on these to decide between
// retry, fail and abort; everything else is wrapped and propagated unchanged.
var (
	// ErrConfigInvalid is fatal at startup: missing model, unresolvable ABI,
	// contradictory pricing config.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrBlockNotFound means an object-store key or RPC block does not exist.
	ErrBlockNotFound = errors.New("block not found")

	// ErrBlockFetch means all sources and RPC failed with non-404. Retryable.
	ErrBlockFetch = errors.New("block fetch failed")

	// ErrDecode means a malformed block payload. Non-retryable.
	ErrDecode = errors.New("block decode failed")

	// ErrTransform means a transformer failed for one transaction. The
	// transaction is marked failed; other transactions still process.
	ErrTransform = errors.New("transform failed")

	// ErrPersist means a database error during bulk write. The transaction
	// rolls back and the job retries.
	ErrPersist = errors.New("persist failed")

	// ErrLeaseLost means another worker took over the job. The current worker
	// aborts without committing.
	ErrLeaseLost = errors.New("job lease lost")
)
