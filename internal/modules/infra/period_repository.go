package infra

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

const periodColumns = `id, period_type, time_open, time_close, block_open, block_close, is_complete`

// PeriodRepository manages the time-bucket rows shared by pricing and
// analytics. Periods of one type tile time with no gaps or overlap.
type PeriodRepository struct {
	sharedDB *sql.DB
	log      zerolog.Logger
}

// NewPeriodRepository creates a period repository.
func NewPeriodRepository(sharedDB *sql.DB, log zerolog.Logger) *PeriodRepository {
	return &PeriodRepository{
		sharedDB: sharedDB,
		log:      log.With().Str("repo", "period").Logger(),
	}
}

// LatestTimeClose returns the newest time_close for a period type. The bool
// is false when no period of that type exists yet.
func (r *PeriodRepository) LatestTimeClose(periodType PeriodType) (int64, bool, error) {
	var close sql.NullInt64
	err := r.sharedDB.QueryRow(
		"SELECT MAX(time_close) FROM periods WHERE period_type = $1", string(periodType),
	).Scan(&close)
	if err != nil {
		return 0, false, fmt.Errorf("failed to query latest period close: %w", err)
	}
	if !close.Valid {
		return 0, false, nil
	}
	return close.Int64, true, nil
}

// Insert adds one period. Re-inserting an existing bucket is a no-op.
func (r *PeriodRepository) Insert(p *Period) error {
	query := `INSERT INTO periods (period_type, time_open, time_close)
		VALUES ($1, $2, $3)
		ON CONFLICT (period_type, time_open) DO NOTHING`

	if _, err := r.sharedDB.Exec(query, string(p.PeriodType), p.TimeOpen, p.TimeClose); err != nil {
		return fmt.Errorf("failed to insert period: %w", err)
	}
	return nil
}

// IncompleteClosedBefore returns periods whose close time has passed but that
// are not yet marked complete, oldest first.
func (r *PeriodRepository) IncompleteClosedBefore(ts int64, limit int) ([]*Period, error) {
	query := "SELECT " + periodColumns + ` FROM periods
		WHERE is_complete = FALSE AND time_close < $1
		ORDER BY time_close ASC LIMIT $2`

	rows, err := r.sharedDB.Query(query, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query incomplete periods: %w", err)
	}
	defer rows.Close()

	return scanPeriods(rows)
}

// CompletedRange returns completed periods of one type ordered by open time.
func (r *PeriodRepository) CompletedRange(periodType PeriodType, fromTS, toTS int64) ([]*Period, error) {
	query := "SELECT " + periodColumns + ` FROM periods
		WHERE period_type = $1 AND is_complete = TRUE
		  AND time_open >= $2 AND time_close <= $3
		ORDER BY time_open ASC`

	rows, err := r.sharedDB.Query(query, string(periodType), fromTS, toTS)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed periods: %w", err)
	}
	defer rows.Close()

	return scanPeriods(rows)
}

// SetBlockRange records the block boundaries of a period.
func (r *PeriodRepository) SetBlockRange(id int64, blockOpen, blockClose int64) error {
	query := `UPDATE periods SET block_open = $2, block_close = $3 WHERE id = $1`
	if _, err := r.sharedDB.Exec(query, id, blockOpen, blockClose); err != nil {
		return fmt.Errorf("failed to set period block range: %w", err)
	}
	return nil
}

// MarkComplete flags a period as closed for analytics.
func (r *PeriodRepository) MarkComplete(id int64) error {
	if _, err := r.sharedDB.Exec("UPDATE periods SET is_complete = TRUE WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to mark period complete: %w", err)
	}
	return nil
}

func scanPeriods(rows *sql.Rows) ([]*Period, error) {
	var out []*Period
	for rows.Next() {
		var p Period
		var blockOpen, blockClose sql.NullInt64
		if err := rows.Scan(&p.ID, &p.PeriodType, &p.TimeOpen, &p.TimeClose, &blockOpen, &blockClose, &p.IsComplete); err != nil {
			return nil, fmt.Errorf("failed to scan period: %w", err)
		}
		assignBlocks(&p, blockOpen, blockClose)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func assignBlocks(p *Period, open, close sql.NullInt64) {
	if open.Valid {
		v := open.Int64
		p.BlockOpen = &v
	}
	if close.Valid {
		v := close.Int64
		p.BlockClose = &v
	}
}
