package infra

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// SourceRepository reads object-store source rows from the shared database.
type SourceRepository struct {
	sharedDB *sql.DB
	log      zerolog.Logger
}

// NewSourceRepository creates a source repository.
func NewSourceRepository(sharedDB *sql.DB, log zerolog.Logger) *SourceRepository {
	return &SourceRepository{
		sharedDB: sharedDB,
		log:      log.With().Str("repo", "source").Logger(),
	}
}

// GetForModel returns a model's sources in consultation order.
func (r *SourceRepository) GetForModel(modelID int64) ([]*SourceRow, error) {
	query := `SELECT s.id, s.name, s.path, s.format
		FROM sources s
		JOIN model_sources ms ON ms.source_id = s.id
		WHERE ms.model_id = $1
		ORDER BY ms.position, s.id`

	rows, err := r.sharedDB.Query(query, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query model sources: %w", err)
	}
	defer rows.Close()

	var out []*SourceRow
	for rows.Next() {
		var s SourceRow
		if err := rows.Scan(&s.ID, &s.Name, &s.Path, &s.Format); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
