package infra

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

const modelColumns = `id, name, version, model_db_name, model_token_address, status`

// ModelRepository reads model rows from the shared database.
type ModelRepository struct {
	sharedDB *sql.DB
	log      zerolog.Logger
}

// NewModelRepository creates a model repository.
func NewModelRepository(sharedDB *sql.DB, log zerolog.Logger) *ModelRepository {
	return &ModelRepository{
		sharedDB: sharedDB,
		log:      log.With().Str("repo", "model").Logger(),
	}
}

// GetActiveByName returns the highest active version of a named model, or nil
// when no active version exists.
func (r *ModelRepository) GetActiveByName(name string) (*Model, error) {
	query := "SELECT " + modelColumns + ` FROM models
		WHERE name = $1 AND status = $2
		ORDER BY version DESC LIMIT 1`

	row := r.sharedDB.QueryRow(query, name, ModelStatusActive)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query model by name: %w", err)
	}
	return m, nil
}

// GetByNameVersion returns one exact model version, or nil.
func (r *ModelRepository) GetByNameVersion(name string, version int) (*Model, error) {
	query := "SELECT " + modelColumns + " FROM models WHERE name = $1 AND version = $2"

	row := r.sharedDB.QueryRow(query, name, version)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query model version: %w", err)
	}
	return m, nil
}

// List returns every model row.
func (r *ModelRepository) List() ([]*Model, error) {
	query := "SELECT " + modelColumns + " FROM models ORDER BY name, version"

	rows, err := r.sharedDB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var out []*Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.ID, &m.Name, &m.Version, &m.ModelDBName, &m.ModelTokenAddress, &m.Status); err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func scanModel(row *sql.Row) (*Model, error) {
	var m Model
	if err := row.Scan(&m.ID, &m.Name, &m.Version, &m.ModelDBName, &m.ModelTokenAddress, &m.Status); err != nil {
		return nil, err
	}
	return &m, nil
}
