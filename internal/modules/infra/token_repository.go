package infra

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
)

const tokenColumns = `t.id, t.address, t.type, t.symbol, t.name, t.decimals, t.project`

// TokenRepository reads token metadata from the shared database.
type TokenRepository struct {
	sharedDB *sql.DB
	log      zerolog.Logger
}

// NewTokenRepository creates a token repository.
func NewTokenRepository(sharedDB *sql.DB, log zerolog.Logger) *TokenRepository {
	return &TokenRepository{
		sharedDB: sharedDB,
		log:      log.With().Str("repo", "token").Logger(),
	}
}

// GetForModel returns every token linked to a model.
func (r *TokenRepository) GetForModel(modelID int64) ([]*Token, error) {
	query := "SELECT " + tokenColumns + ` FROM tokens t
		JOIN model_tokens mt ON mt.token_id = t.id
		WHERE mt.model_id = $1
		ORDER BY t.id`

	rows, err := r.sharedDB.Query(query, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query model tokens: %w", err)
	}
	defer rows.Close()

	return scanTokens(rows)
}

// GetByAddress returns one token by address, or nil when unknown.
func (r *TokenRepository) GetByAddress(address domain.Address) (*Token, error) {
	query := "SELECT " + tokenColumns + " FROM tokens t WHERE t.address = $1"

	rows, err := r.sharedDB.Query(query, string(address))
	if err != nil {
		return nil, fmt.Errorf("failed to query token by address: %w", err)
	}
	defer rows.Close()

	tokens, err := scanTokens(rows)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return tokens[0], nil
}

// Upsert inserts or refreshes one token's metadata, keyed by address.
func (r *TokenRepository) Upsert(t *Token) error {
	query := `INSERT INTO tokens (address, type, symbol, name, decimals, project)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO UPDATE SET
			type = EXCLUDED.type,
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			decimals = EXCLUDED.decimals,
			project = EXCLUDED.project`

	if _, err := r.sharedDB.Exec(query, string(t.Address), t.Type, t.Symbol, t.Name, t.Decimals, t.Project); err != nil {
		return fmt.Errorf("failed to upsert token %s: %w", t.Address, err)
	}
	return nil
}

func scanTokens(rows *sql.Rows) ([]*Token, error) {
	var out []*Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.ID, &t.Address, &t.Type, &t.Symbol, &t.Name, &t.Decimals, &t.Project); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		t.Address = domain.NormalizeAddress(string(t.Address))
		out = append(out, &t)
	}
	return out, rows.Err()
}
