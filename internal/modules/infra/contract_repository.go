package infra

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
)

const contractColumns = `c.id, c.address, c.name, c.project, c.type, c.abi_dir, c.abi_file,
	c.transformer_name, c.transformer_config, c.base_token_address, c.decode_anonymous`

// ContractRepository reads contract rows from the shared database.
type ContractRepository struct {
	sharedDB *sql.DB
	log      zerolog.Logger
}

// NewContractRepository creates a contract repository.
func NewContractRepository(sharedDB *sql.DB, log zerolog.Logger) *ContractRepository {
	return &ContractRepository{
		sharedDB: sharedDB,
		log:      log.With().Str("repo", "contract").Logger(),
	}
}

// GetForModel returns every contract linked to a model.
func (r *ContractRepository) GetForModel(modelID int64) ([]*Contract, error) {
	query := "SELECT " + contractColumns + ` FROM contracts c
		JOIN model_contracts mc ON mc.contract_id = c.id
		WHERE mc.model_id = $1
		ORDER BY c.id`

	rows, err := r.sharedDB.Query(query, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query model contracts: %w", err)
	}
	defer rows.Close()

	return scanContracts(rows)
}

// GetByAddress returns one contract by address, or nil when untracked.
func (r *ContractRepository) GetByAddress(address domain.Address) (*Contract, error) {
	query := "SELECT " + contractColumns + " FROM contracts c WHERE c.address = $1"

	rows, err := r.sharedDB.Query(query, string(address))
	if err != nil {
		return nil, fmt.Errorf("failed to query contract by address: %w", err)
	}
	defer rows.Close()

	contracts, err := scanContracts(rows)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, nil
	}
	return contracts[0], nil
}

func scanContracts(rows *sql.Rows) ([]*Contract, error) {
	var out []*Contract
	for rows.Next() {
		var c Contract
		var baseToken sql.NullString
		if err := rows.Scan(&c.ID, &c.Address, &c.Name, &c.Project, &c.Type, &c.ABIDir, &c.ABIFile,
			&c.TransformerName, &c.TransformerConfig, &baseToken, &c.DecodeAnonymous); err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		if baseToken.Valid {
			c.BaseTokenAddress = domain.NormalizeAddress(baseToken.String)
		}
		c.Address = domain.NormalizeAddress(string(c.Address))
		out = append(out, &c)
	}
	return out, rows.Err()
}
