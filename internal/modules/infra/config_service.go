package infra

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
)

// ModelConfig is the immutable configuration snapshot for one model,
// materialised once at startup. Nothing in the pipeline re-reads config rows
// after this point; restart to pick up changes.
type ModelConfig struct {
	Model              *Model
	Contracts          []*Contract
	ContractsByAddress map[domain.Address]*Contract
	ContractsByID      map[int64]*Contract
	Tokens             []*Token
	TokensByAddress    map[domain.Address]*Token
	Sources            []*SourceRow
	PricingConfigs     []*PoolPricingConfig
}

// PricingPoolsAt returns the contracts designated as canonical pricing
// sources at a timestamp.
func (c *ModelConfig) PricingPoolsAt(ts int64) []*Contract {
	var out []*Contract
	for _, cfg := range c.PricingConfigs {
		if !cfg.ActiveAt(ts) {
			continue
		}
		if contract, ok := c.ContractsByID[cfg.ContractID]; ok {
			out = append(out, contract)
		}
	}
	return out
}

// TokenDecimals returns the decimals for a token address. The bool is false
// for untracked tokens.
func (c *ModelConfig) TokenDecimals(addr domain.Address) (int, bool) {
	t, ok := c.TokensByAddress[addr]
	if !ok {
		return 0, false
	}
	return t.Decimals, true
}

// ConfigService loads and validates model configuration snapshots.
type ConfigService struct {
	models    *ModelRepository
	contracts *ContractRepository
	tokens    *TokenRepository
	sources   *SourceRepository
	pricing   *PoolPricingConfigRepository
	log       zerolog.Logger
}

// NewConfigService creates a config service over the shared-database repos.
func NewConfigService(
	models *ModelRepository,
	contracts *ContractRepository,
	tokens *TokenRepository,
	sources *SourceRepository,
	pricing *PoolPricingConfigRepository,
	log zerolog.Logger,
) *ConfigService {
	return &ConfigService{
		models:    models,
		contracts: contracts,
		tokens:    tokens,
		sources:   sources,
		pricing:   pricing,
		log:       log.With().Str("service", "config").Logger(),
	}
}

// Load materialises and validates the snapshot for a named model. Any
// inconsistency is fatal: a model that cannot be fully resolved must not
// start indexing.
func (s *ConfigService) Load(modelName string) (*ModelConfig, error) {
	model, err := s.models.GetActiveByName(modelName)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, fmt.Errorf("%w: no active model named %q", domain.ErrConfigInvalid, modelName)
	}

	contracts, err := s.contracts.GetForModel(model.ID)
	if err != nil {
		return nil, err
	}
	tokens, err := s.tokens.GetForModel(model.ID)
	if err != nil {
		return nil, err
	}
	sources, err := s.sources.GetForModel(model.ID)
	if err != nil {
		return nil, err
	}
	pricingConfigs, err := s.pricing.GetForModel(model.ID)
	if err != nil {
		return nil, err
	}

	cfg := &ModelConfig{
		Model:              model,
		Contracts:          contracts,
		ContractsByAddress: make(map[domain.Address]*Contract, len(contracts)),
		ContractsByID:      make(map[int64]*Contract, len(contracts)),
		Tokens:             tokens,
		TokensByAddress:    make(map[domain.Address]*Token, len(tokens)),
		Sources:            sources,
		PricingConfigs:     pricingConfigs,
	}
	for _, c := range contracts {
		cfg.ContractsByAddress[c.Address] = c
		cfg.ContractsByID[c.ID] = c
	}
	for _, t := range tokens {
		cfg.TokensByAddress[t.Address] = t
	}

	if err := s.validate(cfg); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("model", model.Name).
		Int("version", model.Version).
		Int("contracts", len(contracts)).
		Int("tokens", len(tokens)).
		Int("sources", len(sources)).
		Msg("Model config loaded")
	return cfg, nil
}

func (s *ConfigService) validate(cfg *ModelConfig) error {
	if len(cfg.Contracts) == 0 {
		return fmt.Errorf("%w: model %q has no contracts", domain.ErrConfigInvalid, cfg.Model.Name)
	}
	if _, ok := cfg.TokensByAddress[cfg.Model.ModelTokenAddress]; !ok {
		return fmt.Errorf("%w: model token %s is not a tracked token", domain.ErrConfigInvalid, cfg.Model.ModelTokenAddress)
	}

	for _, c := range cfg.Contracts {
		if c.TransformerName == "" {
			continue
		}
		if c.ABIFile == "" {
			return fmt.Errorf("%w: contract %s has transformer %q but no ABI file", domain.ErrConfigInvalid, c.Address, c.TransformerName)
		}
	}

	for _, pc := range cfg.PricingConfigs {
		contract, ok := cfg.ContractsByID[pc.ContractID]
		if !ok {
			return fmt.Errorf("%w: pricing config %d references contract %d outside the model", domain.ErrConfigInvalid, pc.ID, pc.ContractID)
		}
		if pc.PricingPool && contract.BaseTokenAddress == "" {
			return fmt.Errorf("%w: pricing pool %s has no base token", domain.ErrConfigInvalid, contract.Address)
		}
		if pc.ValidTo != nil && *pc.ValidTo < pc.ValidFrom {
			return fmt.Errorf("%w: pricing config %d has valid_to before valid_from", domain.ErrConfigInvalid, pc.ID)
		}
	}

	return nil
}
