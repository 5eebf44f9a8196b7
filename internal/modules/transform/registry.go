// Package transform dispatches decoded logs to per-contract transformers and
// finalises per-transaction results: trade grouping, counters and
// classification. Transformers are pure with respect to database writes and
// must produce stable content ids for identical inputs.
package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/chainmodel/indexer/internal/modules/infra"
)

// Factory builds a transformer instance for one contract. The config map is
// the contract's decoded transformer_config JSON.
type Factory func(contract *infra.Contract, config map[string]any) (Transformer, error)

// Registry maps transformer names to factories. Configs reference these
// names; unknown names fail at startup, not at first use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty transformer registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a name, overwriting any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build resolves a contract's transformer binding into an instance.
func (r *Registry) Build(contract *infra.Contract) (Transformer, error) {
	r.mu.RLock()
	factory, ok := r.factories[contract.TransformerName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transformer %q for contract %s", contract.TransformerName, contract.Address)
	}

	config := map[string]any{}
	if contract.TransformerConfig != "" {
		if err := json.Unmarshal([]byte(contract.TransformerConfig), &config); err != nil {
			return nil, fmt.Errorf("invalid transformer_config for contract %s: %w", contract.Address, err)
		}
	}

	return factory(contract, config)
}

// Names returns the registered transformer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewDefaultRegistry returns a registry with every built-in transformer.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("pair_swap", NewPairSwapTransformer)
	r.Register("erc20_transfer", NewERC20TransferTransformer)
	r.Register("pair_liquidity", NewPairLiquidityTransformer)
	r.Register("rewarder", NewRewarderTransformer)
	return r
}
