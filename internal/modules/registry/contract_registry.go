package registry

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/infra"
)

// Entry is a registered contract with its parsed ABI.
type Entry struct {
	Contract *infra.Contract
	ABI      *abi.ABI
}

// EventByTopic returns the event ABI entry whose signature hash matches the
// log's first topic, or nil.
func (e *Entry) EventByTopic(topic0 domain.Hash) *abi.Event {
	if e.ABI == nil {
		return nil
	}
	ev, err := e.ABI.EventByID(common.HexToHash(string(topic0)))
	if err != nil {
		return nil
	}
	return ev
}

// Events returns all event ABI entries of the contract.
func (e *Entry) Events() []*abi.Event {
	if e.ABI == nil {
		return nil
	}
	out := make([]*abi.Event, 0, len(e.ABI.Events))
	for name := range e.ABI.Events {
		ev := e.ABI.Events[name]
		out = append(out, &ev)
	}
	return out
}

// ContractRegistry resolves contracts by address. It is built once at startup
// and read-mostly afterwards, safe for concurrent reads.
type ContractRegistry struct {
	byAddress map[domain.Address]*Entry
	log       zerolog.Logger
}

// NewContractRegistry loads the ABI of every contract and indexes by address.
// A contract whose ABI cannot be resolved is a configuration error.
func NewContractRegistry(loader *ABILoader, contracts map[domain.Address]*infra.Contract, log zerolog.Logger) (*ContractRegistry, error) {
	r := &ContractRegistry{
		byAddress: make(map[domain.Address]*Entry, len(contracts)),
		log:       log.With().Str("component", "contract_registry").Logger(),
	}

	for addr, c := range contracts {
		parsed, err := loader.Load(c.ABIDir, c.ABIFile)
		if err != nil {
			return nil, fmt.Errorf("%w: contract %s (%s): %v", domain.ErrConfigInvalid, c.Name, addr, err)
		}
		r.byAddress[addr] = &Entry{Contract: c, ABI: parsed}
	}

	r.log.Info().Int("contracts", len(r.byAddress)).Msg("Contract registry initialized")
	return r, nil
}

// ContractFor returns the entry for an address, or nil for unknown addresses.
// Logs from unknown addresses pass through as encoded, not decoded.
func (r *ContractRegistry) ContractFor(addr domain.Address) *Entry {
	return r.byAddress[addr]
}

// Addresses returns every registered address.
func (r *ContractRegistry) Addresses() []domain.Address {
	out := make([]domain.Address, 0, len(r.byAddress))
	for addr := range r.byAddress {
		out = append(out, addr)
	}
	return out
}

// Count returns the number of registered contracts.
func (r *ContractRegistry) Count() int {
	return len(r.byAddress)
}
