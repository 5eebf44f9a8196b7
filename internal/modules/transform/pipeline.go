package transform

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/decoder"
	"github.com/chainmodel/indexer/internal/modules/registry"
)

// Pipeline routes decoded logs to the transformer bound to each contract and
// finalises the per-transaction result. Transformer instances are resolved
// once at construction; an unresolvable binding fails the whole pipeline
// rather than surfacing later on a live block.
type Pipeline struct {
	transformers map[domain.Address]Transformer
	log          zerolog.Logger
}

// NewPipeline resolves every registered contract's transformer binding.
func NewPipeline(contracts *registry.ContractRegistry, transformers *Registry, log zerolog.Logger) (*Pipeline, error) {
	p := &Pipeline{
		transformers: make(map[domain.Address]Transformer),
		log:          log.With().Str("component", "transform_pipeline").Logger(),
	}

	for _, addr := range contracts.Addresses() {
		entry := contracts.ContractFor(addr)
		if entry.Contract.TransformerName == "" {
			continue
		}
		t, err := transformers.Build(entry.Contract)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
		}
		p.transformers[addr] = t
	}

	p.log.Info().Int("transformers", len(p.transformers)).Msg("Transform pipeline ready")
	return p, nil
}

// ProcessTransaction runs every decoded log of one transaction through its
// bound transformer and finalises the result. Removed (reorged-out) logs are
// skipped. Logs from failed transactions are skipped too: receipts of
// reverted transactions carry no logs on the EVM, so this only guards
// malformed payloads.
func (p *Pipeline) ProcessTransaction(header domain.BlockHeader, dt decoder.DecodedTransaction) (*domain.TransactionResult, error) {
	result := &domain.TransactionResult{
		TxHash:      dt.Tx.Hash,
		TxIndex:     dt.Tx.Index,
		BlockNumber: header.Number,
		Timestamp:   header.Timestamp,
		Events:      make(map[domain.Hash]domain.Event),
		Positions:   make(map[domain.Hash]*domain.Position),
		LogCount:    len(dt.Logs),
	}
	if dt.Receipt != nil {
		result.TxSuccess = dt.Receipt.Status
	}
	if !result.TxSuccess {
		return result, nil
	}

	ctx := &TxContext{Tx: dt.Tx, Header: header, State: make(map[string]any)}

	// Swaps are collected in log order so trade grouping sees the route in
	// execution order.
	var swaps []*domain.PoolSwap

	for _, lg := range dt.Logs {
		if lg.Log.Removed || !lg.Decoded() {
			continue
		}
		t, ok := p.transformers[lg.Log.Address]
		if !ok {
			continue
		}

		events, positions, err := t.Transform(lg, ctx)
		if err != nil {
			return result, fmt.Errorf("%w: tx %s log %d: %v", domain.ErrTransform, dt.Tx.Hash, lg.Log.LogIndex, err)
		}

		for _, ev := range events {
			if swap, ok := ev.(*domain.PoolSwap); ok {
				swaps = append(swaps, swap)
			}
			result.Events[ev.ID()] = ev
		}
		for _, pos := range positions {
			result.Positions[pos.ID()] = pos
		}
	}

	finalizeTrades(result, swaps, dt.Tx)
	return result, nil
}
