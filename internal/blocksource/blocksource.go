package blocksource

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
)

// RPCFetcher is the fallback when no object-store source has the block.
type RPCFetcher interface {
	BlockWithReceipts(ctx context.Context, number uint64) (*domain.BlockRecord, error)
}

// BlockSource fetches a block-with-receipts by number. Sources are tried in
// declared order; a miss on every source falls back to RPC. Failures other
// than not-found surface as domain.ErrBlockFetch.
type BlockSource struct {
	store   ObjectStore
	sources []SourceSpec
	rpc     RPCFetcher
	log     zerolog.Logger
}

// New creates a block source. store may be nil when no bucket is configured;
// fetches then go straight to RPC.
func New(store ObjectStore, sources []SourceSpec, rpc RPCFetcher, log zerolog.Logger) *BlockSource {
	return &BlockSource{
		store:   store,
		sources: sources,
		rpc:     rpc,
		log:     log.With().Str("component", "blocksource").Logger(),
	}
}

// Fetch returns the neutral block record for a block number.
func (b *BlockSource) Fetch(ctx context.Context, number uint64) (*domain.BlockRecord, error) {
	if b.store != nil {
		for _, src := range b.sources {
			key := src.Key(number)
			data, err := b.store.Get(ctx, key)
			if err != nil {
				if errors.Is(err, domain.ErrBlockNotFound) {
					b.log.Debug().Uint64("block", number).Str("source", src.Name).Str("key", key).
						Msg("Block not in source")
					continue
				}
				return nil, err
			}

			rec, err := domain.ParseBlockJSON(data)
			if err != nil {
				return nil, fmt.Errorf("source %s key %s: %w", src.Name, key, err)
			}
			if rec.Header.Number != number {
				return nil, fmt.Errorf("%w: source %s key %s holds block %d, wanted %d",
					domain.ErrDecode, src.Name, key, rec.Header.Number, number)
			}
			return rec, nil
		}
	}

	if b.rpc == nil {
		return nil, fmt.Errorf("%w: block %d missing from all sources and no rpc fallback", domain.ErrBlockNotFound, number)
	}

	b.log.Debug().Uint64("block", number).Msg("Falling back to RPC")
	rec, err := b.rpc.BlockWithReceipts(ctx, number)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
