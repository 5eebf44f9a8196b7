package transform

import (
	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/decoder"
)

// TxContext is the per-transaction context handed to transformers: the
// transaction, its block header, and a scratch state map scoped to this
// transaction that transformers may use to coordinate.
type TxContext struct {
	Tx     domain.Transaction
	Header domain.BlockHeader
	State  map[string]any
}

// Transformer turns one decoded log into zero or more domain events and
// position deltas. Implementations must not touch the database and must emit
// the same content ids for identical inputs.
type Transformer interface {
	Transform(lg decoder.DecodedLog, ctx *TxContext) ([]domain.Event, []*domain.Position, error)
}
