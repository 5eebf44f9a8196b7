package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// EventKind identifies a domain event table.
type EventKind string

const (
	KindTrade     EventKind = "trade"
	KindPoolSwap  EventKind = "pool_swap"
	KindTransfer  EventKind = "transfer"
	KindLiquidity EventKind = "liquidity"
	KindReward    EventKind = "reward"
	KindPosition  EventKind = "position"
)

// Direction of a trade or swap from the taker's perspective on the base token.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// TradeType classifies who initiated a trade.
type TradeType string

const (
	TradeTypeUser      TradeType = "user"
	TradeTypeArbitrage TradeType = "arbitrage"
)

// ContentID computes the deterministic 32-byte content hash of an event's
// identifying fields. The canonical serialization is the kind followed by the
// key attributes, pipe-joined, keccak-256 hashed. Identical inputs always
// produce the same id; the id is the idempotency key for persistence.
func ContentID(kind EventKind, parts ...string) Hash {
	var b strings.Builder
	b.WriteString(string(kind))
	for _, p := range parts {
		b.WriteByte('|')
		b.WriteString(strings.ToLower(p))
	}
	sum := crypto.Keccak256([]byte(b.String()))
	return Hash(fmt.Sprintf("0x%x", sum))
}

// Event is the common contract of all domain events. Serialize returns the
// column map the writer persists; the writer never inspects fields
// reflectively.
type Event interface {
	Kind() EventKind
	ID() Hash
	Serialize() map[string]any
}

// EventMeta carries the fields shared by every domain event.
type EventMeta struct {
	ContentID   Hash
	TxHash      Hash
	BlockNumber uint64
	Timestamp   int64
}

func (m EventMeta) ID() Hash { return m.ContentID }

func (m EventMeta) serialize() map[string]any {
	return map[string]any{
		"content_id":   string(m.ContentID),
		"tx_hash":      string(m.TxHash),
		"block_number": m.BlockNumber,
		"timestamp":    m.Timestamp,
	}
}

// PoolSwap is a single swap against one pool.
type PoolSwap struct {
	EventMeta
	Pool        Address
	Taker       Address
	Direction   Direction
	BaseToken   Address
	BaseAmount  Amount
	QuoteToken  Address
	QuoteAmount Amount
	TradeID     Hash // set during finalisation when grouped into a Trade
}

func (e *PoolSwap) Kind() EventKind { return KindPoolSwap }

func (e *PoolSwap) Serialize() map[string]any {
	m := e.serialize()
	m["pool"] = string(e.Pool)
	m["taker"] = string(e.Taker)
	m["direction"] = string(e.Direction)
	m["base_token"] = string(e.BaseToken)
	m["base_amount"] = e.BaseAmount.String()
	m["quote_token"] = string(e.QuoteToken)
	m["quote_amount"] = e.QuoteAmount.String()
	if e.TradeID != "" {
		m["trade_id"] = string(e.TradeID)
	} else {
		m["trade_id"] = nil
	}
	return m
}

// Trade aggregates one or more pool swaps within the same transaction that
// share a taker and direction. Swaps carries the constituents in memory; the
// writer is the single place that flattens the tree.
type Trade struct {
	EventMeta
	Taker         Address
	Direction     Direction
	BaseToken     Address
	BaseAmount    Amount
	QuoteToken    Address
	QuoteAmount   Amount
	TradeType     TradeType
	SwapCount     int
	TransferCount int
	Swaps         []*PoolSwap
}

func (e *Trade) Kind() EventKind { return KindTrade }

func (e *Trade) Serialize() map[string]any {
	m := e.serialize()
	m["taker"] = string(e.Taker)
	m["direction"] = string(e.Direction)
	m["base_token"] = string(e.BaseToken)
	m["base_amount"] = e.BaseAmount.String()
	m["quote_token"] = string(e.QuoteToken)
	m["quote_amount"] = e.QuoteAmount.String()
	m["trade_type"] = string(e.TradeType)
	m["swap_count"] = e.SwapCount
	m["transfer_count"] = e.TransferCount
	return m
}

// Transfer is an ERC-20 transfer of a tracked token.
type Transfer struct {
	EventMeta
	Token     Address
	Sender    Address
	Recipient Address
	Amount    Amount
}

func (e *Transfer) Kind() EventKind { return KindTransfer }

func (e *Transfer) Serialize() map[string]any {
	m := e.serialize()
	m["token"] = string(e.Token)
	m["sender"] = string(e.Sender)
	m["recipient"] = string(e.Recipient)
	m["amount"] = e.Amount.String()
	return m
}

// Liquidity is a mint or burn against a pool.
type Liquidity struct {
	EventMeta
	Pool        Address
	Provider    Address
	Direction   string // "add" or "remove"
	BaseToken   Address
	BaseAmount  Amount
	QuoteToken  Address
	QuoteAmount Amount
}

func (e *Liquidity) Kind() EventKind { return KindLiquidity }

func (e *Liquidity) Serialize() map[string]any {
	m := e.serialize()
	m["pool"] = string(e.Pool)
	m["provider"] = string(e.Provider)
	m["direction"] = e.Direction
	m["base_token"] = string(e.BaseToken)
	m["base_amount"] = e.BaseAmount.String()
	m["quote_token"] = string(e.QuoteToken)
	m["quote_amount"] = e.QuoteAmount.String()
	return m
}

// Reward is an emission paid out by a rewarder contract.
type Reward struct {
	EventMeta
	Contract  Address
	Recipient Address
	Token     Address
	Amount    Amount
}

func (e *Reward) Kind() EventKind { return KindReward }

func (e *Reward) Serialize() map[string]any {
	m := e.serialize()
	m["contract"] = string(e.Contract)
	m["recipient"] = string(e.Recipient)
	m["token"] = string(e.Token)
	m["amount"] = e.Amount.String()
	return m
}

// Position is a balance delta for a holder/token pair. ParentID references
// the event that caused the change by content id, never by pointer.
type Position struct {
	EventMeta
	Holder     Address
	Token      Address
	Delta      Amount // signed
	ParentID   Hash
	ParentType EventKind
}

func (e *Position) Kind() EventKind { return KindPosition }

func (e *Position) Serialize() map[string]any {
	m := e.serialize()
	m["holder"] = string(e.Holder)
	m["token"] = string(e.Token)
	m["delta"] = e.Delta.String()
	if e.ParentID != "" {
		m["parent_id"] = string(e.ParentID)
		m["parent_type"] = string(e.ParentType)
	} else {
		m["parent_id"] = nil
		m["parent_type"] = nil
	}
	return m
}

// TransactionResult is what the transformer pipeline hands to the writer for
// one transaction: events and positions keyed by content id.
type TransactionResult struct {
	TxHash      Hash
	TxIndex     int
	BlockNumber uint64
	Timestamp   int64
	TxSuccess   bool
	Events      map[Hash]Event
	Positions   map[Hash]*Position
	LogCount    int
}
