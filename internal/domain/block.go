package domain

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockRecord is the neutral block-with-receipts shape produced by the block
// source, whether the payload came from the object store or from RPC. Field
// encodings follow the standard EVM JSON-RPC representation (hex quantities).
type BlockRecord struct {
	Header       BlockHeader   `json:"header"`
	Transactions []Transaction `json:"transactions"`
	Receipts     []Receipt     `json:"receipts"`
}

// BlockHeader carries the header fields the pipeline needs.
type BlockHeader struct {
	Hash      Hash
	Number    uint64
	Timestamp int64
}

// Transaction is the subset of a transaction the transformers see.
type Transaction struct {
	Hash  Hash
	Index int
	From  Address
	To    Address // empty for contract creation
	Value Amount
	Input []byte
}

// Receipt carries status and logs for one transaction.
type Receipt struct {
	TxHash  Hash
	Status  bool
	GasUsed uint64
	Logs    []Log
}

// Log is a raw EVM log prior to decoding.
type Log struct {
	Address  Address
	Topics   []Hash
	Data     []byte
	LogIndex uint
	Removed  bool
}

// rawBlock mirrors the object-store JSON payload: the standard
// eth_getBlockByNumber(full=true) block with a receipts array attached.
type rawBlock struct {
	Hash         common.Hash      `json:"hash"`
	Number       *hexutil.Big     `json:"number"`
	Timestamp    *hexutil.Big     `json:"timestamp"`
	Transactions []rawTransaction `json:"transactions"`
	Receipts     []rawReceipt     `json:"receipts"`
}

type rawTransaction struct {
	Hash             common.Hash     `json:"hash"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Value            *hexutil.Big    `json:"value"`
	Input            hexutil.Bytes   `json:"input"`
}

type rawReceipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	Status          *hexutil.Uint64 `json:"status"`
	GasUsed         *hexutil.Uint64 `json:"gasUsed"`
	Logs            []rawLog        `json:"logs"`
}

type rawLog struct {
	Address  common.Address `json:"address"`
	Topics   []common.Hash  `json:"topics"`
	Data     hexutil.Bytes  `json:"data"`
	LogIndex hexutil.Uint64 `json:"logIndex"`
	Removed  bool           `json:"removed"`
}

// ParseBlockJSON decodes an object-store payload into a BlockRecord.
// Malformed payloads surface as ErrDecode.
func ParseBlockJSON(data []byte) (*BlockRecord, error) {
	var raw rawBlock
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if raw.Number == nil || raw.Timestamp == nil {
		return nil, fmt.Errorf("%w: missing block number or timestamp", ErrDecode)
	}

	rec := &BlockRecord{
		Header: BlockHeader{
			Hash:      HashFrom(raw.Hash),
			Number:    raw.Number.ToInt().Uint64(),
			Timestamp: raw.Timestamp.ToInt().Int64(),
		},
	}

	for i, tx := range raw.Transactions {
		idx := i
		if tx.TransactionIndex != nil {
			idx = int(*tx.TransactionIndex)
		}
		out := Transaction{
			Hash:  HashFrom(tx.Hash),
			Index: idx,
			From:  AddressFrom(tx.From),
			Input: tx.Input,
		}
		if tx.To != nil {
			out.To = AddressFrom(*tx.To)
		}
		if tx.Value != nil {
			out.Value = NewAmount(tx.Value.ToInt())
		} else {
			out.Value = NewAmount(nil)
		}
		rec.Transactions = append(rec.Transactions, out)
	}

	for _, rcpt := range raw.Receipts {
		out := Receipt{
			TxHash: HashFrom(rcpt.TransactionHash),
			Status: rcpt.Status == nil || *rcpt.Status == 1,
		}
		if rcpt.GasUsed != nil {
			out.GasUsed = uint64(*rcpt.GasUsed)
		}
		for _, lg := range rcpt.Logs {
			l := Log{
				Address:  AddressFrom(lg.Address),
				Data:     lg.Data,
				LogIndex: uint(lg.LogIndex),
				Removed:  lg.Removed,
			}
			for _, t := range lg.Topics {
				l.Topics = append(l.Topics, HashFrom(t))
			}
			out.Logs = append(out.Logs, l)
		}
		rec.Receipts = append(rec.Receipts, out)
	}

	return rec, nil
}

// ReceiptFor returns the receipt matching a transaction hash, or nil.
func (b *BlockRecord) ReceiptFor(txHash Hash) *Receipt {
	for i := range b.Receipts {
		if b.Receipts[i].TxHash == txHash {
			return &b.Receipts[i]
		}
	}
	return nil
}
