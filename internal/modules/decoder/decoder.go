// Package decoder turns raw EVM logs into typed, normalised attribute maps by
// matching them against registered contract ABIs. Every log is either decoded
// (event name set) or passed through as encoded; no log is dropped.
package decoder

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/registry"
)

// DecodedLog is one log after decoding. When Event is empty the log is
// "encoded": topics and data carried as-is, either because the address is not
// registered or because no event ABI matched.
type DecodedLog struct {
	Log      domain.Log
	Contract *registry.Entry // nil when the address is not registered
	Event    string          // empty for encoded logs
	Attrs    map[string]any  // normalised attributes, nil for encoded logs
}

// Decoded reports whether an event ABI matched.
func (d *DecodedLog) Decoded() bool {
	return d.Event != ""
}

// DecodedTransaction is the ordered list of decoded logs for one transaction.
type DecodedTransaction struct {
	Tx      domain.Transaction
	Receipt *domain.Receipt
	Logs    []DecodedLog
}

// LogDecoder decodes individual logs against the contract registry.
type LogDecoder struct {
	registry *registry.ContractRegistry
	log      zerolog.Logger
}

// NewLogDecoder creates a log decoder.
func NewLogDecoder(reg *registry.ContractRegistry, log zerolog.Logger) *LogDecoder {
	return &LogDecoder{
		registry: reg,
		log:      log.With().Str("component", "log_decoder").Logger(),
	}
}

// Decode matches one log against its contract's event ABIs and returns the
// first successful decode, or an encoded pass-through.
func (d *LogDecoder) Decode(lg domain.Log) DecodedLog {
	entry := d.registry.ContractFor(lg.Address)
	if entry == nil {
		return DecodedLog{Log: lg}
	}

	out := DecodedLog{Log: lg, Contract: entry}

	if len(lg.Topics) == 0 {
		// Anonymous event: only decodable when the contract opts in.
		if !entry.Contract.DecodeAnonymous {
			return out
		}
		for _, ev := range entry.Events() {
			if !ev.Anonymous {
				continue
			}
			if attrs, err := decodeAgainst(ev, lg, true); err == nil {
				out.Event = ev.Name
				out.Attrs = attrs
				return out
			}
		}
		return out
	}

	// Signature topics are unique within an ABI, so the topic0 lookup finds
	// the only candidate event.
	ev := entry.EventByTopic(lg.Topics[0])
	if ev == nil || ev.Anonymous {
		return out
	}
	attrs, err := decodeAgainst(ev, lg, false)
	if err != nil {
		d.log.Debug().Str("event", ev.Name).Str("address", string(lg.Address)).Err(err).
			Msg("Topic matched but decode failed")
		return out
	}
	out.Event = ev.Name
	out.Attrs = attrs
	return out
}

// decodeAgainst decodes a log against one event ABI. The topic count must
// match and every parameter must decode.
func decodeAgainst(ev *abi.Event, lg domain.Log, anonymous bool) (map[string]any, error) {
	indexed := indexedArgs(ev.Inputs)

	wantTopics := len(indexed)
	if !anonymous {
		wantTopics++ // signature topic
	}
	if len(lg.Topics) != wantTopics {
		return nil, fmt.Errorf("topic count %d, want %d", len(lg.Topics), wantTopics)
	}

	values := make(map[string]any)

	if len(indexed) > 0 {
		topics := make([]common.Hash, 0, len(indexed))
		start := 0
		if !anonymous {
			start = 1
		}
		for _, t := range lg.Topics[start:] {
			topics = append(topics, common.HexToHash(string(t)))
		}
		if err := abi.ParseTopicsIntoMap(values, indexed, topics); err != nil {
			return nil, fmt.Errorf("failed to parse indexed topics: %w", err)
		}
	}

	if err := ev.Inputs.UnpackIntoMap(values, lg.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack data: %w", err)
	}

	for name, v := range values {
		values[name] = normalizeValue(v)
	}
	return values, nil
}

func indexedArgs(args abi.Arguments) abi.Arguments {
	var out abi.Arguments
	for _, a := range args {
		if a.Indexed {
			out = append(out, a)
		}
	}
	return out
}

// normalizeValue maps decoded ABI values onto the neutral attribute forms:
// addresses lowercased, byte arrays as lowercase hex, signed ints preserved,
// slices normalised element-wise.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case common.Address:
		return domain.AddressFrom(t)
	case common.Hash:
		return domain.HashFrom(t)
	case []byte:
		return "0x" + strings.ToLower(common.Bytes2Hex(t))
	case *big.Int:
		return t
	case bool, string, uint8, uint16, uint32, uint64, int8, int16, int32, int64:
		return t
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		// Fixed-size byte arrays ([N]byte) become hex strings.
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				b[i] = byte(rv.Index(i).Uint())
			}
			return "0x" + strings.ToLower(common.Bytes2Hex(b))
		}
	case reflect.Slice:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}
		return out
	}

	return v
}

// BlockDecoder yields ordered decoded logs per transaction.
type BlockDecoder struct {
	logs *LogDecoder
	log  zerolog.Logger
}

// NewBlockDecoder creates a block decoder.
func NewBlockDecoder(logs *LogDecoder, log zerolog.Logger) *BlockDecoder {
	return &BlockDecoder{
		logs: logs,
		log:  log.With().Str("component", "block_decoder").Logger(),
	}
}

// DecodeBlock decodes every transaction's logs, preserving log order.
func (d *BlockDecoder) DecodeBlock(block *domain.BlockRecord) []DecodedTransaction {
	out := make([]DecodedTransaction, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		out = append(out, d.DecodeTransaction(block, tx))
	}
	return out
}

// DecodeTransaction decodes one transaction's receipt logs in log_index order.
func (d *BlockDecoder) DecodeTransaction(block *domain.BlockRecord, tx domain.Transaction) DecodedTransaction {
	dt := DecodedTransaction{Tx: tx, Receipt: block.ReceiptFor(tx.Hash)}
	if dt.Receipt == nil {
		return dt
	}
	for _, lg := range dt.Receipt.Logs {
		dt.Logs = append(dt.Logs, d.logs.Decode(lg))
	}
	return dt
}
