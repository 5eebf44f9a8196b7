// Package evmrpc wraps the JSON-RPC surface of an Avalanche C-chain node:
// block numbers, blocks with receipts, header timestamps and the eth_call
// reads used for oracle rounds.
package evmrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
)

// Client is a thin wrapper over a JSON-RPC connection.
type Client struct {
	rpc *rpc.Client
	log zerolog.Logger
}

// New dials the RPC endpoint.
func New(ctx context.Context, url string, log zerolog.Logger) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc %s: %w", url, err)
	}
	return &Client{
		rpc: c,
		log: log.With().Str("component", "evmrpc").Logger(),
	}, nil
}

// NewWithConn wraps an existing rpc client (used in tests).
func NewWithConn(c *rpc.Client, log zerolog.Logger) *Client {
	return &Client{rpc: c, log: log.With().Str("component", "evmrpc").Logger()}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	return uint64(result), nil
}

// BlockWithReceipts fetches a full block and its receipts and assembles the
// neutral block record. A missing block surfaces as ErrBlockNotFound.
func (c *Client) BlockWithReceipts(ctx context.Context, number uint64) (*domain.BlockRecord, error) {
	numArg := hexutil.EncodeUint64(number)

	var rawBlock json.RawMessage
	if err := c.rpc.CallContext(ctx, &rawBlock, "eth_getBlockByNumber", numArg, true); err != nil {
		return nil, fmt.Errorf("%w: eth_getBlockByNumber(%d): %v", domain.ErrBlockFetch, number, err)
	}
	if len(rawBlock) == 0 || string(rawBlock) == "null" {
		return nil, fmt.Errorf("%w: block %d", domain.ErrBlockNotFound, number)
	}

	var rawReceipts json.RawMessage
	if err := c.rpc.CallContext(ctx, &rawReceipts, "eth_getBlockReceipts", numArg); err != nil {
		return nil, fmt.Errorf("%w: eth_getBlockReceipts(%d): %v", domain.ErrBlockFetch, number, err)
	}
	if len(rawReceipts) == 0 || string(rawReceipts) == "null" {
		rawReceipts = json.RawMessage("[]")
	}

	// Splice the receipts array into the block object so both paths (object
	// store and RPC) share one parser.
	var blockFields map[string]json.RawMessage
	if err := json.Unmarshal(rawBlock, &blockFields); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	blockFields["receipts"] = rawReceipts
	merged, err := json.Marshal(blockFields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	return domain.ParseBlockJSON(merged)
}

// HeaderTimestamp returns the unix timestamp of a block header.
func (c *Client) HeaderTimestamp(ctx context.Context, number uint64) (int64, error) {
	var header struct {
		Timestamp *hexutil.Big `json:"timestamp"`
	}
	if err := c.rpc.CallContext(ctx, &header, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return 0, fmt.Errorf("failed to get header %d: %w", number, err)
	}
	if header.Timestamp == nil {
		return 0, fmt.Errorf("%w: header %d", domain.ErrBlockNotFound, number)
	}
	return header.Timestamp.ToInt().Int64(), nil
}

// ethCall performs a read-only contract call at the latest block.
func (c *Client) ethCall(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	args := map[string]any{
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}
	var result hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &result, "eth_call", args, "latest"); err != nil {
		return nil, fmt.Errorf("eth_call to %s failed: %w", to.Hex(), err)
	}
	return result, nil
}

const aggregatorABIJSON = `[
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},
	            {"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},
	            {"name":"answeredInRound","type":"uint80"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint8"}]}
]`

var aggregatorABI = mustParseABI(aggregatorABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// RoundData is one oracle round from a chainlink-style aggregator.
type RoundData struct {
	RoundID   *big.Int
	Answer    *big.Int
	UpdatedAt int64
}

// LatestRoundData reads latestRoundData() from an aggregator contract.
func (c *Client) LatestRoundData(ctx context.Context, aggregator common.Address) (*RoundData, error) {
	data, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return nil, fmt.Errorf("failed to pack latestRoundData: %w", err)
	}
	out, err := c.ethCall(ctx, aggregator, data)
	if err != nil {
		return nil, err
	}
	vals, err := aggregatorABI.Unpack("latestRoundData", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack latestRoundData: %w", err)
	}
	if len(vals) < 5 {
		return nil, fmt.Errorf("unexpected latestRoundData output length %d", len(vals))
	}

	round := &RoundData{
		RoundID: vals[0].(*big.Int),
		Answer:  vals[1].(*big.Int),
	}
	if updated, ok := vals[3].(*big.Int); ok {
		round.UpdatedAt = updated.Int64()
	}
	return round, nil
}

// AggregatorDecimals reads decimals() from an aggregator contract.
func (c *Client) AggregatorDecimals(ctx context.Context, aggregator common.Address) (uint8, error) {
	data, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("failed to pack decimals: %w", err)
	}
	out, err := c.ethCall(ctx, aggregator, data)
	if err != nil {
		return 0, err
	}
	vals, err := aggregatorABI.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack decimals: %w", err)
	}
	return vals[0].(uint8), nil
}
