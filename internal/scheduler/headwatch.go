package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// reconnectDelay is the pause between websocket reconnect attempts.
const reconnectDelay = 5 * time.Second

// HeadWatcher subscribes to newHeads over the node's websocket endpoint and
// invokes a callback per head, so ingestion reacts to new blocks faster than
// the polling loop alone. It is an accelerator only: losing the subscription
// never loses blocks, polling still covers everything.
type HeadWatcher struct {
	url    string
	onHead func(blockNumber uint64)
	log    zerolog.Logger
}

// NewHeadWatcher creates a head watcher. The callback must be cheap; it runs
// on the read loop.
func NewHeadWatcher(url string, onHead func(uint64), log zerolog.Logger) *HeadWatcher {
	return &HeadWatcher{
		url:    url,
		onHead: onHead,
		log:    log.With().Str("component", "headwatch").Logger(),
	}
}

// Run watches until the context is cancelled, reconnecting on any failure.
func (w *HeadWatcher) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := w.watch(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("Head subscription dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
		case <-time.After(reconnectDelay):
		}
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcMessage struct {
	ID     int             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Params *struct {
		Result struct {
			Number string `json:"number"`
		} `json:"result"`
	} `json:"params,omitempty"`
}

func (w *HeadWatcher) watch(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_subscribe",
		Params:  []any{"newHeads"},
	}); err != nil {
		return err
	}

	w.log.Info().Msg("Subscribed to new heads")

	for {
		var msg rpcMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		if msg.Method != "eth_subscription" || msg.Params == nil {
			continue
		}
		number, err := parseHexUint(msg.Params.Result.Number)
		if err != nil {
			w.log.Warn().Str("number", msg.Params.Result.Number).Msg("Unparseable head number")
			continue
		}
		w.onHead(number)
	}
}

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
