package transform

import (
	"github.com/chainmodel/indexer/internal/domain"
)

// finalizeTrades groups a transaction's pool swaps into trades. Swaps that
// share a taker and direction within one transaction form a single trade; the
// trade's tokens and amounts come from the route's entry and exit swaps. Each
// grouped swap gets its TradeID set before persistence.
func finalizeTrades(result *domain.TransactionResult, swaps []*domain.PoolSwap, tx domain.Transaction) {
	if len(swaps) == 0 {
		return
	}

	type groupKey struct {
		taker     domain.Address
		direction domain.Direction
	}

	groups := make(map[groupKey][]*domain.PoolSwap)
	var order []groupKey
	for _, swap := range swaps {
		key := groupKey{taker: swap.Taker, direction: swap.Direction}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], swap)
	}

	transferCount := 0
	for _, ev := range result.Events {
		if ev.Kind() == domain.KindTransfer {
			transferCount++
		}
	}

	for _, key := range order {
		group := groups[key]
		first, last := group[0], group[len(group)-1]

		trade := &domain.Trade{
			EventMeta: domain.EventMeta{
				ContentID:   domain.ContentID(domain.KindTrade, string(result.TxHash), string(key.taker), string(key.direction)),
				TxHash:      result.TxHash,
				BlockNumber: result.BlockNumber,
				Timestamp:   result.Timestamp,
			},
			Taker:         key.taker,
			Direction:     key.direction,
			BaseToken:     first.BaseToken,
			BaseAmount:    first.BaseAmount,
			QuoteToken:    last.QuoteToken,
			QuoteAmount:   last.QuoteAmount,
			TradeType:     classifyTrade(group, key.taker, tx),
			SwapCount:     len(group),
			TransferCount: transferCount,
			Swaps:         group,
		}

		for _, swap := range group {
			swap.TradeID = trade.ContentID
		}

		result.Events[trade.ContentID] = trade
	}
}

// classifyTrade marks a trade as arbitrage when the taker is a contract
// rather than the transaction sender and the route closes a cycle: the token
// entering the first hop is the token leaving the last.
func classifyTrade(group []*domain.PoolSwap, taker domain.Address, tx domain.Transaction) domain.TradeType {
	if len(group) < 2 {
		return domain.TradeTypeUser
	}
	first, last := group[0], group[len(group)-1]
	if taker != tx.From && first.BaseToken == last.QuoteToken {
		return domain.TradeTypeArbitrage
	}
	return domain.TradeTypeUser
}
