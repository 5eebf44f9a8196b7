package transform

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/decoder"
	"github.com/chainmodel/indexer/internal/modules/infra"
)

const zeroAddress = domain.Address("0x0000000000000000000000000000000000000000")

func attrAddress(attrs map[string]any, key string) domain.Address {
	switch v := attrs[key].(type) {
	case domain.Address:
		return v
	case string:
		return domain.NormalizeAddress(v)
	default:
		return ""
	}
}

func attrAmount(attrs map[string]any, key string) domain.Amount {
	switch v := attrs[key].(type) {
	case *big.Int:
		return domain.NewAmount(v)
	case string:
		return domain.AmountFromString(v)
	default:
		return domain.NewAmount(nil)
	}
}

func configAddress(config map[string]any, key string) domain.Address {
	if s, ok := config[key].(string); ok {
		return domain.NormalizeAddress(s)
	}
	return ""
}

func logIndexStr(lg decoder.DecodedLog) string {
	return strconv.FormatUint(uint64(lg.Log.LogIndex), 10)
}

// pairSwapTransformer emits PoolSwap events from Uniswap-V2-style Swap logs.
// The pool's base token comes from the contract row; token0/token1 come from
// transformer_config so amounts can be oriented without an extra chain read.
type pairSwapTransformer struct {
	pool         domain.Address
	token0       domain.Address
	token1       domain.Address
	base         domain.Address
	quote        domain.Address
	baseIsToken0 bool
}

// NewPairSwapTransformer builds a swap transformer for one pair contract.
func NewPairSwapTransformer(contract *infra.Contract, config map[string]any) (Transformer, error) {
	t := &pairSwapTransformer{
		pool:   contract.Address,
		token0: configAddress(config, "token0"),
		token1: configAddress(config, "token1"),
		base:   contract.BaseTokenAddress,
	}
	if t.token0 == "" || t.token1 == "" {
		return nil, fmt.Errorf("pair_swap for %s requires token0 and token1 in transformer_config", contract.Address)
	}
	switch t.base {
	case t.token0:
		t.baseIsToken0 = true
		t.quote = t.token1
	case t.token1:
		t.baseIsToken0 = false
		t.quote = t.token0
	default:
		return nil, fmt.Errorf("pair_swap for %s: base token %s is neither token0 nor token1", contract.Address, t.base)
	}
	return t, nil
}

func (t *pairSwapTransformer) Transform(lg decoder.DecodedLog, ctx *TxContext) ([]domain.Event, []*domain.Position, error) {
	if lg.Event != "Swap" {
		return nil, nil, nil
	}

	amount0In := attrAmount(lg.Attrs, "amount0In")
	amount1In := attrAmount(lg.Attrs, "amount1In")
	amount0Out := attrAmount(lg.Attrs, "amount0Out")
	amount1Out := attrAmount(lg.Attrs, "amount1Out")

	baseIn, baseOut := amount0In, amount0Out
	quoteIn, quoteOut := amount1In, amount1Out
	if !t.baseIsToken0 {
		baseIn, baseOut = amount1In, amount1Out
		quoteIn, quoteOut = amount0In, amount0Out
	}

	swap := &domain.PoolSwap{
		EventMeta: domain.EventMeta{
			TxHash:      ctx.Tx.Hash,
			BlockNumber: ctx.Header.Number,
			Timestamp:   ctx.Header.Timestamp,
		},
		Pool:       t.pool,
		Taker:      attrAddress(lg.Attrs, "to"),
		BaseToken:  t.base,
		QuoteToken: t.quote,
	}

	// Base flowing out of the pool means the taker bought the base token.
	switch {
	case !baseOut.IsZero():
		swap.Direction = domain.DirectionBuy
		swap.BaseAmount = baseOut
		swap.QuoteAmount = quoteIn
	case !baseIn.IsZero():
		swap.Direction = domain.DirectionSell
		swap.BaseAmount = baseIn
		swap.QuoteAmount = quoteOut
	default:
		// Degenerate swap with no base movement; nothing to record.
		return nil, nil, nil
	}

	swap.ContentID = domain.ContentID(domain.KindPoolSwap,
		string(ctx.Tx.Hash), logIndexStr(lg), string(t.pool))

	return []domain.Event{swap}, nil, nil
}

// erc20TransferTransformer emits Transfer events plus the two position
// deltas they imply.
type erc20TransferTransformer struct {
	token domain.Address
}

// NewERC20TransferTransformer builds a transfer transformer for one token.
func NewERC20TransferTransformer(contract *infra.Contract, _ map[string]any) (Transformer, error) {
	return &erc20TransferTransformer{token: contract.Address}, nil
}

func (t *erc20TransferTransformer) Transform(lg decoder.DecodedLog, ctx *TxContext) ([]domain.Event, []*domain.Position, error) {
	if lg.Event != "Transfer" {
		return nil, nil, nil
	}

	from := attrAddress(lg.Attrs, "from")
	to := attrAddress(lg.Attrs, "to")
	value := attrAmount(lg.Attrs, "value")

	transfer := &domain.Transfer{
		EventMeta: domain.EventMeta{
			ContentID:   domain.ContentID(domain.KindTransfer, string(ctx.Tx.Hash), logIndexStr(lg), string(t.token)),
			TxHash:      ctx.Tx.Hash,
			BlockNumber: ctx.Header.Number,
			Timestamp:   ctx.Header.Timestamp,
		},
		Token:     t.token,
		Sender:    from,
		Recipient: to,
		Amount:    value,
	}

	var positions []*domain.Position
	// Mint and burn legs have the zero address on one side; no position there.
	if from != zeroAddress && from != "" {
		positions = append(positions, t.position(ctx, lg, transfer, from, new(big.Int).Neg(value.Int)))
	}
	if to != zeroAddress && to != "" {
		positions = append(positions, t.position(ctx, lg, transfer, to, value.Int))
	}

	return []domain.Event{transfer}, positions, nil
}

func (t *erc20TransferTransformer) position(ctx *TxContext, lg decoder.DecodedLog, parent *domain.Transfer, holder domain.Address, delta *big.Int) *domain.Position {
	return &domain.Position{
		EventMeta: domain.EventMeta{
			ContentID:   domain.ContentID(domain.KindPosition, string(ctx.Tx.Hash), logIndexStr(lg), string(holder), string(t.token)),
			TxHash:      ctx.Tx.Hash,
			BlockNumber: ctx.Header.Number,
			Timestamp:   ctx.Header.Timestamp,
		},
		Holder:     holder,
		Token:      t.token,
		Delta:      domain.NewAmount(delta),
		ParentID:   parent.ContentID,
		ParentType: domain.KindTransfer,
	}
}

// pairLiquidityTransformer emits Liquidity events from V2-style Mint and
// Burn logs.
type pairLiquidityTransformer struct {
	pool         domain.Address
	base         domain.Address
	quote        domain.Address
	baseIsToken0 bool
}

// NewPairLiquidityTransformer builds a liquidity transformer for one pair.
func NewPairLiquidityTransformer(contract *infra.Contract, config map[string]any) (Transformer, error) {
	token0 := configAddress(config, "token0")
	token1 := configAddress(config, "token1")
	if token0 == "" || token1 == "" {
		return nil, fmt.Errorf("pair_liquidity for %s requires token0 and token1 in transformer_config", contract.Address)
	}
	t := &pairLiquidityTransformer{pool: contract.Address, base: contract.BaseTokenAddress}
	switch t.base {
	case token0:
		t.baseIsToken0 = true
		t.quote = token1
	case token1:
		t.baseIsToken0 = false
		t.quote = token0
	default:
		return nil, fmt.Errorf("pair_liquidity for %s: base token %s is neither token0 nor token1", contract.Address, t.base)
	}
	return t, nil
}

func (t *pairLiquidityTransformer) Transform(lg decoder.DecodedLog, ctx *TxContext) ([]domain.Event, []*domain.Position, error) {
	var direction string
	var provider domain.Address
	switch lg.Event {
	case "Mint":
		direction = "add"
		provider = attrAddress(lg.Attrs, "sender")
	case "Burn":
		direction = "remove"
		provider = attrAddress(lg.Attrs, "to")
	default:
		return nil, nil, nil
	}

	amount0 := attrAmount(lg.Attrs, "amount0")
	amount1 := attrAmount(lg.Attrs, "amount1")
	baseAmount, quoteAmount := amount0, amount1
	if !t.baseIsToken0 {
		baseAmount, quoteAmount = amount1, amount0
	}

	ev := &domain.Liquidity{
		EventMeta: domain.EventMeta{
			ContentID:   domain.ContentID(domain.KindLiquidity, string(ctx.Tx.Hash), logIndexStr(lg), string(t.pool)),
			TxHash:      ctx.Tx.Hash,
			BlockNumber: ctx.Header.Number,
			Timestamp:   ctx.Header.Timestamp,
		},
		Pool:        t.pool,
		Provider:    provider,
		Direction:   direction,
		BaseToken:   t.base,
		BaseAmount:  baseAmount,
		QuoteToken:  t.quote,
		QuoteAmount: quoteAmount,
	}

	return []domain.Event{ev}, nil, nil
}

// rewarderTransformer emits Reward events (plus position deltas for the
// reward token) from masterchef-style Harvest/RewardPaid logs, and staking
// position deltas from Deposit/Withdraw logs.
type rewarderTransformer struct {
	contract    domain.Address
	rewardToken domain.Address
	stakedToken domain.Address
}

// NewRewarderTransformer builds a rewarder transformer.
func NewRewarderTransformer(contract *infra.Contract, config map[string]any) (Transformer, error) {
	t := &rewarderTransformer{
		contract:    contract.Address,
		rewardToken: configAddress(config, "reward_token"),
		stakedToken: configAddress(config, "staked_token"),
	}
	if t.rewardToken == "" {
		return nil, fmt.Errorf("rewarder for %s requires reward_token in transformer_config", contract.Address)
	}
	return t, nil
}

func (t *rewarderTransformer) Transform(lg decoder.DecodedLog, ctx *TxContext) ([]domain.Event, []*domain.Position, error) {
	switch lg.Event {
	case "Harvest", "RewardPaid":
		user := attrAddress(lg.Attrs, "user")
		amount := attrAmount(lg.Attrs, "amount")
		if amount.IsZero() {
			amount = attrAmount(lg.Attrs, "reward")
		}

		reward := &domain.Reward{
			EventMeta: domain.EventMeta{
				ContentID:   domain.ContentID(domain.KindReward, string(ctx.Tx.Hash), logIndexStr(lg), string(t.contract)),
				TxHash:      ctx.Tx.Hash,
				BlockNumber: ctx.Header.Number,
				Timestamp:   ctx.Header.Timestamp,
			},
			Contract:  t.contract,
			Recipient: user,
			Token:     t.rewardToken,
			Amount:    amount,
		}

		pos := &domain.Position{
			EventMeta: domain.EventMeta{
				ContentID:   domain.ContentID(domain.KindPosition, string(ctx.Tx.Hash), logIndexStr(lg), string(user), string(t.rewardToken)),
				TxHash:      ctx.Tx.Hash,
				BlockNumber: ctx.Header.Number,
				Timestamp:   ctx.Header.Timestamp,
			},
			Holder:     user,
			Token:      t.rewardToken,
			Delta:      amount,
			ParentID:   reward.ContentID,
			ParentType: domain.KindReward,
		}

		return []domain.Event{reward}, []*domain.Position{pos}, nil

	case "Deposit", "Withdraw":
		if t.stakedToken == "" {
			return nil, nil, nil
		}
		user := attrAddress(lg.Attrs, "user")
		amount := attrAmount(lg.Attrs, "amount")
		delta := amount.Int
		if lg.Event == "Withdraw" {
			delta = new(big.Int).Neg(delta)
		}

		pos := &domain.Position{
			EventMeta: domain.EventMeta{
				ContentID:   domain.ContentID(domain.KindPosition, string(ctx.Tx.Hash), logIndexStr(lg), string(user), string(t.stakedToken)),
				TxHash:      ctx.Tx.Hash,
				BlockNumber: ctx.Header.Number,
				Timestamp:   ctx.Header.Timestamp,
			},
			Holder: user,
			Token:  t.stakedToken,
			Delta:  domain.NewAmount(delta),
		}
		return nil, []*domain.Position{pos}, nil
	}

	return nil, nil, nil
}
