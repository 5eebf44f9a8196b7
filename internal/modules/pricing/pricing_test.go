package pricing

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmodel/indexer/internal/clients/evmrpc"
	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/events"
	"github.com/chainmodel/indexer/internal/modules/infra"
)

var (
	joe   = domain.Address("0x00000000000000000000000000000000000000b3")
	wavax = domain.Address("0x00000000000000000000000000000000000000b1")
	usdc  = domain.Address("0x00000000000000000000000000000000000000b2")
	poolA = domain.Address("0x00000000000000000000000000000000000000a1")
)

func testConfig() *infra.ModelConfig {
	pair := &infra.Contract{
		ID:                1,
		Address:           poolA,
		Project:           "traderjoe",
		TransformerName:   "pair_swap",
		TransformerConfig: `{"token0": "` + string(joe) + `", "token1": "` + string(wavax) + `"}`,
		BaseTokenAddress:  joe,
	}
	return &infra.ModelConfig{
		Model:              &infra.Model{ID: 1, Name: "joe_model", ModelTokenAddress: joe, ModelDBName: "model_joe"},
		Contracts:          []*infra.Contract{pair},
		ContractsByAddress: map[domain.Address]*infra.Contract{poolA: pair},
		ContractsByID:      map[int64]*infra.Contract{1: pair},
		Tokens: []*infra.Token{
			{Address: joe, Decimals: 0, Type: ""},
			{Address: wavax, Decimals: 0, Type: infra.TokenTypeWrappedNative},
			{Address: usdc, Decimals: 0, Type: infra.TokenTypeUSDStable},
		},
		TokensByAddress: map[domain.Address]*infra.Token{
			joe:   {Address: joe, Decimals: 0},
			wavax: {Address: wavax, Decimals: 0, Type: infra.TokenTypeWrappedNative},
			usdc:  {Address: usdc, Decimals: 0, Type: infra.TokenTypeUSDStable},
		},
		PricingConfigs: []*infra.PoolPricingConfig{
			{ID: 1, ModelID: 1, ContractID: 1, PricingPool: true, ValidFrom: 0},
		},
	}
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	svc := New(testConfig(),
		infra.NewPeriodRepository(db, log),
		infra.NewBlockPriceRepository(db, log),
		infra.NewPriceVwapRepository(db, log),
		events.NewDetailRepository(db, log),
		nil, nil, common.Address{}, log)
	return svc, mock
}

func TestScaleAnswer(t *testing.T) {
	assert.InDelta(t, 25.5, scaleAnswer(big.NewInt(2550000000), 8), 1e-9)
	assert.Equal(t, 0.0, scaleAnswer(nil, 8))
}

func TestPoolQuoteToken(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, wavax, poolQuoteToken(cfg.ContractsByAddress[poolA]))

	foreign := &infra.Contract{
		TransformerConfig: `{"token0": "0x1", "token1": "0x2"}`,
		BaseTokenAddress:  "0x3",
	}
	assert.Equal(t, domain.Address(""), poolQuoteToken(foreign))
}

func TestDirectPools(t *testing.T) {
	svc, _ := newTestService(t)
	avax, usd := svc.directPools(joe)
	assert.Equal(t, []domain.Address{poolA}, avax)
	assert.Empty(t, usd)
}

func TestDirectSwapDetail(t *testing.T) {
	svc, _ := newTestService(t)

	swap := &events.SwapRow{
		ContentID:   "0xs1",
		BaseToken:   joe,
		BaseAmount:  "100",
		QuoteToken:  wavax,
		QuoteAmount: "250",
	}
	detail, ok := svc.directSwapDetail(swap, domain.DenomAVAX, events.MethodDirectAVAX)
	require.True(t, ok)
	assert.InDelta(t, 2.5, detail.Price, 1e-9)
	assert.InDelta(t, 250.0, detail.Value, 1e-9)
	assert.Equal(t, events.MethodDirectAVAX, detail.PriceMethod)
}

func TestDirectSwapDetail_ZeroAmountsSkipped(t *testing.T) {
	svc, _ := newTestService(t)

	_, ok := svc.directSwapDetail(&events.SwapRow{
		BaseToken: joe, BaseAmount: "0", QuoteToken: wavax, QuoteAmount: "250",
	}, domain.DenomAVAX, events.MethodDirectAVAX)
	assert.False(t, ok)
}

func TestCalculateTradePricing_WeightedIdentity(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM trades t").
		WillReturnRows(sqlmock.NewRows([]string{
			"content_id", "tx_hash", "block_number", "timestamp", "taker", "direction",
			"base_token", "base_amount", "quote_token", "quote_amount",
		}).AddRow("0xtrade", "0xtx", int64(100), int64(1700000000), "0xtaker", "buy",
			string(joe), "400", string(wavax), "1400"))
	mock.ExpectQuery("SELECT (.+) FROM pool_swaps s").
		WillReturnRows(sqlmock.NewRows([]string{
			"content_id", "tx_hash", "block_number", "timestamp", "pool", "taker",
			"direction", "base_token", "base_amount", "quote_token", "quote_amount", "trade_id",
		}).
			AddRow("0xs1", "0xtx", int64(100), int64(1700000000), string(poolA), "0xtaker",
				"buy", string(joe), "100", string(wavax), "200", "0xtrade").
			AddRow("0xs2", "0xtx", int64(100), int64(1700000000), string(poolA), "0xtaker",
				"buy", string(joe), "300", string(wavax), "1200", "0xtrade"))
	mock.ExpectQuery("SELECT content_id, denomination, value, price, price_method").
		WillReturnRows(sqlmock.NewRows([]string{"content_id", "denomination", "value", "price", "price_method"}).
			AddRow("0xs1", "AVAX", 200.0, 2.0, events.MethodDirectAVAX).
			AddRow("0xs2", "AVAX", 1200.0, 4.0, events.MethodDirectAVAX))
	// price = (200+1200) / (200/2 + 1200/4) = 1400 / 400 = 3.5
	mock.ExpectExec("INSERT INTO trade_details").
		WithArgs("0xtrade", "AVAX", 1400.0, 3.5, events.MethodDirect).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.CalculateTradePricing(context.Background(), []domain.Denomination{domain.DenomAVAX}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCalculateTradePricing_SkipsPartiallyPricedTrade(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM trades t").
		WillReturnRows(sqlmock.NewRows([]string{
			"content_id", "tx_hash", "block_number", "timestamp", "taker", "direction",
			"base_token", "base_amount", "quote_token", "quote_amount",
		}).AddRow("0xtrade", "0xtx", int64(100), int64(1700000000), "0xtaker", "buy",
			string(joe), "400", string(wavax), "1400"))
	mock.ExpectQuery("SELECT (.+) FROM pool_swaps s").
		WillReturnRows(sqlmock.NewRows([]string{
			"content_id", "tx_hash", "block_number", "timestamp", "pool", "taker",
			"direction", "base_token", "base_amount", "quote_token", "quote_amount", "trade_id",
		}).
			AddRow("0xs1", "0xtx", int64(100), int64(1700000000), string(poolA), "0xtaker",
				"buy", string(joe), "100", string(wavax), "200", "0xtrade").
			AddRow("0xs2", "0xtx", int64(100), int64(1700000000), string(poolA), "0xtaker",
				"buy", string(joe), "300", string(wavax), "1200", "0xtrade"))
	mock.ExpectQuery("SELECT content_id, denomination, value, price, price_method").
		WillReturnRows(sqlmock.NewRows([]string{"content_id", "denomination", "value", "price", "price_method"}).
			AddRow("0xs1", "AVAX", 200.0, 2.0, events.MethodDirectAVAX))

	// Only one of two swaps priced: no trade detail is written.
	require.NoError(t, svc.CalculateTradePricing(context.Background(), []domain.Denomination{domain.DenomAVAX}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCanonicalMinute_VolumeWeightedMean(t *testing.T) {
	svc, mock := newTestService(t)

	minute := int64(1700000040)

	mock.ExpectQuery("SELECT s.content_id, s.pool, s.timestamp").
		WillReturnRows(sqlmock.NewRows([]string{
			"content_id", "pool", "timestamp", "base_token", "base_amount", "price", "value",
		}).
			AddRow("0xs1", string(poolA), minute+5, string(joe), "100", 2.0, 200.0).
			AddRow("0xs2", string(poolA), minute+30, string(joe), "300", 4.0, 1200.0))
	mock.ExpectQuery("SELECT (.+) FROM price_vwaps").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "asset_address", "timestamp_minute", "denomination", "price_period", "price_vwap",
			"base_volume", "quote_volume", "pool_count", "swap_count",
		}))
	// minute price = (100*2 + 300*4) / 400 = 3.5; no prior minutes so vwap = 3.5
	mock.ExpectExec("INSERT INTO price_vwaps").
		WithArgs(string(joe), minute, "AVAX", 3.5, 3.5, 400.0, 1400.0, 1, 2).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.canonicalMinute(joe, domain.DenomAVAX, []domain.Address{poolA}, minute))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCanonicalMinute_TrailingWindowCombinesPriorMinutes(t *testing.T) {
	svc, mock := newTestService(t)

	minute := int64(1700000100)

	mock.ExpectQuery("SELECT s.content_id, s.pool, s.timestamp").
		WillReturnRows(sqlmock.NewRows([]string{
			"content_id", "pool", "timestamp", "base_token", "base_amount", "price", "value",
		}).AddRow("0xs1", string(poolA), minute+1, string(joe), "100", 4.0, 400.0))
	mock.ExpectQuery("SELECT (.+) FROM price_vwaps").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "asset_address", "timestamp_minute", "denomination", "price_period", "price_vwap",
			"base_volume", "quote_volume", "pool_count", "swap_count",
		}).AddRow(int64(1), string(joe), minute-60, "AVAX", 2.0, 2.0, 300.0, 600.0, 1, 3))
	// vwap = (100*4 + 300*2) / 400 = 2.5, minute price stays 4.0
	mock.ExpectExec("INSERT INTO price_vwaps").
		WithArgs(string(joe), minute, "AVAX", 4.0, 2.5, 100.0, 400.0, 1, 1).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.canonicalMinute(joe, domain.DenomAVAX, []domain.Address{poolA}, minute))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerateCanonicalPrices_NoPoolsWarnsAndSkips(t *testing.T) {
	svc, mock := newTestService(t)

	// Asset with no pricing pools: no queries are issued at all.
	require.NoError(t, svc.GenerateCanonicalPrices(context.Background(), usdc,
		[]domain.Denomination{domain.DenomAVAX}, 1700000040, 1700000040))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeChain struct {
	tip        uint64
	timestamps map[uint64]int64
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.tip, nil }

func (f *fakeChain) HeaderTimestamp(_ context.Context, n uint64) (int64, error) {
	if ts, ok := f.timestamps[n]; ok {
		return ts, nil
	}
	return int64(n) * 2, nil
}

type fakeOracle struct {
	answer   *big.Int
	decimals uint8
}

func (f *fakeOracle) LatestRoundData(context.Context, common.Address) (*evmrpc.RoundData, error) {
	return &evmrpc.RoundData{RoundID: big.NewInt(7), Answer: f.answer, UpdatedAt: 1700000000}, nil
}

func (f *fakeOracle) AggregatorDecimals(context.Context, common.Address) (uint8, error) {
	return f.decimals, nil
}

func TestUpdateMinutePricesToPresent_BackfillsMissedMinutes(t *testing.T) {
	svc, mock := newTestService(t)
	svc.oracle = &fakeOracle{answer: big.NewInt(2550000000), decimals: 8}
	svc.chain = &fakeChain{tip: 1000}
	svc.now = func() time.Time { return time.Unix(300, 0) }

	// Last recorded reference price sits at ts 130; minutes 180, 240 and 300
	// are missing and each resolves to its boundary block (timestamps are 2*n).
	mock.ExpectQuery("SELECT MAX\\(timestamp\\) FROM block_prices").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(130)))
	mock.ExpectExec("INSERT INTO block_prices").
		WithArgs(int64(90), int64(180), 25.5, "7", int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO block_prices").
		WithArgs(int64(120), int64(240), 25.5, "7", int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO block_prices").
		WithArgs(int64(150), int64(300), 25.5, "7", int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.UpdateMinutePricesToPresent(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMinutePricesToPresent_FirstRunWritesCurrentMinute(t *testing.T) {
	svc, mock := newTestService(t)
	svc.oracle = &fakeOracle{answer: big.NewInt(2550000000), decimals: 8}
	svc.chain = &fakeChain{tip: 1000}
	svc.now = func() time.Time { return time.Unix(300, 0) }

	mock.ExpectQuery("SELECT MAX\\(timestamp\\) FROM block_prices").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO block_prices").
		WithArgs(int64(150), int64(300), 25.5, "7", int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.UpdateMinutePricesToPresent(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockAtOrAfter(t *testing.T) {
	svc, _ := newTestService(t)
	svc.chain = &fakeChain{tip: 1000}

	// Timestamps are 2*n: the first block with ts >= 101 is block 51.
	block, err := svc.blockAtOrAfter(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, uint64(51), block)

	block, err = svc.blockAtOrAfter(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), block)
}

func TestUpdatePeriodsToPresent_TilesWithoutGaps(t *testing.T) {
	svc, mock := newTestService(t)
	svc.now = func() time.Time { return time.Unix(1700000125, 0) }

	// 1min series last closed at 1699999999: three new buckets tile to now.
	mock.ExpectQuery("SELECT MAX\\(time_close\\) FROM periods").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(1699999999)))
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO periods").
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectQuery("SELECT (.+) FROM periods").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "period_type", "time_open", "time_close", "block_open", "block_close", "is_complete",
		}).AddRow(int64(9), "1min", int64(1700000000), int64(1700000059), int64(5), int64(9), false))
	mock.ExpectExec("UPDATE periods SET is_complete").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.UpdatePeriodsToPresent(context.Background(), []infra.PeriodType{infra.Period1Min}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePeriodsToPresent_UnknownTypeFails(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.UpdatePeriodsToPresent(context.Background(), []infra.PeriodType{infra.PeriodType("2min")})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
