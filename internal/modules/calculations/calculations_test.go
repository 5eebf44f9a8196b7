package calculations

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/events"
	"github.com/chainmodel/indexer/internal/modules/infra"
)

var (
	joe   = domain.Address("0x00000000000000000000000000000000000000b3")
	poolA = domain.Address("0x00000000000000000000000000000000000000a1")
	poolB = domain.Address("0x00000000000000000000000000000000000000a2")
)

func testConfig() *infra.ModelConfig {
	joeWavax := &infra.Contract{ID: 1, Address: poolA, Project: "traderjoe"}
	joeUsdc := &infra.Contract{ID: 2, Address: poolB, Project: "pangolin"}
	return &infra.ModelConfig{
		Model:     &infra.Model{ID: 1, Name: "joe_model", ModelTokenAddress: joe},
		Contracts: []*infra.Contract{joeWavax, joeUsdc},
		ContractsByAddress: map[domain.Address]*infra.Contract{
			poolA: joeWavax,
			poolB: joeUsdc,
		},
		ContractsByID:   map[int64]*infra.Contract{1: joeWavax, 2: joeUsdc},
		TokensByAddress: map[domain.Address]*infra.Token{joe: {Address: joe, Decimals: 0}},
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
		infra.NewPriceVwapRepository(db, log),
		events.NewDetailRepository(db, log),
		events.NewAssetPriceRepository(db, log),
		events.NewAssetVolumeRepository(db, log),
		log)
	return svc, mock
}

func vwapRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "asset_address", "timestamp_minute", "denomination", "price_period", "price_vwap",
		"base_volume", "quote_volume", "pool_count", "swap_count",
	})
}

func TestValueEvents_TransferAgainstCanonicalMinute(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM transfers e").
		WillReturnRows(sqlmock.NewRows([]string{"content_id", "timestamp", "token", "amount"}).
			AddRow("0xt1", int64(1700000075), string(joe), "50"))
	mock.ExpectQuery("SELECT (.+) FROM price_vwaps").
		WillReturnRows(vwapRows().
			AddRow(int64(1), string(joe), int64(1700000060), "USD", 2.0, 2.0, 400.0, 800.0, 1, 4))
	mock.ExpectExec("INSERT INTO event_details").
		WithArgs("0xt1", string(domain.KindTransfer), "USD", 100.0, events.MethodCanonical).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.valueEvents(context.Background(), domain.KindTransfer, domain.DenomUSD))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValueEvents_NoCanonicalMinuteLeavesEventUnvalued(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM transfers e").
		WillReturnRows(sqlmock.NewRows([]string{"content_id", "timestamp", "token", "amount"}).
			AddRow("0xt1", int64(1700000075), string(joe), "50"))
	mock.ExpectQuery("SELECT (.+) FROM price_vwaps").
		WillReturnRows(vwapRows())

	require.NoError(t, svc.valueEvents(context.Background(), domain.KindTransfer, domain.DenomUSD))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValueEvents_PositionDeltaKeepsSign(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM positions e").
		WillReturnRows(sqlmock.NewRows([]string{"content_id", "timestamp", "token", "amount"}).
			AddRow("0xp1", int64(1700000075), string(joe), "-25"))
	mock.ExpectQuery("SELECT (.+) FROM price_vwaps").
		WillReturnRows(vwapRows().
			AddRow(int64(1), string(joe), int64(1700000060), "USD", 2.0, 2.0, 400.0, 800.0, 1, 4))
	mock.ExpectExec("INSERT INTO event_details").
		WithArgs("0xp1", string(domain.KindPosition), "USD", -50.0, events.MethodCanonical).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.valueEvents(context.Background(), domain.KindPosition, domain.DenomUSD))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandleForPeriod_OHLCFromTrades(t *testing.T) {
	svc, mock := newTestService(t)

	period := &infra.Period{ID: 7, PeriodType: infra.Period1Min, TimeOpen: 1700000000, TimeClose: 1700000059}

	mock.ExpectQuery("SELECT t.content_id, t.timestamp, d.value, d.price").
		WillReturnRows(sqlmock.NewRows([]string{"content_id", "timestamp", "value", "price"}).
			AddRow("0xtr1", int64(1700000010), 200.0, 2.0).
			AddRow("0xtr2", int64(1700000020), 400.0, 4.0).
			AddRow("0xtr3", int64(1700000030), 300.0, 3.0))
	// open=2, high=4, low=2, close=3, volume = 100+100+100 = 300
	mock.ExpectExec("INSERT INTO asset_prices").
		WithArgs(int64(7), string(joe), "USD", 2.0, 4.0, 2.0, 3.0, 300.0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.candleForPeriod(period, joe, domain.DenomUSD))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandleForPeriod_NoTradesNoCandle(t *testing.T) {
	svc, mock := newTestService(t)

	period := &infra.Period{ID: 7, PeriodType: infra.Period1Min, TimeOpen: 1700000000, TimeClose: 1700000059}

	mock.ExpectQuery("SELECT t.content_id, t.timestamp, d.value, d.price").
		WillReturnRows(sqlmock.NewRows([]string{"content_id", "timestamp", "value", "price"}))

	require.NoError(t, svc.candleForPeriod(period, joe, domain.DenomUSD))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVolumeForPeriod_GroupsByProtocol(t *testing.T) {
	svc, mock := newTestService(t)

	period := &infra.Period{ID: 7, PeriodType: infra.Period1Hr, TimeOpen: 1700000000, TimeClose: 1700003599}

	mock.ExpectQuery("SELECT s.pool, COALESCE\\(SUM\\(d.value\\), 0\\), COUNT\\(\\*\\)").
		WillReturnRows(sqlmock.NewRows([]string{"pool", "value", "count"}).
			AddRow(string(poolA), 1000.0, 10).
			AddRow(string(poolB), 250.0, 2).
			AddRow("0x00000000000000000000000000000000000000ff", 99.0, 1))

	// The unknown pool has no protocol and is dropped; one row per project.
	mock.ExpectExec("INSERT INTO asset_volumes").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO asset_volumes").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.volumeForPeriod(period, joe, domain.DenomUSD))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVolumeForPeriod_OnlyCountsAssetBasedSwaps(t *testing.T) {
	svc, mock := newTestService(t)

	period := &infra.Period{ID: 7, PeriodType: infra.Period1Hr, TimeOpen: 1700000000, TimeClose: 1700003599}

	// The per-pool sum is restricted to swaps whose base token is the asset.
	// A configured pool quoted in a different base contributes nothing, so its
	// value never shows up in the rows and never reaches asset_volumes.
	mock.ExpectQuery(`SELECT s.pool, (.+) WHERE s.base_token = \$2`).
		WithArgs(string(domain.DenomUSD), string(joe), int64(1700000000), int64(1700003599)).
		WillReturnRows(sqlmock.NewRows([]string{"pool", "value", "count"}).
			AddRow(string(poolA), 500.0, 5))

	mock.ExpectExec("INSERT INTO asset_volumes").
		WithArgs(int64(7), string(joe), string(domain.DenomUSD), "traderjoe", 500.0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.volumeForPeriod(period, joe, domain.DenomUSD))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerateAssetOHLCCandles_SkipsExistingCandle(t *testing.T) {
	svc, mock := newTestService(t)
	svc.now = func() time.Time { return time.Unix(1700003700, 0) }

	// The 1min series has one completed period whose candles already exist in
	// both denominations; the remaining series are empty. No insert may happen.
	mock.ExpectQuery("SELECT (.+) FROM periods").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "period_type", "time_open", "time_close", "block_open", "block_close", "is_complete",
		}).AddRow(int64(7), "1min", int64(1700000000), int64(1700000059), int64(5), int64(9), true))
	for _, denom := range domain.AllDenominations {
		mock.ExpectQuery("SELECT id, period_id, asset, denom").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "period_id", "asset", "denom", "open", "high", "low", "close", "volume",
			}).AddRow(int64(1), int64(7), string(joe), string(denom), 2.0, 4.0, 2.0, 3.0, 300.0))
	}
	for i := 1; i < len(infra.AllPeriodTypes); i++ {
		mock.ExpectQuery("SELECT (.+) FROM periods").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "period_type", "time_open", "time_close", "block_open", "block_close", "is_complete",
			}))
	}

	require.NoError(t, svc.GenerateAssetOHLCCandles(context.Background(), domain.AllDenominations))
	assert.NoError(t, mock.ExpectationsWereMet())
}
