package events

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmodel/indexer/internal/domain"
)

func tradeEvent(id domain.Hash) *domain.Trade {
	return &domain.Trade{
		EventMeta: domain.EventMeta{
			ContentID:   id,
			TxHash:      "0xtx",
			BlockNumber: 100,
			Timestamp:   1700000000,
		},
		Taker:       "0xtaker",
		Direction:   domain.DirectionBuy,
		BaseToken:   "0xbase",
		BaseAmount:  domain.AmountFromString("100"),
		QuoteToken:  "0xquote",
		QuoteAmount: domain.AmountFromString("2500"),
		TradeType:   domain.TradeTypeUser,
		SwapCount:   1,
	}
}

func TestEventRepository_BulkInsertSkipsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT content_id FROM trades").
		WillReturnRows(sqlmock.NewRows([]string{"content_id"}).AddRow("0xaaa"))
	mock.ExpectExec("INSERT INTO trades").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewEventRepository(db, zerolog.Nop())

	tx, err := db.Begin()
	require.NoError(t, err)

	inserted, err := repo.BulkInsertSkipExisting(tx, domain.KindTrade,
		[]domain.Event{tradeEvent("0xaaa"), tradeEvent("0xbbb")})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_AllExistingIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT content_id FROM trades").
		WillReturnRows(sqlmock.NewRows([]string{"content_id"}).AddRow("0xaaa"))
	mock.ExpectRollback()

	repo := NewEventRepository(db, zerolog.Nop())

	tx, err := db.Begin()
	require.NoError(t, err)

	inserted, err := repo.BulkInsertSkipExisting(tx, domain.KindTrade, []domain.Event{tradeEvent("0xaaa")})
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_EmptyBatchIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	repo := NewEventRepository(db, zerolog.Nop())

	tx, err := db.Begin()
	require.NoError(t, err)

	inserted, err := repo.BulkInsertSkipExisting(tx, domain.KindPoolSwap, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
	require.NoError(t, tx.Rollback())
}

func TestEventRepository_UnknownKind(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	repo := NewEventRepository(db, zerolog.Nop())
	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = repo.BulkInsertSkipExisting(tx, domain.EventKind("mystery"), []domain.Event{tradeEvent("0x1")})
	assert.Error(t, err)
}

func TestEventTables_CoverEveryKind(t *testing.T) {
	kinds := []domain.EventKind{
		domain.KindTrade, domain.KindPoolSwap, domain.KindTransfer,
		domain.KindLiquidity, domain.KindReward, domain.KindPosition,
	}
	for _, kind := range kinds {
		_, ok := eventTables[kind]
		assert.True(t, ok, "no table mapping for %s", kind)
	}
}

func TestEventTables_ColumnsMatchSerializedKeys(t *testing.T) {
	events := []domain.Event{
		tradeEvent("0x1"),
		&domain.PoolSwap{},
		&domain.Transfer{},
		&domain.Liquidity{},
		&domain.Reward{},
		&domain.Position{},
	}
	for _, ev := range events {
		meta := eventTables[ev.Kind()]
		serialized := ev.Serialize()
		for _, col := range meta.columns {
			_, ok := serialized[col]
			assert.True(t, ok, "%s serialize missing column %s", ev.Kind(), col)
		}
	}
}

func TestDetailRepository_SwapsMissingDetail_NoPools(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewDetailRepository(db, zerolog.Nop())
	swaps, err := repo.SwapsMissingDetail(domain.DenomUSD, nil, 10)
	require.NoError(t, err)
	assert.Nil(t, swaps)
}

func TestDetailRepository_SwapsMissingDetail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"content_id", "tx_hash", "block_number", "timestamp", "pool", "taker",
		"direction", "base_token", "base_amount", "quote_token", "quote_amount", "trade_id",
	}).AddRow("0xs1", "0xtx", int64(100), int64(1700000000), "0xpool", "0xtaker",
		"buy", "0xbase", "100", "0xquote", "2500", "")
	mock.ExpectQuery("SELECT (.+) FROM pool_swaps s").
		WillReturnRows(rows)

	repo := NewDetailRepository(db, zerolog.Nop())
	swaps, err := repo.SwapsMissingDetail(domain.DenomUSD, []domain.Address{"0xpool"}, 10)
	require.NoError(t, err)
	require.Len(t, swaps, 1)
	assert.Equal(t, domain.Hash("0xs1"), swaps[0].ContentID)
	assert.Equal(t, uint64(100), swaps[0].BlockNumber)
	assert.Equal(t, "100", swaps[0].BaseAmount)
	assert.Equal(t, domain.Hash(""), swaps[0].TradeID)
}

func TestDetailRepository_GlobalEventsUnknownKind(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewDetailRepository(db, zerolog.Nop())
	_, err = repo.GlobalEventsMissingDetail(domain.KindPoolSwap, domain.DenomUSD, 10)
	assert.Error(t, err)
}

func TestBlockProcessingRepository_IsCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT status FROM block_processing").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(ProcessingCompleted))

	repo := NewBlockProcessingRepository(db, zerolog.Nop())
	done, err := repo.IsCompleted(42)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestBlockProcessingRepository_IsCompleted_NoRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT status FROM block_processing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	repo := NewBlockProcessingRepository(db, zerolog.Nop())
	done, err := repo.IsCompleted(42)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestTransactionProcessingRepository_UpsertResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transaction_processing").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	repo := NewTransactionProcessingRepository(db, zerolog.Nop())

	tx, err := db.Begin()
	require.NoError(t, err)

	result := &domain.TransactionResult{
		TxHash:      "0xtx",
		BlockNumber: 100,
		Timestamp:   1700000000,
		TxSuccess:   true,
		Events:      map[domain.Hash]domain.Event{"0x1": tradeEvent("0x1")},
		Positions:   map[domain.Hash]*domain.Position{},
		LogCount:    3,
	}
	require.NoError(t, repo.UpsertResult(tx, result, ProcessingCompleted, ""))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}
