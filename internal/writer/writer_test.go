package writer

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/events"
)

func newWriter(t *testing.T) (*DomainEventWriter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	w := New(db,
		events.NewEventRepository(db, log),
		events.NewTransactionProcessingRepository(db, log),
		events.NewBlockProcessingRepository(db, log),
		log)
	return w, mock
}

func resultWithTrade(txHash domain.Hash, tradeID domain.Hash) *domain.TransactionResult {
	trade := &domain.Trade{
		EventMeta: domain.EventMeta{
			ContentID:   tradeID,
			TxHash:      txHash,
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
	}
	return &domain.TransactionResult{
		TxHash:      txHash,
		BlockNumber: 100,
		Timestamp:   1700000000,
		TxSuccess:   true,
		Events:      map[domain.Hash]domain.Event{tradeID: trade},
		Positions:   map[domain.Hash]*domain.Position{},
		LogCount:    2,
	}
}

func TestWriteBlockResults_SingleTransaction(t *testing.T) {
	w, mock := newWriter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT content_id FROM trades").
		WillReturnRows(sqlmock.NewRows([]string{"content_id"}))
	mock.ExpectExec("INSERT INTO trades").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transaction_processing").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO block_processing").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	stats, err := w.WriteBlockResults(100, 1700000000, []*domain.TransactionResult{
		resultWithTrade("0xtx1", "0xtrade1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EventsInserted)
	assert.Equal(t, 0, stats.EventsSkipped)
	assert.Equal(t, 2, stats.LogsProcessed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBlockResults_RewriteSkipsExisting(t *testing.T) {
	w, mock := newWriter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT content_id FROM trades").
		WillReturnRows(sqlmock.NewRows([]string{"content_id"}).AddRow("0xtrade1"))
	mock.ExpectExec("INSERT INTO transaction_processing").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO block_processing").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	stats, err := w.WriteBlockResults(100, 1700000000, []*domain.TransactionResult{
		resultWithTrade("0xtx1", "0xtrade1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.EventsInserted)
	assert.Equal(t, 1, stats.EventsSkipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBlockResults_RollsBackOnInsertFailure(t *testing.T) {
	w, mock := newWriter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT content_id FROM trades").
		WillReturnRows(sqlmock.NewRows([]string{"content_id"}))
	mock.ExpectExec("INSERT INTO trades").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := w.WriteBlockResults(100, 1700000000, []*domain.TransactionResult{
		resultWithTrade("0xtx1", "0xtrade1"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersist)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBlockResults_EmptyBlock(t *testing.T) {
	w, mock := newWriter(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO block_processing").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	stats, err := w.WriteBlockResults(101, 1700000060, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TxCount)
	assert.Equal(t, 0, stats.EventsInserted)
}

func TestMarkTransactionFailed(t *testing.T) {
	w, mock := newWriter(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transaction_processing").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result := resultWithTrade("0xtx1", "0xtrade1")
	require.NoError(t, w.MarkTransactionFailed(result, errors.New("bad log")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
