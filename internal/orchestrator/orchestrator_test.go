package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chainmodel/indexer/internal/blocksource"
	"github.com/chainmodel/indexer/internal/domain"
	"github.com/chainmodel/indexer/internal/modules/decoder"
	"github.com/chainmodel/indexer/internal/modules/events"
	"github.com/chainmodel/indexer/internal/modules/infra"
	"github.com/chainmodel/indexer/internal/modules/registry"
	"github.com/chainmodel/indexer/internal/modules/transform"
	"github.com/chainmodel/indexer/internal/queue"
	"github.com/chainmodel/indexer/internal/writer"
)

type fakeRPC struct {
	block *domain.BlockRecord
}

func (f *fakeRPC) BlockWithReceipts(_ context.Context, _ uint64) (*domain.BlockRecord, error) {
	return f.block, nil
}

func testBlock(number uint64) *domain.BlockRecord {
	return &domain.BlockRecord{
		Header: domain.BlockHeader{Number: number, Timestamp: 1700000000},
		Transactions: []domain.Transaction{
			{Hash: "0xt1", Index: 0, From: "0xalice"},
		},
		Receipts: []domain.Receipt{
			{TxHash: "0xt1", Status: true},
		},
	}
}

func newTestOrchestrator(t *testing.T, block *domain.BlockRecord) (*Orchestrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()

	loader := registry.NewABILoader(t.TempDir(), log)
	reg, err := registry.NewContractRegistry(loader, map[domain.Address]*infra.Contract{}, log)
	require.NoError(t, err)

	pipeline, err := transform.NewPipeline(reg, transform.NewDefaultRegistry(), log)
	require.NoError(t, err)

	blocks := events.NewBlockProcessingRepository(db, log)
	w := writer.New(db,
		events.NewEventRepository(db, log),
		events.NewTransactionProcessingRepository(db, log),
		blocks, log)

	o := New(Config{Workers: 1},
		queue.New(db, log),
		blocksource.New(nil, nil, &fakeRPC{block: block}, log),
		decoder.NewBlockDecoder(decoder.NewLogDecoder(reg, log), log),
		pipeline, w, blocks, nil, log)
	return o, mock
}

func TestProcessBlock_PersistsEmptyBlock(t *testing.T) {
	o, mock := newTestOrchestrator(t, testBlock(42))

	mock.ExpectQuery("SELECT status FROM block_processing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transaction_processing").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO block_processing").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, o.ProcessBlock(context.Background(), 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBlock_SkipsCompletedBlock(t *testing.T) {
	o, mock := newTestOrchestrator(t, testBlock(42))

	mock.ExpectQuery("SELECT status FROM block_processing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(events.ProcessingCompleted))

	require.NoError(t, o.ProcessBlock(context.Background(), 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// blockingRPC parks every fetch until its context is cancelled.
type blockingRPC struct{}

func (b *blockingRPC) BlockWithReceipts(ctx context.Context, _ uint64) (*domain.BlockRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunJob_LostLeaseCancelsWork(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	loader := registry.NewABILoader(t.TempDir(), log)
	reg, err := registry.NewContractRegistry(loader, map[domain.Address]*infra.Contract{}, log)
	require.NoError(t, err)
	pipeline, err := transform.NewPipeline(reg, transform.NewDefaultRegistry(), log)
	require.NoError(t, err)

	blocks := events.NewBlockProcessingRepository(db, log)
	w := writer.New(db,
		events.NewEventRepository(db, log),
		events.NewTransactionProcessingRepository(db, log),
		blocks, log)

	// Short lease: the keeper tries to extend while the fetch is stuck, the
	// extension touches no rows, and the work must be cancelled and discarded.
	o := New(Config{Workers: 1, LeaseFor: 40 * time.Millisecond},
		queue.New(db, log),
		blocksource.New(nil, nil, &blockingRPC{}, log),
		decoder.NewBlockDecoder(decoder.NewLogDecoder(reg, log), log),
		pipeline, w, blocks, nil, log)

	mock.ExpectQuery("SELECT status FROM block_processing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectExec("UPDATE processing_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	data, _ := msgpack.Marshal(&queue.BlockJobData{BlockNumber: 42})
	job := &queue.Job{ID: 5, Type: queue.JobTypeBlock, Data: data}

	err = o.runJob(context.Background(), job, "worker-1")
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextBackoff_DoublesAndCaps(t *testing.T) {
	d := backoffMin
	d = nextBackoff(d)
	assert.Equal(t, 500*time.Millisecond, d)
	d = nextBackoff(d)
	assert.Equal(t, time.Second, d)
	d = nextBackoff(d)
	assert.Equal(t, backoffMax, d)
	d = nextBackoff(d)
	assert.Equal(t, backoffMax, d)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 5*time.Minute, cfg.LeaseFor)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestSleepCtx_CancelledReturnsFalse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Second))
}
