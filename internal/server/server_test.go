package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmodel/indexer/internal/database"
	"github.com/chainmodel/indexer/internal/modules/events"
	"github.com/chainmodel/indexer/internal/queue"
	"github.com/chainmodel/indexer/internal/scheduler"
)

type stubJob struct {
	name string
	runs int
}

func (j *stubJob) Run() error   { j.runs++; return nil }
func (j *stubJob) Name() string { return j.name }

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock, sqlmock.Sqlmock, *stubJob) {
	t.Helper()

	sharedConn, sharedMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sharedConn.Close() })
	modelConn, modelMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { modelConn.Close() })

	log := zerolog.Nop()
	job := &stubJob{name: "pricing"}

	s := New(Config{
		Log:       log,
		SharedDB:  database.NewFromConn(sharedConn, database.RoleShared, "shared"),
		ModelDB:   database.NewFromConn(modelConn, database.RoleModel, "model"),
		Queue:     queue.New(modelConn, log),
		Blocks:    events.NewBlockProcessingRepository(modelConn, log),
		Txs:       events.NewTransactionProcessingRepository(modelConn, log),
		Scheduler: scheduler.New(log),
		Jobs:      []scheduler.Job{job},
		ModelName: "joe_model",
		Port:      0,
	})
	return s, sharedMock, modelMock, job
}

func TestHandleHealth_OK(t *testing.T) {
	s, sharedMock, modelMock, _ := newTestServer(t)

	sharedMock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	modelMock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "joe_model", resp.Model)
}

func TestHandleQueueStats(t *testing.T) {
	s, _, modelMock, _ := newTestServer(t)

	modelMock.ExpectQuery("SELECT status, COUNT\\(\\*\\) FROM processing_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 4).
			AddRow("failed", 1))

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 4, stats["pending"])
	assert.Equal(t, 1, stats["failed"])
}

func TestHandleTriggerJob(t *testing.T) {
	s, _, _, job := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/pricing", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, job.runs)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBlockProcessing(t *testing.T) {
	s, _, modelMock, _ := newTestServer(t)

	modelMock.ExpectQuery("SELECT status, COUNT\\(\\*\\) FROM block_processing").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("completed", 12))
	modelMock.ExpectQuery("SELECT (.+) FROM block_processing").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(4242)))

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/processing/blocks", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp BlockProcessingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 12, resp.Counts["completed"])
	assert.Equal(t, uint64(4242), resp.LatestCompleted)
}
