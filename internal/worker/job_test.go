package worker

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/domain"
	"sendfabric/internal/hotstate"
	"sendfabric/internal/store"
)

func testGateWorker(t *testing.T) (*Worker, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return &Worker{
		logger:  zap.NewNop(),
		batches: store.NewBatchStore(&db.PostgresDB{DB: mockDB}, zap.NewNop()),
		hot:     hotstate.New(&db.RedisClient{Client: client}, zap.NewNop()),
	}, mock
}

func batchRow(id uuid.UUID, status domain.BatchStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "send_config_id", "name", "payload", "total_recipients",
		"sent_count", "delivered_count", "bounced_count", "complained_count", "failed_count",
		"status", "dry_run", "recovery_count", "scheduled_at", "started_at", "completed_at",
		"created_at", "updated_at",
	}).AddRow(
		id, uuid.New(), uuid.New(), "campaign", []byte(`{}`), 10,
		0, 0, 0, 0, 0,
		status, false, 0, nil, nil, nil,
		now, now,
	)
}

func TestBatchHaltedStopsQueuedTailOnPause(t *testing.T) {
	w, mock := testGateWorker(t)
	ctx := context.Background()
	batchID := uuid.New()

	// Cache miss falls back to the relational row and caches it.
	mock.ExpectQuery("SELECT (.+) FROM batches WHERE id").
		WithArgs(batchID).
		WillReturnRows(batchRow(batchID, domain.BatchPaused))

	status, halted := w.batchHalted(ctx, batchID)
	assert.True(t, halted, "a paused batch must hold its already-enqueued jobs")
	assert.Equal(t, domain.BatchPaused, status)

	// Second check answers from the cache: no further relational read.
	_, halted = w.batchHalted(ctx, batchID)
	assert.True(t, halted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchHaltedDropsCancelled(t *testing.T) {
	w, mock := testGateWorker(t)
	batchID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM batches WHERE id").
		WithArgs(batchID).
		WillReturnRows(batchRow(batchID, domain.BatchCancelled))

	status, halted := w.batchHalted(context.Background(), batchID)
	assert.True(t, halted)
	assert.Equal(t, domain.BatchCancelled, status)
}

func TestBatchHaltedPassesProcessing(t *testing.T) {
	w, mock := testGateWorker(t)
	batchID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM batches WHERE id").
		WithArgs(batchID).
		WillReturnRows(batchRow(batchID, domain.BatchProcessing))

	_, halted := w.batchHalted(context.Background(), batchID)
	assert.False(t, halted, "a processing batch keeps sending")
}

func TestBatchHaltedFailsOpenOnReadError(t *testing.T) {
	w, mock := testGateWorker(t)
	batchID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM batches WHERE id").
		WithArgs(batchID).
		WillReturnError(assert.AnError)

	_, halted := w.batchHalted(context.Background(), batchID)
	assert.False(t, halted, "a flaky read must not stall the pipeline")
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 6, want: 30 * time.Second},
		{attempt: 50, want: 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "success", outcomeLabel(true))
	assert.Equal(t, "failure", outcomeLabel(false))
}
