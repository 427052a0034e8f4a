package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/domain"
)

func testBatchStore(t *testing.T) (*BatchStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewBatchStore(&db.PostgresDB{DB: mockDB}, zap.NewNop()), mock
}

func TestCreateWithRecipientsCommitsTogether(t *testing.T) {
	s, mock := testBatchStore(t)
	batch := &domain.Batch{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		SendConfigID:    uuid.New(),
		Name:            "campaign",
		Payload:         []byte(`{}`),
		TotalRecipients: 2,
		Status:          domain.BatchDraft,
	}
	recipients := []*domain.Recipient{
		{ID: uuid.New(), BatchID: batch.ID, Identifier: "a@example.com"},
		{ID: uuid.New(), BatchID: batch.ID, Identifier: "b@example.com"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batches").
		WithArgs(batch.ID, batch.UserID, batch.SendConfigID, batch.Name, []byte(`{}`), 2,
			domain.BatchDraft, false, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO recipients").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, s.CreateWithRecipients(context.Background(), batch, recipients))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithRecipientsRollsBackOnRecipientFailure(t *testing.T) {
	s, mock := testBatchStore(t)
	batch := &domain.Batch{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		SendConfigID:    uuid.New(),
		Name:            "campaign",
		Payload:         []byte(`{}`),
		TotalRecipients: 1,
		Status:          domain.BatchDraft,
	}
	recipients := []*domain.Recipient{
		{ID: uuid.New(), BatchID: batch.ID, Identifier: "a@example.com"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batches").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO recipients").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.CreateWithRecipients(context.Background(), batch, recipients)
	require.Error(t, err, "a failed recipient insert must not leave the batch row behind")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionConditionalUpdate(t *testing.T) {
	s, mock := testBatchStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE batches SET status").
		WithArgs(id, domain.BatchQueued, domain.BatchProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	moved, err := s.Transition(context.Background(), id, domain.BatchQueued, domain.BatchProcessing)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionLostRace(t *testing.T) {
	s, mock := testBatchStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE batches SET status").
		WithArgs(id, domain.BatchQueued, domain.BatchProcessing).
		WillReturnResult(sqlmock.NewResult(0, 0))

	moved, err := s.Transition(context.Background(), id, domain.BatchQueued, domain.BatchProcessing)
	require.NoError(t, err, "losing the conditional update is not an error")
	assert.False(t, moved)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	s, _ := testBatchStore(t)

	_, err := s.Transition(context.Background(), uuid.New(), domain.BatchCompleted, domain.BatchQueued)
	assert.Error(t, err, "terminal statuses admit no transitions")
}

func TestApplyCounterDeltas(t *testing.T) {
	s, mock := testBatchStore(t)
	id := uuid.New()

	// before=3, delta=2 → expected sum 5, returned sum 5: no clamp.
	mock.ExpectQuery("UPDATE batches b SET").
		WithArgs(id, 0, 0, 2, 0, 0).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "before"}).AddRow(5, 3))

	clamped, err := s.ApplyCounterDeltas(context.Background(), id, domain.Counters{Delivered: 2})
	require.NoError(t, err)
	assert.False(t, clamped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCounterDeltasDetectsClamp(t *testing.T) {
	s, mock := testBatchStore(t)
	id := uuid.New()

	// before=9, delta=3 → expected 12 but LEAST held the sum at 10.
	mock.ExpectQuery("UPDATE batches b SET").
		WithArgs(id, 0, 0, 3, 0, 0).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "before"}).AddRow(10, 9))

	clamped, err := s.ApplyCounterDeltas(context.Background(), id, domain.Counters{Delivered: 3})
	require.NoError(t, err)
	assert.True(t, clamped, "a delta absorbed by LEAST must be reported")
}

func TestPromoteScheduled(t *testing.T) {
	s, mock := testBatchStore(t)
	now := time.Now()
	id := uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "send_config_id", "name", "payload", "total_recipients",
		"sent_count", "delivered_count", "bounced_count", "complained_count", "failed_count",
		"status", "dry_run", "recovery_count", "scheduled_at", "started_at", "completed_at",
		"created_at", "updated_at",
	}).AddRow(
		id, uuid.New(), uuid.New(), "campaign", []byte(`{}`), 10,
		0, 0, 0, 0, 0,
		domain.BatchQueued, false, 0, now.Add(-time.Minute), nil, nil,
		now.Add(-time.Hour), now,
	)

	mock.ExpectQuery("UPDATE batches SET status = 'queued'").
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnRows(rows)

	promoted, err := s.PromoteScheduled(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, id, promoted[0].ID)
	assert.Equal(t, domain.BatchQueued, promoted[0].Status)
}
