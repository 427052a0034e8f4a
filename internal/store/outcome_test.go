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
)

func testOutcomeWriter(t *testing.T) (*OutcomeWriter, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewOutcomeWriter(&db.PostgresDB{DB: mockDB}, zap.NewNop()), mock
}

func successOutcome() SendOutcome {
	return SendOutcome{
		BatchID:           uuid.New(),
		RecipientID:       uuid.New(),
		UserID:            uuid.New(),
		Success:           true,
		ProviderMessageID: "msg-123",
		At:                time.Now(),
	}
}

func TestCommitSuccessOutcome(t *testing.T) {
	w, mock := testOutcomeWriter(t)
	o := successOutcome()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE recipients SET status = 'sent'").
		WithArgs(o.RecipientID, o.ProviderMessageID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE batches b SET sent_count").
		WithArgs(o.BatchID).
		WillReturnRows(sqlmock.NewRows([]string{"count", "before"}).AddRow(1, 0))
	mock.ExpectExec("INSERT INTO message_index").
		WithArgs(o.ProviderMessageID, o.RecipientID, o.BatchID, o.UserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, clamped, err := w.Commit(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, clamped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFailureOutcome(t *testing.T) {
	w, mock := testOutcomeWriter(t)
	o := SendOutcome{
		BatchID:      uuid.New(),
		RecipientID:  uuid.New(),
		UserID:       uuid.New(),
		Success:      false,
		ErrorMessage: "provider returned 400",
		At:           time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE recipients SET status = 'failed'").
		WithArgs(o.RecipientID, o.ErrorMessage).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE batches b SET failed_count").
		WithArgs(o.BatchID).
		WillReturnRows(sqlmock.NewRows([]string{"count", "before"}).AddRow(1, 0))
	mock.ExpectCommit()

	applied, clamped, err := w.Commit(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, clamped)
}

func TestCommitAlreadyTerminalIsNoop(t *testing.T) {
	w, mock := testOutcomeWriter(t)
	o := successOutcome()

	mock.ExpectBegin()
	// Conditional UPDATE matches nothing: the recipient is already terminal.
	mock.ExpectExec("UPDATE recipients SET status = 'sent'").
		WithArgs(o.RecipientID, o.ProviderMessageID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	applied, _, err := w.Commit(context.Background(), o)
	require.NoError(t, err, "a lost race is not an error, the job still acks")
	assert.False(t, applied)
}

func TestCommitReportsClamp(t *testing.T) {
	w, mock := testOutcomeWriter(t)
	o := successOutcome()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE recipients SET status = 'sent'").
		WithArgs(o.RecipientID, o.ProviderMessageID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Counter already saturated: after == before means LEAST clamped.
	mock.ExpectQuery("UPDATE batches b SET sent_count").
		WithArgs(o.BatchID).
		WillReturnRows(sqlmock.NewRows([]string{"count", "before"}).AddRow(10, 10))
	mock.ExpectExec("INSERT INTO message_index").
		WithArgs(o.ProviderMessageID, o.RecipientID, o.BatchID, o.UserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, clamped, err := w.Commit(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, clamped)
}
