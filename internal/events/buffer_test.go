package events

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/domain"
	"sendfabric/internal/store"
)

func testLogger(t *testing.T, size int) (*Logger, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	es := store.NewEventStore(&db.PostgresDB{DB: mockDB}, zap.NewNop())
	// The flush interval is long on purpose: tests drive flushes through
	// Stop or the full-buffer notify, never the ticker.
	return NewLogger(es, zap.NewNop(), nil, size, time.Hour), mock
}

func record(eventType string) domain.EventRecord {
	return domain.EventRecord{
		EventType:   eventType,
		BatchID:     uuid.New(),
		RecipientID: uuid.New(),
		UserID:      uuid.New(),
	}
}

func TestStopFlushesBuffered(t *testing.T) {
	l, mock := testLogger(t, 100)
	l.Start()

	mock.ExpectExec("INSERT INTO event_records").
		WillReturnResult(sqlmock.NewResult(0, 2))

	l.Append(record("sent"))
	l.Append(record("failed"))
	l.Stop()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendStampsOccurredAt(t *testing.T) {
	l, mock := testLogger(t, 100)

	before := time.Now()
	l.Append(record("sent"))

	l.mu.Lock()
	got := l.buf[0].OccurredAt
	l.mu.Unlock()
	assert.False(t, got.Before(before))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFullBufferTriggersEarlyFlush(t *testing.T) {
	l, mock := testLogger(t, 2)
	l.Start()

	mock.ExpectExec("INSERT INTO event_records").
		WillReturnResult(sqlmock.NewResult(0, 2))

	l.Append(record("sent"))
	l.Append(record("sent"))

	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.buf) == 0
	}, time.Second, 5*time.Millisecond, "notify should flush before the ticker fires")

	l.Stop()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailedFlushRequeues(t *testing.T) {
	l, mock := testLogger(t, 100)

	mock.ExpectExec("INSERT INTO event_records").
		WillReturnError(assert.AnError)

	l.Append(record("sent"))
	l.flushOnce()

	l.mu.Lock()
	n := len(l.buf)
	l.mu.Unlock()
	assert.Equal(t, 1, n, "records survive a failed insert")
}
