package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendfabric/internal/db"
)

// SendOutcome is what the worker commits after a module execute, dry-run or
// real.
type SendOutcome struct {
	BatchID           uuid.UUID
	RecipientID       uuid.UUID
	UserID            uuid.UUID
	Success           bool
	ProviderMessageID string
	ErrorMessage      string
	At                time.Time
}

// OutcomeWriter persists a send outcome atomically: the recipient row, the
// batch counter and the message index either all land or none do.
type OutcomeWriter struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewOutcomeWriter(db *db.PostgresDB, logger *zap.Logger) *OutcomeWriter {
	return &OutcomeWriter{db: db, logger: logger}
}

// Commit applies the outcome in one transaction. applied=false means the
// recipient was already in a terminal state (a redelivered job lost the
// race) and nothing was written; the caller still acks.
func (w *OutcomeWriter) Commit(ctx context.Context, o SendOutcome) (applied bool, clamped bool, err error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("failed to begin outcome tx: %w", err)
	}
	defer tx.Rollback()

	var res interface{ RowsAffected() (int64, error) }
	if o.Success {
		res, err = tx.ExecContext(ctx,
			`UPDATE recipients SET status = 'sent', provider_message_id = $2, sent_at = $3, updated_at = now()
			 WHERE id = $1 AND status IN ('pending', 'queued') AND provider_message_id IS NULL`,
			o.RecipientID, o.ProviderMessageID, o.At)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE recipients SET status = 'failed', error_message = $2, updated_at = now()
			 WHERE id = $1 AND status IN ('pending', 'queued')`,
			o.RecipientID, o.ErrorMessage)
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to update recipient outcome: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return false, false, nil
	}

	counter := "failed_count"
	if o.Success {
		counter = "sent_count"
	}
	query := fmt.Sprintf(`WITH prev AS (SELECT %[1]s AS before FROM batches WHERE id = $1)
		UPDATE batches b SET %[1]s = LEAST(b.%[1]s + 1, b.total_recipients), updated_at = now()
		FROM prev WHERE b.id = $1
		RETURNING b.%[1]s, prev.before`, counter)

	var after, before int
	if err := tx.QueryRowContext(ctx, query, o.BatchID).Scan(&after, &before); err != nil {
		return false, false, fmt.Errorf("failed to increment batch counter: %w", err)
	}
	clamped = after == before

	if o.Success && o.ProviderMessageID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO message_index (provider_message_id, recipient_id, batch_id, user_id)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (provider_message_id) DO NOTHING`,
			o.ProviderMessageID, o.RecipientID, o.BatchID, o.UserID)
		if err != nil {
			return false, false, fmt.Errorf("failed to index provider message id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("failed to commit outcome: %w", err)
	}

	if clamped {
		w.logger.Warn("batch counter clamped at total_recipients",
			zap.String("batch_id", o.BatchID.String()),
			zap.String("counter", counter))
	}
	return true, clamped, nil
}
