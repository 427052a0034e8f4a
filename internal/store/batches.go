package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/domain"
)

var ErrNotFound = fmt.Errorf("not found")

type BatchStore struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewBatchStore(db *db.PostgresDB, logger *zap.Logger) *BatchStore {
	return &BatchStore{db: db, logger: logger}
}

const batchColumns = `id, user_id, send_config_id, name, payload, total_recipients,
	sent_count, delivered_count, bounced_count, complained_count, failed_count,
	status, dry_run, recovery_count, scheduled_at, started_at, completed_at, created_at, updated_at`

func scanBatch(row interface{ Scan(...any) error }) (*domain.Batch, error) {
	var b domain.Batch
	err := row.Scan(
		&b.ID, &b.UserID, &b.SendConfigID, &b.Name, &b.Payload, &b.TotalRecipients,
		&b.SentCount, &b.DeliveredCount, &b.BouncedCount, &b.ComplainedCount, &b.FailedCount,
		&b.Status, &b.DryRun, &b.RecoveryCount, &b.ScheduledAt, &b.StartedAt, &b.CompletedAt,
		&b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}
	return &b, nil
}

// CreateWithRecipients inserts the batch row and all of its recipients in
// one transaction. A failed recipient insert rolls the batch back too, so a
// sendable batch with no recipient rows behind it cannot exist.
func (s *BatchStore) CreateWithRecipients(ctx context.Context, b *domain.Batch, recipients []*domain.Recipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch creation: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO batches (id, user_id, send_config_id, name, payload, total_recipients, status, dry_run, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.ExecContext(ctx, query,
		b.ID, b.UserID, b.SendConfigID, b.Name, b.Payload, b.TotalRecipients, b.Status, b.DryRun, b.ScheduledAt); err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}

	if err := insertRecipients(ctx, tx, recipients); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch creation: %w", err)
	}

	s.logger.Info("batch created",
		zap.String("batch_id", b.ID.String()),
		zap.String("user_id", b.UserID.String()),
		zap.Int("total_recipients", b.TotalRecipients))
	return nil
}

func (s *BatchStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	return scanBatch(s.db.QueryRowContext(ctx, query, id))
}

// Transition moves a batch from one status to another with a conditional
// UPDATE. Returns false without error when the batch was not in the expected
// status; callers treat that as "somebody else got there first".
func (s *BatchStore) Transition(ctx context.Context, id uuid.UUID, from, to domain.BatchStatus) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("illegal batch transition %s -> %s", from, to)
	}

	query := `UPDATE batches SET status = $3, updated_at = now(),
		started_at = CASE WHEN $3 = 'processing' AND started_at IS NULL THEN now() ELSE started_at END,
		completed_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled') THEN now() ELSE completed_at END
		WHERE id = $1 AND status = $2`

	res, err := s.db.ExecContext(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition batch: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// Schedule sets scheduledAt while moving draft -> scheduled.
func (s *BatchStore) Schedule(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `UPDATE batches SET status = 'scheduled', scheduled_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'draft'`
	res, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to schedule batch: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// ListQueued returns batches awaiting orchestration, oldest first.
func (s *BatchStore) ListQueued(ctx context.Context, limit int) ([]*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE status = 'queued' ORDER BY updated_at ASC LIMIT $1`
	return s.list(ctx, query, limit)
}

// PromoteScheduled atomically flips due scheduled batches to queued and
// returns them. SKIP LOCKED keeps duplicate leaders from double-promoting,
// though the broker dedup key would absorb that anyway.
func (s *BatchStore) PromoteScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Batch, error) {
	query := `UPDATE batches SET status = 'queued', updated_at = now()
		WHERE id IN (
			SELECT id FROM batches
			WHERE status = 'scheduled' AND scheduled_at <= $1
			ORDER BY scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + batchColumns

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to promote scheduled batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// ListStuck finds processing batches whose last update predates the
// threshold, for the recovery scan.
func (s *BatchStore) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// IncrementRecovery bumps the recovery counter and returns the new value.
func (s *BatchStore) IncrementRecovery(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE batches SET recovery_count = recovery_count + 1, updated_at = now() WHERE id = $1 RETURNING recovery_count`,
		id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment recovery count: %w", err)
	}
	return count, nil
}

// MarkFailed force-fails a batch that recovery has given up on.
func (s *BatchStore) MarkFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.Transition(ctx, id, domain.BatchProcessing, domain.BatchFailed)
}

// Complete finalises a processing batch. Idempotent: the conditional WHERE
// makes concurrent finalisers converge on a single transition.
func (s *BatchStore) Complete(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.Transition(ctx, id, domain.BatchProcessing, domain.BatchCompleted)
}

// ApplyCounterDeltas folds reconciled webhook verdicts into the batch
// counters. Every column is clamped with LEAST so a delta can never push a
// counter past total_recipients; a clamp is reported so callers can warn.
func (s *BatchStore) ApplyCounterDeltas(ctx context.Context, id uuid.UUID, d domain.Counters) (clamped bool, err error) {
	query := `WITH prev AS (
			SELECT delivered_count + bounced_count + complained_count + failed_count + sent_count AS before
			FROM batches WHERE id = $1
		)
		UPDATE batches b SET
			sent_count       = LEAST(b.sent_count + $2, b.total_recipients),
			failed_count     = LEAST(b.failed_count + $3, b.total_recipients),
			delivered_count  = LEAST(b.delivered_count + $4, b.total_recipients),
			bounced_count    = LEAST(b.bounced_count + $5, b.total_recipients),
			complained_count = LEAST(b.complained_count + $6, b.total_recipients),
			updated_at = now()
		FROM prev
		WHERE b.id = $1
		RETURNING b.sent_count + b.failed_count + b.delivered_count + b.bounced_count + b.complained_count, prev.before`

	var after, before int
	err = s.db.QueryRowContext(ctx, query, id, d.Sent, d.Failed, d.Delivered, d.Bounced, d.Complained).Scan(&after, &before)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to apply counter deltas: %w", err)
	}

	expected := before + d.Sent + d.Failed + d.Delivered + d.Bounced + d.Complained
	return after < expected, nil
}

// ActiveTenants returns the users that currently have work in flight, for
// the worker's consumer-management loop.
func (s *BatchStore) ActiveTenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM batches WHERE status IN ('queued', 'processing')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Touch refreshes updated_at so the recovery scan does not consider a batch
// stuck while the orchestrator pages through its recipients.
func (s *BatchStore) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET updated_at = now() WHERE id = $1`, id)
	return err
}

func (s *BatchStore) list(ctx context.Context, query string, args ...any) ([]*domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

func collectBatches(rows *sql.Rows) ([]*domain.Batch, error) {
	var batches []*domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}
