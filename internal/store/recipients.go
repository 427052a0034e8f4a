package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/domain"
)

type RecipientStore struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewRecipientStore(db *db.PostgresDB, logger *zap.Logger) *RecipientStore {
	return &RecipientStore{db: db, logger: logger}
}

const recipientColumns = `id, batch_id, identifier, name, variables, status,
	provider_message_id, error_message, sent_at, delivered_at, bounced_at, created_at, updated_at`

func scanRecipient(row interface{ Scan(...any) error }) (*domain.Recipient, error) {
	var r domain.Recipient
	var variables []byte
	err := row.Scan(
		&r.ID, &r.BatchID, &r.Identifier, &r.Name, &variables, &r.Status,
		&r.ProviderMessageID, &r.ErrorMessage, &r.SentAt, &r.DeliveredAt, &r.BouncedAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan recipient: %w", err)
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &r.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode recipient variables: %w", err)
		}
	}
	return &r, nil
}

// execContexter is satisfied by both the pool and an open transaction, so
// recipient inserts can ride inside a batch-creation transaction.
type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertRecipients creates recipients in chunks of 500 rows per statement.
func insertRecipients(ctx context.Context, ex execContexter, recipients []*domain.Recipient) error {
	const chunkSize = 500
	for start := 0; start < len(recipients); start += chunkSize {
		end := start + chunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		if err := insertRecipientChunk(ctx, ex, recipients[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func insertRecipientChunk(ctx context.Context, ex execContexter, recipients []*domain.Recipient) error {
	query := `INSERT INTO recipients (id, batch_id, identifier, name, variables, status) VALUES `
	args := make([]any, 0, len(recipients)*6)
	for i, r := range recipients {
		if i > 0 {
			query += ", "
		}
		base := i * 6
		query += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)

		variables, err := json.Marshal(r.Variables)
		if err != nil {
			return fmt.Errorf("failed to encode recipient variables: %w", err)
		}
		args = append(args, r.ID, r.BatchID, r.Identifier, r.Name, variables, domain.RecipientPending)
	}

	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to bulk insert recipients: %w", err)
	}
	return nil
}

func (s *RecipientStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id = $1`
	return scanRecipient(s.db.QueryRowContext(ctx, query, id))
}

func (s *RecipientStore) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE provider_message_id = $1`
	return scanRecipient(s.db.QueryRowContext(ctx, query, providerMessageID))
}

// Page returns up to limit recipients of a batch ordered by id, strictly
// after the cursor. A zero-valued cursor starts from the beginning.
func (s *RecipientStore) Page(ctx context.Context, batchID uuid.UUID, after uuid.UUID, limit int) ([]*domain.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients
		WHERE batch_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, batchID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to page recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*domain.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// MarkQueued flips pending recipients to queued as their jobs are published.
func (s *RecipientStore) MarkQueued(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE recipients SET status = 'queued', updated_at = now()
		WHERE id = ANY($1) AND status = 'pending'`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to mark recipients queued: %w", err)
	}
	return nil
}

// eventUpdates maps a webhook verdict to its conditional bulk update. The
// WHERE clauses encode the status DAG: a late or out-of-order event that no
// longer matches is silently dropped, which keeps the verdict set commutative.
var eventUpdates = map[domain.WebhookEventType]string{
	domain.EventDelivered: `UPDATE recipients SET status = 'delivered', delivered_at = $2, updated_at = now()
		WHERE id = ANY($1) AND status = 'sent' RETURNING id`,
	domain.EventBounced: `UPDATE recipients SET status = 'bounced', bounced_at = $2, updated_at = now()
		WHERE id = ANY($1) AND status = 'sent' RETURNING id`,
	domain.EventComplained: `UPDATE recipients SET status = 'complained', updated_at = now()
		WHERE id = ANY($1) AND status IN ('sent', 'delivered') RETURNING id`,
	domain.EventFailed: `UPDATE recipients SET status = 'failed', updated_at = now()
		WHERE id = ANY($1) AND status = 'sent' RETURNING id`,
}

// BulkApplyEvent applies one webhook verdict to a set of recipients and
// returns the ids actually transitioned. Verdicts without a recipient-state
// effect (opened, clicked, soft_bounced) return the empty set.
func (s *RecipientStore) BulkApplyEvent(ctx context.Context, eventType domain.WebhookEventType, ids []uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, ok := eventUpdates[eventType]
	if !ok {
		return nil, nil
	}

	args := []any{pq.Array(ids)}
	if eventType == domain.EventDelivered || eventType == domain.EventBounced {
		args = append(args, at)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to bulk apply %s: %w", eventType, err)
	}
	defer rows.Close()

	var updated []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan updated recipient id: %w", err)
		}
		updated = append(updated, id)
	}
	return updated, rows.Err()
}

func (s *RecipientStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
