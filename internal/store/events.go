package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/domain"
)

type EventStore struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewEventStore(db *db.PostgresDB, logger *zap.Logger) *EventStore {
	return &EventStore{db: db, logger: logger}
}

// BulkInsert writes a buffer of event records in one multi-row statement.
func (s *EventStore) BulkInsert(ctx context.Context, records []domain.EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO event_records
		(event_type, batch_id, recipient_id, user_id, provider_message_id, error_message, metadata, occurred_at) VALUES `
	args := make([]any, 0, len(records)*8)
	for i, r := range records {
		if i > 0 {
			query += ", "
		}
		base := i * 8
		query += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)

		metadata := r.Metadata
		if len(metadata) == 0 {
			metadata = []byte(`{}`)
		}
		args = append(args,
			r.EventType, r.BatchID, r.RecipientID, r.UserID,
			nullString(r.ProviderMessageID), nullString(r.ErrorMessage), metadata, r.OccurredAt)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to bulk insert event records: %w", err)
	}
	return nil
}

// ReverseLookup resolves a provider message id from the analytics log. Last
// resort on the webhook enrich path when both the cache and the message
// index miss.
func (s *EventStore) ReverseLookup(ctx context.Context, providerMessageID string) (*domain.MessageRef, error) {
	var ref domain.MessageRef
	err := s.db.QueryRowContext(ctx,
		`SELECT recipient_id, batch_id, user_id FROM event_records
		 WHERE provider_message_id = $1 AND recipient_id IS NOT NULL
		 ORDER BY occurred_at DESC LIMIT 1`,
		providerMessageID).Scan(&ref.RecipientID, &ref.BatchID, &ref.UserID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reverse look up event records: %w", err)
	}
	return &ref, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
