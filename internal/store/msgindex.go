package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/domain"
)

type MessageIndexStore struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewMessageIndexStore(db *db.PostgresDB, logger *zap.Logger) *MessageIndexStore {
	return &MessageIndexStore{db: db, logger: logger}
}

// Insert records a provider message id mapping. ON CONFLICT DO NOTHING
// retains the first write on a provider id collision.
func (s *MessageIndexStore) Insert(ctx context.Context, providerMessageID string, ref domain.MessageRef) error {
	query := `INSERT INTO message_index (provider_message_id, recipient_id, batch_id, user_id)
		VALUES ($1, $2, $3, $4) ON CONFLICT (provider_message_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, providerMessageID, ref.RecipientID, ref.BatchID, ref.UserID)
	if err != nil {
		return fmt.Errorf("failed to insert message index: %w", err)
	}
	return nil
}

func (s *MessageIndexStore) Lookup(ctx context.Context, providerMessageID string) (*domain.MessageRef, error) {
	var ref domain.MessageRef
	err := s.db.QueryRowContext(ctx,
		`SELECT recipient_id, batch_id, user_id FROM message_index WHERE provider_message_id = $1`,
		providerMessageID).Scan(&ref.RecipientID, &ref.BatchID, &ref.UserID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up message index: %w", err)
	}
	return &ref, nil
}
