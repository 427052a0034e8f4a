package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/domain"
)

type APIKeyStore struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewAPIKeyStore(db *db.PostgresDB, logger *zap.Logger) *APIKeyStore {
	return &APIKeyStore{db: db, logger: logger}
}

func (s *APIKeyStore) Create(ctx context.Context, key *domain.APIKey) error {
	query := `INSERT INTO api_keys (id, user_id, key_hash, key_prefix, expires_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, key.ID, key.UserID, key.KeyHash, key.KeyPrefix, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	s.logger.Info("api key created",
		zap.String("key_id", key.ID.String()),
		zap.String("prefix", key.KeyPrefix))
	return nil
}

// GetByHash looks an API key up by its SHA-256 hash. Expired keys are not
// returned.
func (s *APIKeyStore) GetByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	query := `SELECT id, user_id, key_hash, key_prefix, expires_at, created_at
		FROM api_keys WHERE key_hash = $1 AND (expires_at IS NULL OR expires_at > now())`

	var key domain.APIKey
	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&key.ID, &key.UserID, &key.KeyHash, &key.KeyPrefix, &key.ExpiresAt, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &key, nil
}

func (s *APIKeyStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	return nil
}
