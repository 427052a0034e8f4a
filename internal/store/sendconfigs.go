package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/domain"
)

type SendConfigStore struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewSendConfigStore(db *db.PostgresDB, logger *zap.Logger) *SendConfigStore {
	return &SendConfigStore{db: db, logger: logger}
}

const sendConfigColumns = `id, user_id, name, module, config, rate_limit, is_default, is_active, created_at, updated_at`

func scanSendConfig(row interface{ Scan(...any) error }) (*domain.SendConfig, error) {
	var c domain.SendConfig
	var rateLimit []byte
	err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.Module, &c.Config, &rateLimit,
		&c.IsDefault, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan send config: %w", err)
	}
	if len(rateLimit) > 0 {
		if err := json.Unmarshal(rateLimit, &c.RateLimit); err != nil {
			return nil, fmt.Errorf("failed to decode rate limit: %w", err)
		}
	}
	return &c, nil
}

// Create inserts a send-config. When IsDefault is set, the previous default
// for the same (user, module) is demoted in the same transaction so the
// partial unique index never trips.
func (s *SendConfigStore) Create(ctx context.Context, c *domain.SendConfig) error {
	rateLimit, err := json.Marshal(c.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to encode rate limit: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if c.IsDefault {
		_, err = tx.ExecContext(ctx,
			`UPDATE send_configs SET is_default = FALSE, updated_at = now()
			 WHERE user_id = $1 AND module = $2 AND is_default`,
			c.UserID, c.Module)
		if err != nil {
			return fmt.Errorf("failed to demote previous default: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO send_configs (id, user_id, name, module, config, rate_limit, is_default, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.UserID, c.Name, c.Module, c.Config, rateLimit, c.IsDefault, c.IsActive)
	if err != nil {
		return fmt.Errorf("failed to create send config: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit send config: %w", err)
	}

	s.logger.Info("send config created",
		zap.String("config_id", c.ID.String()),
		zap.String("module", string(c.Module)))
	return nil
}

func (s *SendConfigStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.SendConfig, error) {
	query := `SELECT ` + sendConfigColumns + ` FROM send_configs WHERE id = $1`
	return scanSendConfig(s.db.QueryRowContext(ctx, query, id))
}

func (s *SendConfigStore) GetDefault(ctx context.Context, userID uuid.UUID, module domain.ModuleKind) (*domain.SendConfig, error) {
	query := `SELECT ` + sendConfigColumns + ` FROM send_configs
		WHERE user_id = $1 AND module = $2 AND is_default AND is_active`
	return scanSendConfig(s.db.QueryRowContext(ctx, query, userID, module))
}

func (s *SendConfigStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.SendConfig, error) {
	query := `SELECT ` + sendConfigColumns + ` FROM send_configs WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list send configs: %w", err)
	}
	defer rows.Close()

	var configs []*domain.SendConfig
	for rows.Next() {
		c, err := scanSendConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}
