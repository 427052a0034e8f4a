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

type UserStore struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewUserStore(db *db.PostgresDB, logger *zap.Logger) *UserStore {
	return &UserStore{db: db, logger: logger}
}

func (s *UserStore) Create(ctx context.Context, u *domain.User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, name) VALUES ($1, $2)`, u.ID, u.Name)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	s.logger.Info("user created", zap.String("user_id", u.ID.String()))
	return nil
}

func (s *UserStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}
