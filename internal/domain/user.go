package domain

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	KeyHash   string     `json:"-"`
	KeyPrefix string     `json:"key_prefix"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// IsTestKey reports whether the key was issued with the test prefix. Test
// keys force dry-run batches: the pipeline runs end to end but modules
// short-circuit before any provider HTTP call.
func (k *APIKey) IsTestKey() bool {
	return len(k.KeyPrefix) >= 9 && k.KeyPrefix[:9] == "bsk_test_"
}
