// Package auth implements the API-key scheme: opaque bearer tokens stored
// as SHA-256 hashes so lookups go straight to the hash index and the
// plaintext is never persisted. The key prefix is retained for display and
// to flag test keys.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sendfabric/internal/domain"
)

const (
	LivePrefix = "bsk_live_"
	TestPrefix = "bsk_test_"

	// prefixLen is how much of the plaintext is stored for display.
	prefixLen = 14
)

// GenerateKey mints a new API key. The plaintext is returned exactly once;
// only the hash and display prefix are stored.
func GenerateKey(userID uuid.UUID, test bool, expiresAt *time.Time) (plaintext string, key *domain.APIKey, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate api key: %w", err)
	}

	prefix := LivePrefix
	if test {
		prefix = TestPrefix
	}
	plaintext = prefix + hex.EncodeToString(raw)

	return plaintext, &domain.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		KeyHash:   HashKey(plaintext),
		KeyPrefix: plaintext[:prefixLen],
		ExpiresAt: expiresAt,
	}, nil
}

// HashKey is the storage and lookup form of a key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// IsTestKey reports whether a plaintext key carries the test prefix. Test
// keys force dry-run on every batch they create.
func IsTestKey(plaintext string) bool {
	return strings.HasPrefix(plaintext, TestPrefix)
}
