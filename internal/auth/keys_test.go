package auth

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	userID := uuid.New()

	plaintext, key, err := GenerateKey(userID, false, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, LivePrefix))
	assert.Equal(t, userID, key.UserID)
	assert.Equal(t, plaintext[:14], key.KeyPrefix)
	assert.Equal(t, HashKey(plaintext), key.KeyHash)
	assert.False(t, key.IsTestKey())
}

func TestGenerateTestKey(t *testing.T) {
	plaintext, key, err := GenerateKey(uuid.New(), true, nil)
	require.NoError(t, err)

	assert.True(t, IsTestKey(plaintext))
	assert.True(t, key.IsTestKey())
}

func TestGenerateKeyUnique(t *testing.T) {
	a, _, err := GenerateKey(uuid.New(), false, nil)
	require.NoError(t, err)
	b, _, err := GenerateKey(uuid.New(), false, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHashKeyDeterministic(t *testing.T) {
	assert.Equal(t, HashKey("bsk_live_abc"), HashKey("bsk_live_abc"))
	assert.NotEqual(t, HashKey("bsk_live_abc"), HashKey("bsk_live_abd"))
	// sha256 hex
	assert.Len(t, HashKey("anything"), 64)
}
