package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sendfabric/internal/domain"
)

func TestLevelsComposition(t *testing.T) {
	f := &Fabric{logger: zap.NewNop()}
	configID := uuid.New()

	managed := f.levels(Request{
		Module:      domain.ModuleEmail,
		Provider:    "ses",
		Managed:     true,
		ConfigID:    configID,
		ConfigRPS:   5,
		ProviderRPS: 14,
	}, 500, 1000)

	require.Len(t, managed, 3, "managed configs pass system, provider and config buckets")
	assert.Equal(t, "rate:system:email", managed[0].Key)
	assert.Equal(t, "rate:provider:ses", managed[1].Key)
	assert.Equal(t, "rate:config:"+configID.String(), managed[2].Key)

	byok := f.levels(Request{
		Module:    domain.ModuleEmail,
		Provider:  "ses",
		Managed:   false,
		ConfigID:  configID,
		ConfigRPS: 5,
	}, 500, 1000)

	require.Len(t, byok, 2, "byok configs skip the shared provider bucket")
	assert.Equal(t, "rate:system:email", byok[0].Key)
	assert.Equal(t, "rate:config:"+configID.String(), byok[1].Key)
}

func TestBurstSizing(t *testing.T) {
	tests := []struct {
		rate  float64
		burst int
	}{
		{1, 1},
		{10, 1},
		{14, 1},
		{100, 5},
		{500, 25},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.burst, burstFor(tt.rate), "rate %v", tt.rate)
	}

	f := &Fabric{logger: zap.NewNop()}
	chain := f.levels(Request{
		Module:      domain.ModuleEmail,
		Provider:    "ses",
		Managed:     true,
		ConfigID:    uuid.New(),
		ConfigRPS:   10,
		ProviderRPS: 100,
	}, 500, 1000)
	require.Len(t, chain, 3)
	assert.Equal(t, 5, chain[1].Burst, "provider bucket capacity stays within 5% of the rate")
	assert.Equal(t, 1, chain[2].Burst, "config bucket capacity stays within 5% of the rate")
}

func TestFreshBucketHonoursRate(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	// A brand-new bucket must not hand out a burst worth multiples of the
	// configured rate in its first window.
	granted := 0
	for i := 0; i < 30; i++ {
		g, _, err := limiter.AcquireN(ctx, "rate:provider:fresh", 10, burstFor(10), 1)
		require.NoError(t, err)
		granted += g
	}
	assert.LessOrEqual(t, granted, 2, "fresh bucket admitted %d sends at rps=10", granted)
}

func TestAcquireSatisfiedImmediately(t *testing.T) {
	limiter, _ := testLimiter(t)
	f := NewFabric(limiter, zap.NewNop())

	err := f.Acquire(context.Background(), Request{
		Module:    domain.ModuleEmail,
		Provider:  "mock",
		ConfigID:  uuid.New(),
		ConfigRPS: 100,
		Tokens:    1,
	}, 500, 1000)
	require.NoError(t, err)
}

func TestAcquireTimesOutOnDepletedBucket(t *testing.T) {
	limiter, _ := testLimiter(t)
	f := NewFabric(limiter, zap.NewNop())

	configID := uuid.New()
	req := Request{
		Module:    domain.ModuleEmail,
		Provider:  "mock",
		ConfigID:  configID,
		ConfigRPS: 1,
		Tokens:    1,
	}

	// Drain the config bucket (rate 1, burst 1).
	require.NoError(t, f.Acquire(context.Background(), req, 500, 1000))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.Acquire(ctx, req, 500, 1000)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestAcquireDailyLimit(t *testing.T) {
	limiter, _ := testLimiter(t)
	f := NewFabric(limiter, zap.NewNop())

	req := Request{
		Module:     domain.ModuleEmail,
		Provider:   "mock",
		ConfigID:   uuid.New(),
		ConfigRPS:  100,
		DailyLimit: 1,
		Tokens:     1,
	}

	require.NoError(t, f.Acquire(context.Background(), req, 500, 1000))
	err := f.Acquire(context.Background(), req, 500, 1000)
	assert.ErrorIs(t, err, ErrDailyLimit)
}
