package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"sendfabric/internal/db"
)

func testClient(t *testing.T, mr *miniredis.Miniredis) *db.RedisClient {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &db.RedisClient{Client: client}
}

func TestSingleLeader(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := NewElector(testClient(t, mr), zap.NewNop(), "leader:test", 15*time.Second, 5*time.Second)
	b := NewElector(testClient(t, mr), zap.NewNop(), "leader:test", 15*time.Second, 5*time.Second)

	a.campaign(ctx)
	b.campaign(ctx)

	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader(), "second campaigner must not steal a held lease")
}

func TestLeaseHandoverAfterResign(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := NewElector(testClient(t, mr), zap.NewNop(), "leader:test", 15*time.Second, 5*time.Second)
	b := NewElector(testClient(t, mr), zap.NewNop(), "leader:test", 15*time.Second, 5*time.Second)

	a.campaign(ctx)
	a.resign()
	b.campaign(ctx)

	assert.False(t, a.IsLeader())
	assert.True(t, b.IsLeader())
}

func TestLeaseExpiryHandsOver(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := NewElector(testClient(t, mr), zap.NewNop(), "leader:test", 2*time.Second, time.Second)
	b := NewElector(testClient(t, mr), zap.NewNop(), "leader:test", 2*time.Second, time.Second)

	a.campaign(ctx)
	assert.True(t, a.IsLeader())

	mr.FastForward(3 * time.Second)
	b.campaign(ctx)
	assert.True(t, b.IsLeader(), "an expired lease is up for grabs")

	// A's renewal must notice the ownership change and step down.
	a.campaign(ctx)
	assert.False(t, a.IsLeader())
}

func TestResignOnlyReleasesOwnLease(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := NewElector(testClient(t, mr), zap.NewNop(), "leader:test", 2*time.Second, time.Second)
	b := NewElector(testClient(t, mr), zap.NewNop(), "leader:test", 2*time.Second, time.Second)

	a.campaign(ctx)
	mr.FastForward(3 * time.Second)
	b.campaign(ctx)

	// A still believes it leads; resigning must not delete B's lease.
	a.resign()
	b.campaign(ctx)
	assert.True(t, b.IsLeader())
}
