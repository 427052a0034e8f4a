// Package leader provides a cache-backed lease so singleton loops (batch
// discovery, the scheduler, stuck-batch recovery) run on exactly one
// instance at a time. Losing the lease is not an error; the loops are
// idempotent and simply resume on whichever instance wins next.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sendfabric/internal/db"
)

// Ownership checks compare the stored value against the holder's token, so
// only the instance that acquired the lease can release or extend it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

type Elector struct {
	redis  *db.RedisClient
	logger *zap.Logger

	key      string
	token    string
	ttl      time.Duration
	interval time.Duration

	release *redis.Script
	extend  *redis.Script

	mu     sync.RWMutex
	leader bool
}

func NewElector(rdb *db.RedisClient, logger *zap.Logger, key string, ttl, renewInterval time.Duration) *Elector {
	return &Elector{
		redis:    rdb,
		logger:   logger,
		key:      key,
		token:    uuid.NewString(),
		ttl:      ttl,
		interval: renewInterval,
		release:  redis.NewScript(releaseScript),
		extend:   redis.NewScript(extendScript),
	}
}

// IsLeader reports whether this instance currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

func (e *Elector) setLeader(v bool) (changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed = e.leader != v
	e.leader = v
	return changed
}

// Run campaigns for the lease until ctx is cancelled, then releases it if
// held. Renewal happens at a fraction of the TTL so a single missed renewal
// does not drop leadership.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.campaign(ctx)
	for {
		select {
		case <-ctx.Done():
			e.resign()
			return
		case <-ticker.C:
			e.campaign(ctx)
		}
	}
}

func (e *Elector) campaign(ctx context.Context) {
	if e.IsLeader() {
		ok, err := e.extend.Run(ctx, e.redis.Client, []string{e.key}, e.token, e.ttl.Milliseconds()).Int()
		if err != nil || ok == 0 {
			if e.setLeader(false) {
				e.logger.Warn("lost leadership lease",
					zap.String("lease", e.key),
					zap.Error(err))
			}
		}
		return
	}

	acquired, err := e.redis.SetNX(ctx, e.key, e.token, e.ttl).Result()
	if err != nil {
		e.logger.Warn("leader campaign failed", zap.String("lease", e.key), zap.Error(err))
		return
	}
	if acquired && e.setLeader(true) {
		e.logger.Info("acquired leadership lease", zap.String("lease", e.key))
	}
}

func (e *Elector) resign() {
	if !e.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := e.release.Run(ctx, e.redis.Client, []string{e.key}, e.token).Int(); err != nil {
		e.logger.Warn("failed to release leadership lease", zap.Error(err))
	}
	e.setLeader(false)
	e.logger.Info("released leadership lease", zap.String("lease", e.key))
}

// RunWhenLeader runs fn on every tick while this instance holds the lease.
func (e *Elector) RunWhenLeader(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.IsLeader() {
				fn(ctx)
			}
		}
	}
}
