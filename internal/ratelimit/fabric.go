package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendfabric/internal/domain"
)

// Level is one bucket in the acquisition chain. Buckets are checked in
// order; a depleted level makes the whole acquisition wait, so the tightest
// limits should come last.
type Level struct {
	Name  string
	Key   string
	Rate  float64
	Burst int
}

// Request describes everything the fabric needs to build the chain for one
// send: the module being exercised, the provider behind it, and the tenant's
// configured ceiling.
type Request struct {
	Module      domain.ModuleKind
	Provider    string
	Managed     bool
	ConfigID    uuid.UUID
	ConfigRPS   float64
	ProviderRPS float64
	DailyLimit  int
	Tokens      int
}

// ErrWaitTimeout is returned when the chain could not be satisfied inside
// the caller's deadline; the job should be redelivered with backoff.
var ErrWaitTimeout = fmt.Errorf("rate limit wait timed out")

// ErrDailyLimit means the tenant spent its daily budget; redelivery will not
// help until the day rolls over.
var ErrDailyLimit = fmt.Errorf("daily send limit exhausted")

type Fabric struct {
	limiter *Limiter
	logger  *zap.Logger
}

func NewFabric(limiter *Limiter, logger *zap.Logger) *Fabric {
	return &Fabric{limiter: limiter, logger: logger}
}

// levels builds the acquisition chain: platform-wide, then the shared
// managed-provider pool (skipped for tenant-supplied credentials), then the
// tenant's own configured rate.
func (f *Fabric) levels(req Request, systemRPS, systemBurst int) []Level {
	chain := []Level{{
		Name:  "system",
		Key:   fmt.Sprintf("rate:system:%s", req.Module),
		Rate:  float64(systemRPS),
		Burst: systemBurst,
	}}

	if req.Managed && req.ProviderRPS > 0 {
		chain = append(chain, Level{
			Name:  "provider",
			Key:   fmt.Sprintf("rate:provider:%s", req.Provider),
			Rate:  req.ProviderRPS,
			Burst: burstFor(req.ProviderRPS),
		})
	}

	if req.ConfigRPS > 0 {
		chain = append(chain, Level{
			Name:  "config",
			Key:   fmt.Sprintf("rate:config:%s", req.ConfigID),
			Rate:  req.ConfigRPS,
			Burst: burstFor(req.ConfigRPS),
		})
	}
	return chain
}

// burstFor sizes a bucket's capacity at 5% of its rate, floored at one
// token. Bucket capacity is the worst-case overshoot in a one-second window
// (a fresh or fully idle bucket holds capacity tokens on top of the refill),
// so a small capacity keeps admissions within the rate regardless of bucket
// age.
func burstFor(rate float64) int {
	burst := int(rate / 20)
	if burst < 1 {
		burst = 1
	}
	return burst
}

// Acquire draws the requested tokens from every level of the chain,
// sleeping between attempts until ctx expires. The wait for a depleted
// bucket is proportional to the deficit, floored at 10ms and jittered so a
// fleet of workers does not thunder back in lockstep.
func (f *Fabric) Acquire(ctx context.Context, req Request, systemRPS, systemBurst int) error {
	if req.Tokens <= 0 {
		req.Tokens = 1
	}

	if req.DailyLimit > 0 && !f.limiter.CheckDaily(ctx, req.ConfigID.String(), req.DailyLimit) {
		return ErrDailyLimit
	}

	for _, level := range f.levels(req, systemRPS, systemBurst) {
		if err := f.acquireLevel(ctx, level, req.Tokens); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fabric) acquireLevel(ctx context.Context, level Level, tokens int) error {
	needed := tokens
	start := time.Now()

	for {
		granted, _, err := f.limiter.AcquireN(ctx, level.Key, level.Rate, level.Burst, needed)
		if err != nil {
			return err
		}
		needed -= granted
		if needed <= 0 {
			return nil
		}

		wait := time.Duration(float64(needed)/level.Rate*1000) * time.Millisecond
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		wait += time.Duration(rand.Intn(10)) * time.Millisecond

		f.limiter.metrics.RateLimitWaits.WithLabelValues(level.Name).Inc()

		select {
		case <-ctx.Done():
			f.logger.Debug("rate limit wait abandoned",
				zap.String("bucket", level.Key),
				zap.Int("still_needed", needed),
				zap.Duration("waited", time.Since(start)))
			return ErrWaitTimeout
		case <-time.After(wait):
		}
	}
}
