// Package worker consumes per-recipient send jobs from the tenant job
// subjects and drives them through the rate-limit fabric and the module
// registry. One durable pull consumer exists per active tenant; consumers
// for idle tenants expire on the broker side and their local loops are
// stopped by the management loop.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"sendfabric/internal/broker"
	"sendfabric/internal/config"
	"sendfabric/internal/events"
	"sendfabric/internal/hotstate"
	"sendfabric/internal/module"
	"sendfabric/internal/observability"
	"sendfabric/internal/ratelimit"
	"sendfabric/internal/store"
)

type Worker struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	broker   *broker.Broker
	batches  *store.BatchStore
	outcomes *store.OutcomeWriter
	hot      *hotstate.Store
	fabric   *ratelimit.Fabric
	registry *module.Registry
	events   *events.Logger

	mu      sync.Mutex
	tenants map[uuid.UUID]jetstream.ConsumeContext
	wg      sync.WaitGroup
}

func New(
	cfg *config.Config,
	logger *zap.Logger,
	metrics *observability.Metrics,
	b *broker.Broker,
	batches *store.BatchStore,
	outcomes *store.OutcomeWriter,
	hot *hotstate.Store,
	fabric *ratelimit.Fabric,
	registry *module.Registry,
	ev *events.Logger,
) *Worker {
	return &Worker{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		broker:   b,
		batches:  batches,
		outcomes: outcomes,
		hot:      hot,
		fabric:   fabric,
		registry: registry,
		events:   ev,
		tenants:  make(map[uuid.UUID]jetstream.ConsumeContext),
	}
}

// Run manages the per-tenant consumer set until ctx is cancelled, then
// drains in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.DiscoverInterval)
	defer ticker.Stop()

	w.reconcileTenants(ctx)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-ticker.C:
			w.reconcileTenants(ctx)
		}
	}
}

// reconcileTenants starts a consume loop for every tenant with work in
// flight and stops loops for tenants that have gone idle.
func (w *Worker) reconcileTenants(ctx context.Context) {
	active, err := w.batches.ActiveTenants(ctx)
	if err != nil {
		w.logger.Error("failed to list active tenants", zap.Error(err))
		return
	}

	want := make(map[uuid.UUID]bool, len(active))
	for _, id := range active {
		want[id] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for id, cc := range w.tenants {
		if !want[id] {
			cc.Stop()
			delete(w.tenants, id)
			w.logger.Info("stopped tenant consumer", zap.String("user_id", id.String()))
		}
	}

	for id := range want {
		if _, ok := w.tenants[id]; ok {
			continue
		}
		cc, err := w.startTenant(ctx, id)
		if err != nil {
			w.logger.Error("failed to start tenant consumer",
				zap.String("user_id", id.String()),
				zap.Error(err))
			continue
		}
		w.tenants[id] = cc
		w.logger.Info("started tenant consumer", zap.String("user_id", id.String()))
	}
}

func (w *Worker) startTenant(ctx context.Context, userID uuid.UUID) (jetstream.ConsumeContext, error) {
	cons, err := w.broker.Consumer(ctx, broker.StreamJobs, jetstream.ConsumerConfig{
		Durable:           tenantConsumerName(userID),
		FilterSubject:     broker.JobFilterSubject(userID),
		AckPolicy:         jetstream.AckExplicitPolicy,
		MaxAckPending:     w.cfg.MaxAckPending,
		MaxDeliver:        w.cfg.MaxDeliver,
		AckWait:           w.cfg.ExecuteTimeout + w.cfg.RateWaitTimeout + 30*time.Second,
		InactiveThreshold: time.Hour,
	})
	if err != nil {
		return nil, err
	}

	return cons.Consume(func(msg jetstream.Msg) {
		w.wg.Add(1)
		defer w.wg.Done()
		w.handle(context.Background(), msg)
	})
}

func tenantConsumerName(userID uuid.UUID) string {
	return fmt.Sprintf("worker-%s", userID)
}

func (w *Worker) drain() {
	w.mu.Lock()
	for id, cc := range w.tenants {
		cc.Stop()
		delete(w.tenants, id)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownDrain):
		w.logger.Warn("shutdown drain timed out with jobs in flight")
	}
}
