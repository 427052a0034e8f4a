// Package orchestrator turns queued batches into per-recipient jobs. The
// leader-only loops (discovery, scheduling, stuck-batch recovery) run on one
// instance via the lease; the processor runs on every replica and relies on
// conditional status transitions to stay single-claim.
package orchestrator

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"sendfabric/internal/broker"
	"sendfabric/internal/config"
	"sendfabric/internal/leader"
	"sendfabric/internal/store"
)

// Discoverer polls for queued batches and publishes one orchestration
// message each. The broker deduplicates on the batch id, so overlapping
// polls, the HTTP send handler's eager publish and recovery re-enqueues all
// collapse into a single delivery per dedup window.
type Discoverer struct {
	cfg     *config.Config
	logger  *zap.Logger
	batches *store.BatchStore
	broker  *broker.Broker
	elector *leader.Elector
}

func NewDiscoverer(cfg *config.Config, logger *zap.Logger, batches *store.BatchStore, b *broker.Broker, elector *leader.Elector) *Discoverer {
	return &Discoverer{cfg: cfg, logger: logger, batches: batches, broker: b, elector: elector}
}

func (d *Discoverer) Run(ctx context.Context) {
	d.elector.RunWhenLeader(ctx, d.cfg.DiscoverInterval, d.scan)
}

func (d *Discoverer) scan(ctx context.Context) {
	queued, err := d.batches.ListQueued(ctx, 100)
	if err != nil {
		d.logger.Error("discovery poll failed", zap.Error(err))
		return
	}

	for _, b := range queued {
		msg := broker.OrchestrationMsg{BatchID: b.ID, UserID: b.UserID}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := d.broker.Publish(ctx, broker.SubjectOrchestration, data, msg.DedupID()); err != nil {
			d.logger.Error("failed to publish orchestration",
				zap.String("batch_id", b.ID.String()),
				zap.Error(err))
			continue
		}
		d.logger.Debug("batch discovered", zap.String("batch_id", b.ID.String()))
	}
}
