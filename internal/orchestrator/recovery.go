package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"sendfabric/internal/broker"
	"sendfabric/internal/config"
	"sendfabric/internal/domain"
	"sendfabric/internal/events"
	"sendfabric/internal/leader"
	"sendfabric/internal/observability"
	"sendfabric/internal/store"
)

// Recovery re-enqueues orchestration for processing batches whose last
// update predates the threshold. A batch that keeps coming back is failed
// after the retry budget: something structural is wrong and redelivery will
// not fix it.
type Recovery struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics
	batches *store.BatchStore
	broker  *broker.Broker
	events  *events.Logger
	elector *leader.Elector
}

func NewRecovery(
	cfg *config.Config,
	logger *zap.Logger,
	metrics *observability.Metrics,
	batches *store.BatchStore,
	b *broker.Broker,
	ev *events.Logger,
	elector *leader.Elector,
) *Recovery {
	return &Recovery{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		batches: batches,
		broker:  b,
		events:  ev,
		elector: elector,
	}
}

func (r *Recovery) Run(ctx context.Context) {
	r.elector.RunWhenLeader(ctx, r.cfg.RecoveryInterval, r.scan)
}

func (r *Recovery) scan(ctx context.Context) {
	threshold := time.Now().Add(-r.cfg.RecoveryThreshold)
	stuck, err := r.batches.ListStuck(ctx, threshold, r.cfg.RecoveryMaxPerScan)
	if err != nil {
		r.logger.Error("recovery scan failed", zap.Error(err))
		return
	}

	for _, b := range stuck {
		log := r.logger.With(zap.String("batch_id", b.ID.String()))

		attempts, err := r.batches.IncrementRecovery(ctx, b.ID)
		if err != nil {
			log.Error("failed to record recovery attempt", zap.Error(err))
			continue
		}

		if attempts > r.cfg.RecoveryMaxRetries {
			failed, err := r.batches.MarkFailed(ctx, b.ID)
			if err != nil {
				log.Error("failed to fail unrecoverable batch", zap.Error(err))
				continue
			}
			if failed {
				r.events.Append(domain.EventRecord{
					EventType:    "batch_failed",
					BatchID:      b.ID,
					UserID:       b.UserID,
					ErrorMessage: "recovery retries exhausted",
				})
				log.Warn("batch failed after recovery retries",
					zap.Int("attempts", attempts))
			}
			continue
		}

		msg := broker.OrchestrationMsg{BatchID: b.ID, UserID: b.UserID}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		// IncrementRecovery refreshed updated_at, so the dedup key from the
		// original discovery has long expired and this publish goes through.
		if err := r.broker.Publish(ctx, broker.SubjectOrchestration, data, msg.DedupID()); err != nil {
			log.Error("failed to re-enqueue stuck batch", zap.Error(err))
			continue
		}

		r.metrics.BatchesRecoveredTotal.Inc()
		log.Warn("stuck batch re-enqueued", zap.Int("attempts", attempts))
	}
}
