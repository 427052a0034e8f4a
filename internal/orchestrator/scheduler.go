package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sendfabric/internal/config"
	"sendfabric/internal/leader"
	"sendfabric/internal/store"
)

// Scheduler promotes due scheduled batches to queued. Promotion is the only
// thing it does; the discoverer picks the promoted rows up on its next poll.
type Scheduler struct {
	cfg     *config.Config
	logger  *zap.Logger
	batches *store.BatchStore
	elector *leader.Elector
}

func NewScheduler(cfg *config.Config, logger *zap.Logger, batches *store.BatchStore, elector *leader.Elector) *Scheduler {
	return &Scheduler{cfg: cfg, logger: logger, batches: batches, elector: elector}
}

func (s *Scheduler) Run(ctx context.Context) {
	s.elector.RunWhenLeader(ctx, s.cfg.SchedulerInterval, s.tick)
}

func (s *Scheduler) tick(ctx context.Context) {
	promoted, err := s.batches.PromoteScheduled(ctx, time.Now(), s.cfg.SchedulerBatchLimit)
	if err != nil {
		s.logger.Error("scheduler tick failed", zap.Error(err))
		return
	}
	for _, b := range promoted {
		s.logger.Info("scheduled batch promoted",
			zap.String("batch_id", b.ID.String()),
			zap.Timep("scheduled_at", b.ScheduledAt))
	}
}
