package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"sendfabric/internal/broker"
	"sendfabric/internal/config"
	"sendfabric/internal/domain"
	"sendfabric/internal/events"
	"sendfabric/internal/hotstate"
	"sendfabric/internal/store"
)

// Processor claims orchestration messages and fans a batch out into
// per-recipient jobs, one page at a time. Pause and cancel are honoured at
// page boundaries; resume re-enters here and skips recipients the hot state
// already knows are terminal.
type Processor struct {
	cfg        *config.Config
	logger     *zap.Logger
	batches    *store.BatchStore
	recipients *store.RecipientStore
	configs    *store.SendConfigStore
	broker     *broker.Broker
	hot        *hotstate.Store
	events     *events.Logger

	cc jetstream.ConsumeContext
}

func NewProcessor(
	cfg *config.Config,
	logger *zap.Logger,
	batches *store.BatchStore,
	recipients *store.RecipientStore,
	configs *store.SendConfigStore,
	b *broker.Broker,
	hot *hotstate.Store,
	ev *events.Logger,
) *Processor {
	return &Processor{
		cfg:        cfg,
		logger:     logger,
		batches:    batches,
		recipients: recipients,
		configs:    configs,
		broker:     b,
		hot:        hot,
		events:     ev,
	}
}

func (p *Processor) Start(ctx context.Context) error {
	cons, err := p.broker.Consumer(ctx, broker.StreamOrchestration, jetstream.ConsumerConfig{
		Durable:       "orchestrator",
		FilterSubject: broker.SubjectOrchestration,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    p.cfg.MaxDeliver,
		// Paging a large batch can legitimately take a while; AckWait has
		// to outlive the whole fan-out, not a single page.
		AckWait:       30 * time.Minute,
		MaxAckPending: 8,
	})
	if err != nil {
		return err
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		p.handle(context.Background(), msg)
	})
	if err != nil {
		return err
	}
	p.cc = cc
	return nil
}

func (p *Processor) Stop() {
	if p.cc != nil {
		p.cc.Stop()
	}
}

func (p *Processor) handle(ctx context.Context, msg jetstream.Msg) {
	var om broker.OrchestrationMsg
	if err := json.Unmarshal(msg.Data(), &om); err != nil {
		p.logger.Error("malformed orchestration message, terminating", zap.Error(err))
		msg.Term()
		return
	}

	log := p.logger.With(zap.String("batch_id", om.BatchID.String()))

	batch, err := p.batches.GetByID(ctx, om.BatchID)
	if err == store.ErrNotFound {
		log.Warn("orchestration for unknown batch, dropping")
		msg.Ack()
		return
	}
	if err != nil {
		log.Error("failed to load batch", zap.Error(err))
		msg.Nak()
		return
	}

	switch batch.Status {
	case domain.BatchQueued:
		claimed, err := p.batches.Transition(ctx, batch.ID, domain.BatchQueued, domain.BatchProcessing)
		if err != nil {
			log.Error("failed to claim batch", zap.Error(err))
			msg.Nak()
			return
		}
		if !claimed {
			// Another replica won the conditional UPDATE.
			msg.Ack()
			return
		}
	case domain.BatchProcessing:
		// Recovery re-enqueue: resume fan-out where the hot state left off.
		log.Info("re-entering processing batch")
	default:
		log.Debug("batch not orchestratable, dropping",
			zap.String("status", string(batch.Status)))
		msg.Ack()
		return
	}

	cfg, err := p.configs.GetByID(ctx, batch.SendConfigID)
	if err != nil {
		log.Error("failed to resolve send config", zap.Error(err))
		msg.Nak()
		return
	}

	p.hot.SetTotal(ctx, batch.ID, batch.TotalRecipients)

	published, err := p.fanOut(ctx, batch, cfg.Snapshot(), log)
	if err != nil {
		log.Error("fan-out aborted", zap.Error(err))
		msg.Nak()
		return
	}

	p.events.Append(domain.EventRecord{
		EventType: "batch_enqueued",
		BatchID:   batch.ID,
		UserID:    batch.UserID,
	})
	log.Info("batch enqueued",
		zap.Int("published", published),
		zap.Int("total", batch.TotalRecipients))
	msg.Ack()
}

// fanOut pages through the batch's recipients and publishes one job each.
// Returns the number of jobs published; stopping early for a pause or
// cancel is success, since the orchestration ack preserves partial progress
// and resume re-publishes orchestration.
func (p *Processor) fanOut(ctx context.Context, batch *domain.Batch, snapshot domain.ConfigSnapshot, log *zap.Logger) (int, error) {
	var cursor uuid.UUID
	published := 0

	for {
		page, err := p.recipients.Page(ctx, batch.ID, cursor, p.cfg.RecipientPageSize)
		if err != nil {
			return published, err
		}
		if len(page) == 0 {
			return published, nil
		}
		cursor = page[len(page)-1].ID

		queued := make([]uuid.UUID, 0, len(page))
		for _, r := range page {
			if r.Status.IsTerminal() {
				continue
			}
			if p.hot.RecipientStatus(ctx, batch.ID, r.ID).IsTerminal() {
				continue
			}

			job := broker.SendJob{
				BatchID:      batch.ID,
				RecipientID:  r.ID,
				UserID:       batch.UserID,
				Identifier:   r.Identifier,
				Name:         r.Name,
				Variables:    r.Variables,
				BatchPayload: batch.Payload,
				SendConfig:   snapshot,
				DryRun:       batch.DryRun,
			}
			data, err := json.Marshal(job)
			if err != nil {
				return published, err
			}
			if err := p.broker.Publish(ctx, broker.JobSubject(batch.UserID), data, job.DedupID()); err != nil {
				return published, err
			}
			queued = append(queued, r.ID)
			published++
		}

		if err := p.recipients.MarkQueued(ctx, queued); err != nil {
			log.Warn("failed to mark recipients queued", zap.Error(err))
		}

		if len(page) < p.cfg.RecipientPageSize {
			return published, nil
		}

		// Page boundary: honour pause/cancel and keep the recovery scan
		// from declaring a long fan-out stuck.
		current, err := p.batches.GetByID(ctx, batch.ID)
		if err != nil {
			return published, err
		}
		if current.Status != domain.BatchProcessing {
			log.Info("fan-out stopped at page boundary",
				zap.String("status", string(current.Status)),
				zap.Int("published", published))
			return published, nil
		}
		if err := p.batches.Touch(ctx, batch.ID); err != nil {
			log.Warn("failed to touch batch", zap.Error(err))
		}
	}
}
