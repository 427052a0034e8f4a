package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"sendfabric/internal/broker"
	"sendfabric/internal/config"
	"sendfabric/internal/domain"
	"sendfabric/internal/events"
	"sendfabric/internal/hotstate"
	"sendfabric/internal/observability"
	"sendfabric/internal/store"
)

// Reconciler consumes enqueued webhook events in micro-batches and folds
// them into authoritative state: deduplicate, resolve the recipient behind
// the provider message id, bulk-apply the verdicts, bump batch counters and
// emit analytics records. Every recipient update is a conditional UPDATE, so
// redelivered or reordered events converge.
type Reconciler struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *observability.Metrics
	broker     *broker.Broker
	recipients *store.RecipientStore
	batches    *store.BatchStore
	msgIndex   *store.MessageIndexStore
	eventStore *store.EventStore
	hot        *hotstate.Store
	events     *events.Logger

	local *localDedup
}

func NewReconciler(
	cfg *config.Config,
	logger *zap.Logger,
	metrics *observability.Metrics,
	b *broker.Broker,
	recipients *store.RecipientStore,
	batches *store.BatchStore,
	msgIndex *store.MessageIndexStore,
	eventStore *store.EventStore,
	hot *hotstate.Store,
	ev *events.Logger,
) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		broker:     b,
		recipients: recipients,
		batches:    batches,
		msgIndex:   msgIndex,
		eventStore: eventStore,
		hot:        hot,
		events:     ev,
		local:      newLocalDedup(60 * time.Second),
	}
}

// Run pulls micro-batches until ctx is cancelled, then finishes the batch
// in flight.
func (r *Reconciler) Run(ctx context.Context) error {
	cons, err := r.broker.Consumer(ctx, broker.StreamWebhooks, jetstream.ConsumerConfig{
		Durable:       "reconciler",
		FilterSubject: "webhook.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    r.cfg.MaxDeliver,
		AckWait:       2 * time.Minute,
		MaxAckPending: r.cfg.ReconcileBatchSize * 2,
	})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := cons.Fetch(r.cfg.ReconcileBatchSize,
			jetstream.FetchMaxWait(r.cfg.ReconcileLinger))
		if err != nil {
			r.logger.Warn("webhook fetch failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		var msgs []jetstream.Msg
		for msg := range batch.Messages() {
			msgs = append(msgs, msg)
		}
		if err := batch.Error(); err != nil {
			r.logger.Warn("webhook fetch ended early", zap.Error(err))
		}
		if len(msgs) == 0 {
			continue
		}

		r.processBatch(context.Background(), msgs)
	}
}

// pendingEvent is an enqueued event that survived dedup and enrichment and
// is ready for the bulk update.
type pendingEvent struct {
	msg   jetstream.Msg
	event domain.WebhookEvent
	ref   domain.MessageRef
}

func (r *Reconciler) processBatch(ctx context.Context, msgs []jetstream.Msg) {
	byType := make(map[domain.WebhookEventType][]pendingEvent)

	for _, msg := range msgs {
		var ev domain.WebhookEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			r.logger.Error("malformed webhook event, terminating", zap.Error(err))
			msg.Term()
			continue
		}

		if !r.local.firstSeen(ev.DedupKey()) {
			r.metrics.WebhooksDroppedTotal.WithLabelValues(ev.Provider).Inc()
			msg.Ack()
			continue
		}
		first, err := r.hot.MarkWebhookSeen(ctx, ev.Provider, ev.ProviderMessageID, ev.EventType)
		if err != nil {
			// Cache down: process anyway, the conditional UPDATEs absorb a
			// duplicate application.
			r.logger.Warn("webhook dedup check failed, processing anyway", zap.Error(err))
		} else if !first {
			r.metrics.WebhooksDroppedTotal.WithLabelValues(ev.Provider).Inc()
			msg.Ack()
			continue
		}

		ref, ok := r.enrich(ctx, ev.ProviderMessageID)
		if !ok {
			r.metrics.WebhooksUnmatchedTotal.Inc()
			r.logger.Debug("webhook event unmatched, skipping",
				zap.String("provider", ev.Provider),
				zap.String("provider_message_id", ev.ProviderMessageID))
			msg.Ack()
			continue
		}

		byType[ev.EventType] = append(byType[ev.EventType], pendingEvent{msg: msg, event: ev, ref: ref})
	}

	for eventType, pending := range byType {
		r.applyGroup(ctx, eventType, pending)
	}
}

// enrich resolves the recipient behind a provider message id: hot-state
// cache, then the message index, then the recipient row itself, then the
// analytics log as a last resort. Positive answers are cached.
func (r *Reconciler) enrich(ctx context.Context, providerMessageID string) (domain.MessageRef, bool) {
	if ref, ok := r.hot.MessageRef(ctx, providerMessageID); ok {
		return *ref, true
	}

	ref, err := r.msgIndex.Lookup(ctx, providerMessageID)
	if err == nil {
		r.hot.SetMessageRef(ctx, providerMessageID, *ref)
		return *ref, true
	}

	if recipient, err := r.recipients.GetByProviderMessageID(ctx, providerMessageID); err == nil {
		batch, err := r.batches.GetByID(ctx, recipient.BatchID)
		if err == nil {
			resolved := domain.MessageRef{
				RecipientID: recipient.ID,
				BatchID:     recipient.BatchID,
				UserID:      batch.UserID,
			}
			r.hot.SetMessageRef(ctx, providerMessageID, resolved)
			return resolved, true
		}
	}

	if ref, err := r.eventStore.ReverseLookup(ctx, providerMessageID); err == nil {
		r.hot.SetMessageRef(ctx, providerMessageID, *ref)
		return *ref, true
	}

	return domain.MessageRef{}, false
}

// applyGroup bulk-updates one verdict across its recipients, folds the
// per-batch counter deltas in and emits the analytics records. Events whose
// conditional UPDATE matched nothing (late delivered after complained, a
// second bounce) still ack and still log: the callback happened even if the
// recipient state no longer moves.
func (r *Reconciler) applyGroup(ctx context.Context, eventType domain.WebhookEventType, pending []pendingEvent) {
	ids := make([]uuid.UUID, len(pending))
	for i, p := range pending {
		ids[i] = p.ref.RecipientID
	}

	updated, err := r.recipients.BulkApplyEvent(ctx, eventType, ids, time.Now())
	if err != nil {
		r.logger.Error("bulk verdict update failed",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		// Release the dedup claims before NAKing, or the redelivery would be
		// dropped as a duplicate and the verdicts lost for good.
		for _, p := range pending {
			r.local.forget(p.event.DedupKey())
			r.hot.ClearWebhookSeen(ctx, p.event.Provider, p.event.ProviderMessageID, p.event.EventType)
			p.msg.Nak()
		}
		return
	}

	updatedSet := make(map[uuid.UUID]bool, len(updated))
	for _, id := range updated {
		updatedSet[id] = true
	}

	deltas := make(map[uuid.UUID]domain.Counters)
	for _, p := range pending {
		if !updatedSet[p.ref.RecipientID] {
			continue
		}
		d := deltas[p.ref.BatchID]
		switch eventType {
		case domain.EventDelivered:
			d.Delivered++
		case domain.EventBounced:
			d.Bounced++
		case domain.EventComplained:
			d.Complained++
		case domain.EventFailed:
			d.Failed++
		}
		deltas[p.ref.BatchID] = d
		r.hot.RecordVerdict(ctx, p.ref.BatchID, eventType)
	}

	for batchID, delta := range deltas {
		clamped, err := r.batches.ApplyCounterDeltas(ctx, batchID, delta)
		if err != nil {
			r.logger.Error("failed to apply counter deltas",
				zap.String("batch_id", batchID.String()),
				zap.Error(err))
			continue
		}
		if clamped {
			r.metrics.CounterClampTotal.Inc()
			r.logger.Warn("webhook counter delta clamped",
				zap.String("batch_id", batchID.String()))
		}

		if r.hot.IsBatchComplete(ctx, batchID) {
			done, err := r.batches.Complete(ctx, batchID)
			if err != nil {
				r.logger.Error("failed to finalise batch",
					zap.String("batch_id", batchID.String()),
					zap.Error(err))
			} else if done {
				r.metrics.BatchesCompletedTotal.Inc()
				r.logger.Info("batch completed", zap.String("batch_id", batchID.String()))
			}
		}
	}

	for _, p := range pending {
		metadata, _ := json.Marshal(p.event.Metadata)
		r.events.Append(domain.EventRecord{
			EventType:         string(eventType),
			BatchID:           p.ref.BatchID,
			RecipientID:       p.ref.RecipientID,
			UserID:            p.ref.UserID,
			ProviderMessageID: p.event.ProviderMessageID,
			Metadata:          metadata,
			OccurredAt:        p.event.Timestamp,
		})
		r.metrics.WebhooksReconciledTotal.WithLabelValues(string(eventType)).Inc()
		p.msg.Ack()
	}
}

// localDedup is the first, cheap dedup tier: an in-process set with a short
// TTL that absorbs the common case of a provider retrying within seconds.
type localDedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newLocalDedup(ttl time.Duration) *localDedup {
	return &localDedup{ttl: ttl, seen: make(map[string]time.Time)}
}

// firstSeen records the key and reports whether it was new. Expired entries
// are pruned opportunistically.
func (d *localDedup) firstSeen(key string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return false
	}
	if len(d.seen) > 10_000 {
		for k, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, k)
			}
		}
	}
	d.seen[key] = now
	return true
}

// forget releases a claim taken by firstSeen, so an event that could not be
// applied is processed again on redelivery.
func (d *localDedup) forget(key string) {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}
