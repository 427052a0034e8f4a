package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"sendfabric/internal/broker"
	"sendfabric/internal/domain"
	"sendfabric/internal/module"
	"sendfabric/internal/ratelimit"
	"sendfabric/internal/store"
)

// handle drives one per-recipient job through the full pipeline:
// idempotency gate, composed rate-limit acquisition, payload build, module
// execute, transactional outcome commit. Acking is the last step so a crash
// anywhere redelivers the job; the gate and the conditional recipient UPDATE
// make redelivery harmless.
func (w *Worker) handle(ctx context.Context, msg jetstream.Msg) {
	start := time.Now()

	var job broker.SendJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		w.logger.Error("malformed send job, terminating", zap.Error(err))
		msg.Term()
		return
	}

	log := w.logger.With(
		zap.String("batch_id", job.BatchID.String()),
		zap.String("recipient_id", job.RecipientID.String()))

	if status := w.hot.RecipientStatus(ctx, job.BatchID, job.RecipientID); status.IsTerminal() {
		log.Debug("recipient already terminal, dropping redelivered job",
			zap.String("status", string(status)))
		msg.Ack()
		return
	}

	// A pause or cancel lands mid-page, after these jobs were already
	// enqueued. Checking the batch here stops the queued tail too.
	if status, halted := w.batchHalted(ctx, job.BatchID); halted {
		if status == domain.BatchPaused {
			log.Debug("batch paused, holding job")
			msg.NakWithDelay(pausedRecheck)
			return
		}
		log.Debug("batch no longer sendable, dropping job",
			zap.String("status", string(status)))
		msg.Term()
		return
	}

	provider := module.Provider(job.SendConfig)
	limit := module.LimitFor(provider)

	configRPS := float64(job.SendConfig.RateLimit.RequestsPerSecond)
	if configRPS <= 0 || configRPS > limit.MaxRequestsPerSecond {
		configRPS = limit.MaxRequestsPerSecond
	}

	rateCtx, cancelRate := context.WithTimeout(ctx, w.cfg.RateWaitTimeout)
	err := w.fabric.Acquire(rateCtx, ratelimit.Request{
		Module:      job.SendConfig.Module,
		Provider:    provider,
		Managed:     module.CredentialMode(job.SendConfig) == domain.ModeManaged,
		ConfigID:    job.SendConfig.ID,
		ConfigRPS:   configRPS,
		ProviderRPS: limit.MaxRequestsPerSecond,
		DailyLimit:  job.SendConfig.RateLimit.DailyLimit,
		Tokens:      1,
	}, w.cfg.SystemRPS, w.cfg.SystemBurst)
	cancelRate()
	if err != nil {
		w.nakWithBackoff(msg, log, "rate limit not satisfied", err)
		return
	}

	payload := module.BuildPayload(
		job.SendConfig.Config, job.BatchPayload, job.Identifier, job.Name, job.Variables)

	execCtx, cancelExec := context.WithTimeout(ctx, w.cfg.ExecuteTimeout)
	result := w.registry.Execute(execCtx, job.SendConfig.Module, payload, job.SendConfig, job.DryRun)
	cancelExec()

	outcome := store.SendOutcome{
		BatchID:           job.BatchID,
		RecipientID:       job.RecipientID,
		UserID:            job.UserID,
		Success:           result.Success,
		ProviderMessageID: result.ProviderMessageID,
		ErrorMessage:      result.Error,
		At:                time.Now(),
	}

	applied, clamped, err := w.outcomes.Commit(ctx, outcome)
	if err != nil {
		w.nakWithBackoff(msg, log, "outcome commit failed", err)
		return
	}
	if clamped {
		w.metrics.CounterClampTotal.Inc()
	}

	if applied {
		w.recordOutcome(ctx, job, result)
	}

	w.metrics.JobsProcessedTotal.WithLabelValues(
		string(job.SendConfig.Module), outcomeLabel(result.Success)).Inc()
	w.metrics.JobDuration.WithLabelValues(string(job.SendConfig.Module)).
		Observe(time.Since(start).Seconds())

	msg.Ack()
}

// recordOutcome updates the optimistic caches and the analytics log after
// the authoritative write committed, then checks whether that outcome
// saturated the batch.
func (w *Worker) recordOutcome(ctx context.Context, job broker.SendJob, result module.Result) {
	status := domain.RecipientFailed
	eventType := "failed"
	if result.Success {
		status = domain.RecipientSent
		eventType = "sent"
	}

	w.hot.SetRecipientStatus(ctx, job.BatchID, job.RecipientID, status)
	w.hot.RecordOutcome(ctx, job.BatchID, result.Success)

	if result.Success && result.ProviderMessageID != "" {
		w.hot.SetMessageRef(ctx, result.ProviderMessageID, domain.MessageRef{
			RecipientID: job.RecipientID,
			BatchID:     job.BatchID,
			UserID:      job.UserID,
		})
	}

	w.events.Append(domain.EventRecord{
		EventType:         eventType,
		BatchID:           job.BatchID,
		RecipientID:       job.RecipientID,
		UserID:            job.UserID,
		ProviderMessageID: result.ProviderMessageID,
		ErrorMessage:      result.Error,
	})

	if w.hot.IsBatchComplete(ctx, job.BatchID) {
		done, err := w.batches.Complete(ctx, job.BatchID)
		if err != nil {
			w.logger.Error("failed to finalise batch",
				zap.String("batch_id", job.BatchID.String()),
				zap.Error(err))
			return
		}
		if done {
			w.metrics.BatchesCompletedTotal.Inc()
			w.events.Append(domain.EventRecord{
				EventType: "batch_completed",
				BatchID:   job.BatchID,
				UserID:    job.UserID,
			})
			w.logger.Info("batch completed", zap.String("batch_id", job.BatchID.String()))
		}
	}
}

// pausedRecheck is how soon a held job is redelivered to look at the batch
// again. Short enough that resumes pick the tail back up quickly.
const pausedRecheck = 5 * time.Second

// batchHalted reports whether the batch stopped accepting sends. The cached
// status expires quickly, so a fresh pause reaches every worker within one
// TTL; a cache miss falls back to the relational row. A read error answers
// false: over-sending one job beats stalling the pipeline on a flaky cache.
func (w *Worker) batchHalted(ctx context.Context, batchID uuid.UUID) (domain.BatchStatus, bool) {
	status := w.hot.BatchStatus(ctx, batchID)
	if status == "" {
		batch, err := w.batches.GetByID(ctx, batchID)
		if err != nil {
			w.logger.Warn("batch status check failed",
				zap.String("batch_id", batchID.String()),
				zap.Error(err))
			return "", false
		}
		status = batch.Status
		w.hot.SetBatchStatus(ctx, batchID, status)
	}

	switch status {
	case domain.BatchPaused, domain.BatchCancelled, domain.BatchFailed:
		return status, true
	}
	return status, false
}

func (w *Worker) nakWithBackoff(msg jetstream.Msg, log *zap.Logger, reason string, err error) {
	attempt := 1
	if meta, metaErr := msg.Metadata(); metaErr == nil {
		attempt = int(meta.NumDelivered)
	}
	delay := backoffDelay(attempt)
	log.Warn(reason,
		zap.Int("attempt", attempt),
		zap.Duration("redeliver_in", delay),
		zap.Error(err))
	msg.NakWithDelay(delay)
}

// backoffDelay is the redelivery schedule: 1s doubling per attempt, capped
// at 30s.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Second << (attempt - 1)
	if delay > 30*time.Second || delay <= 0 {
		delay = 30 * time.Second
	}
	return delay
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
