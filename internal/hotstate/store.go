// Package hotstate is the distributed-cache view of recipient processing
// status and batch counters. It exists for idempotency and completion
// detection; the relational store stays authoritative, so every read here is
// allowed to be optimistic.
package hotstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/domain"
)

const (
	recipientTTL = 7 * 24 * time.Hour
	countersTTL  = 7 * 24 * time.Hour
	dedupTTL     = 24 * time.Hour
	msgIndexTTL  = 24 * time.Hour

	// Short on purpose: a pause or cancel must reach the workers within one
	// cache expiry, not at the next orchestration page.
	batchStatusTTL = 10 * time.Second
)

type Store struct {
	redis  *db.RedisClient
	logger *zap.Logger
}

func New(redis *db.RedisClient, logger *zap.Logger) *Store {
	return &Store{redis: redis, logger: logger}
}

func recipientKey(batchID, recipientID uuid.UUID) string {
	return fmt.Sprintf("recipient:%s:%s", batchID, recipientID)
}

func countersKey(batchID uuid.UUID) string {
	return fmt.Sprintf("batch:counters:%s", batchID)
}

func dedupKey(provider, providerMessageID string, eventType domain.WebhookEventType) string {
	return fmt.Sprintf("webhook:dedup:%s:%s:%s", provider, providerMessageID, eventType)
}

func msgIndexKey(providerMessageID string) string {
	return fmt.Sprintf("msgindex:%s", providerMessageID)
}

func batchStatusKey(batchID uuid.UUID) string {
	return fmt.Sprintf("batch:status:%s", batchID)
}

// BatchStatus returns the recently cached batch status, or empty when the
// cache has no answer and the caller should read the relational row.
func (s *Store) BatchStatus(ctx context.Context, batchID uuid.UUID) domain.BatchStatus {
	val, err := s.redis.Get(ctx, batchStatusKey(batchID)).Result()
	if err == redis.Nil {
		return ""
	}
	if err != nil {
		s.logger.Warn("hot-state batch status read failed", zap.Error(err))
		return ""
	}
	return domain.BatchStatus(val)
}

func (s *Store) SetBatchStatus(ctx context.Context, batchID uuid.UUID, status domain.BatchStatus) {
	if err := s.redis.Set(ctx, batchStatusKey(batchID), string(status), batchStatusTTL).Err(); err != nil {
		s.logger.Warn("hot-state batch status write failed", zap.Error(err))
	}
}

// RecipientStatus returns the cached processing status, or empty when the
// cache has no answer. Miss and error look the same to the caller, which
// falls through to the conditional UPDATE either way.
func (s *Store) RecipientStatus(ctx context.Context, batchID, recipientID uuid.UUID) domain.RecipientStatus {
	val, err := s.redis.Get(ctx, recipientKey(batchID, recipientID)).Result()
	if err == redis.Nil {
		return ""
	}
	if err != nil {
		s.logger.Warn("hot-state recipient read failed", zap.Error(err))
		return ""
	}
	return domain.RecipientStatus(val)
}

func (s *Store) SetRecipientStatus(ctx context.Context, batchID, recipientID uuid.UUID, status domain.RecipientStatus) {
	if err := s.redis.Set(ctx, recipientKey(batchID, recipientID), string(status), recipientTTL).Err(); err != nil {
		s.logger.Warn("hot-state recipient write failed", zap.Error(err))
	}
}

// RecordOutcome folds a send outcome into the counters hash.
func (s *Store) RecordOutcome(ctx context.Context, batchID uuid.UUID, success bool) {
	field := "failed"
	if success {
		field = "sent"
	}
	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, countersKey(batchID), field, 1)
	pipe.Expire(ctx, countersKey(batchID), countersTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("hot-state counter write failed", zap.Error(err))
	}
}

// RecordVerdict redistributes a sent recipient into its webhook verdict
// bucket. The sum across fields stays constant, so completion detection
// keeps working after webhooks start arriving.
func (s *Store) RecordVerdict(ctx context.Context, batchID uuid.UUID, eventType domain.WebhookEventType) {
	var field string
	switch eventType {
	case domain.EventDelivered:
		field = "delivered"
	case domain.EventBounced:
		field = "bounced"
	case domain.EventComplained:
		field = "complained"
	case domain.EventFailed:
		field = "failed"
	default:
		return
	}

	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, countersKey(batchID), field, 1)
	pipe.HIncrBy(ctx, countersKey(batchID), "sent", -1)
	pipe.Expire(ctx, countersKey(batchID), countersTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("hot-state verdict write failed", zap.Error(err))
	}
}

func (s *Store) Counters(ctx context.Context, batchID uuid.UUID) (domain.Counters, error) {
	vals, err := s.redis.HGetAll(ctx, countersKey(batchID)).Result()
	if err != nil {
		return domain.Counters{}, fmt.Errorf("failed to read batch counters: %w", err)
	}

	var c domain.Counters
	for field, raw := range vals {
		var n int
		fmt.Sscanf(raw, "%d", &n)
		switch field {
		case "sent":
			c.Sent = n
		case "failed":
			c.Failed = n
		case "delivered":
			c.Delivered = n
		case "bounced":
			c.Bounced = n
		case "complained":
			c.Complained = n
		}
	}
	return c, nil
}

// SetTotal seeds the counters hash with the batch size so completion can be
// detected from the hash alone. Written once when orchestration starts.
func (s *Store) SetTotal(ctx context.Context, batchID uuid.UUID, total int) {
	pipe := s.redis.Pipeline()
	pipe.HSetNX(ctx, countersKey(batchID), "total", total)
	pipe.Expire(ctx, countersKey(batchID), countersTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("hot-state total write failed", zap.Error(err))
	}
}

// IsBatchComplete reports whether every recipient has a counted outcome. A
// cache error or a missing total answers false: completion is detected again
// on the next outcome, so a missed check only delays finalisation.
func (s *Store) IsBatchComplete(ctx context.Context, batchID uuid.UUID) bool {
	vals, err := s.redis.HGetAll(ctx, countersKey(batchID)).Result()
	if err != nil {
		s.logger.Warn("hot-state completion check failed", zap.Error(err))
		return false
	}

	var c domain.Counters
	var total int
	for field, raw := range vals {
		var n int
		fmt.Sscanf(raw, "%d", &n)
		switch field {
		case "total":
			total = n
		case "sent":
			c.Sent = n
		case "failed":
			c.Failed = n
		case "delivered":
			c.Delivered = n
		case "bounced":
			c.Bounced = n
		case "complained":
			c.Complained = n
		}
	}
	return c.Saturated(total)
}

// MarkWebhookSeen marks a webhook event processed. Returns true when this
// call was the first observer.
func (s *Store) MarkWebhookSeen(ctx context.Context, provider, providerMessageID string, eventType domain.WebhookEventType) (bool, error) {
	ok, err := s.redis.SetNX(ctx, dedupKey(provider, providerMessageID, eventType), 1, dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark webhook seen: %w", err)
	}
	return ok, nil
}

// ClearWebhookSeen releases a dedup claim when the event could not be
// applied, so its redelivery is processed instead of dropped.
func (s *Store) ClearWebhookSeen(ctx context.Context, provider, providerMessageID string, eventType domain.WebhookEventType) {
	if err := s.redis.Del(ctx, dedupKey(provider, providerMessageID, eventType)).Err(); err != nil {
		s.logger.Warn("hot-state dedup release failed", zap.Error(err))
	}
}

func (s *Store) SetMessageRef(ctx context.Context, providerMessageID string, ref domain.MessageRef) {
	data, err := json.Marshal(ref)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, msgIndexKey(providerMessageID), data, msgIndexTTL).Err(); err != nil {
		s.logger.Warn("hot-state message index write failed", zap.Error(err))
	}
}

func (s *Store) MessageRef(ctx context.Context, providerMessageID string) (*domain.MessageRef, bool) {
	data, err := s.redis.Get(ctx, msgIndexKey(providerMessageID)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("hot-state message index read failed", zap.Error(err))
		return nil, false
	}
	var ref domain.MessageRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, false
	}
	return &ref, true
}
