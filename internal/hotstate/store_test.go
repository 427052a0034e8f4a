package hotstate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/domain"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(&db.RedisClient{Client: client}, zap.NewNop()), mr
}

func TestRecipientStatusRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	batchID, recipientID := uuid.New(), uuid.New()

	assert.Equal(t, domain.RecipientStatus(""), s.RecipientStatus(ctx, batchID, recipientID))

	s.SetRecipientStatus(ctx, batchID, recipientID, domain.RecipientSent)
	assert.Equal(t, domain.RecipientSent, s.RecipientStatus(ctx, batchID, recipientID))
}

func TestRecipientStatusCacheDownAnswersEmpty(t *testing.T) {
	s, mr := testStore(t)
	mr.Close()

	status := s.RecipientStatus(context.Background(), uuid.New(), uuid.New())
	assert.Equal(t, domain.RecipientStatus(""), status,
		"a cache error must fall through to the authoritative store, not block")
}

func TestCompletionDetection(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	batchID := uuid.New()

	s.SetTotal(ctx, batchID, 3)
	assert.False(t, s.IsBatchComplete(ctx, batchID))

	s.RecordOutcome(ctx, batchID, true)
	s.RecordOutcome(ctx, batchID, true)
	assert.False(t, s.IsBatchComplete(ctx, batchID))

	s.RecordOutcome(ctx, batchID, false)
	assert.True(t, s.IsBatchComplete(ctx, batchID))
}

func TestVerdictRedistributionKeepsSaturation(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	batchID := uuid.New()

	s.SetTotal(ctx, batchID, 2)
	s.RecordOutcome(ctx, batchID, true)
	s.RecordOutcome(ctx, batchID, true)
	require.True(t, s.IsBatchComplete(ctx, batchID))

	// Webhooks move sent into delivered/bounced; the sum must not change.
	s.RecordVerdict(ctx, batchID, domain.EventDelivered)
	s.RecordVerdict(ctx, batchID, domain.EventBounced)

	c, err := s.Counters(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Sent)
	assert.Equal(t, 1, c.Delivered)
	assert.Equal(t, 1, c.Bounced)
	assert.True(t, s.IsBatchComplete(ctx, batchID))
}

func TestVerdictIgnoresNonTerminalEvents(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	batchID := uuid.New()

	s.SetTotal(ctx, batchID, 1)
	s.RecordOutcome(ctx, batchID, true)
	s.RecordVerdict(ctx, batchID, domain.EventOpened)

	c, err := s.Counters(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Sent, "opened should not disturb counters")
}

func TestIsBatchCompleteMissingTotal(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	batchID := uuid.New()

	s.RecordOutcome(ctx, batchID, true)
	assert.False(t, s.IsBatchComplete(ctx, batchID),
		"a counters hash without a total must never report complete")
}

func TestMarkWebhookSeen(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	first, err := s.MarkWebhookSeen(ctx, "ses", "msg-1", domain.EventDelivered)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkWebhookSeen(ctx, "ses", "msg-1", domain.EventDelivered)
	require.NoError(t, err)
	assert.False(t, again, "the same (provider, id, type) is seen once")

	other, err := s.MarkWebhookSeen(ctx, "ses", "msg-1", domain.EventBounced)
	require.NoError(t, err)
	assert.True(t, other, "a different event type is a distinct key")
}

func TestClearWebhookSeenReleasesClaim(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	first, err := s.MarkWebhookSeen(ctx, "ses", "msg-9", domain.EventDelivered)
	require.NoError(t, err)
	require.True(t, first)

	s.ClearWebhookSeen(ctx, "ses", "msg-9", domain.EventDelivered)

	again, err := s.MarkWebhookSeen(ctx, "ses", "msg-9", domain.EventDelivered)
	require.NoError(t, err)
	assert.True(t, again, "a released claim must be claimable again")
}

func TestBatchStatusRoundTrip(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()
	batchID := uuid.New()

	assert.Equal(t, domain.BatchStatus(""), s.BatchStatus(ctx, batchID))

	s.SetBatchStatus(ctx, batchID, domain.BatchPaused)
	assert.Equal(t, domain.BatchPaused, s.BatchStatus(ctx, batchID))

	// The cached status expires so a stale answer cannot outlive a pause by
	// more than one TTL.
	mr.FastForward(batchStatusTTL + time.Second)
	assert.Equal(t, domain.BatchStatus(""), s.BatchStatus(ctx, batchID))
}

func TestMessageRefRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	ref := domain.MessageRef{RecipientID: uuid.New(), BatchID: uuid.New(), UserID: uuid.New()}
	s.SetMessageRef(ctx, "msg-42", ref)

	got, ok := s.MessageRef(ctx, "msg-42")
	require.True(t, ok)
	assert.Equal(t, ref, *got)

	_, ok = s.MessageRef(ctx, "unknown")
	assert.False(t, ok)
}
