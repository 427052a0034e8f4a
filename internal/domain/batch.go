package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type BatchStatus string

const (
	BatchDraft      BatchStatus = "draft"
	BatchScheduled  BatchStatus = "scheduled"
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchPaused     BatchStatus = "paused"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// batchTransitions lists the allowed lifecycle edges. Every writer uses a
// conditional UPDATE (WHERE status = expected), so concurrent callers racing
// on the same edge converge without locks.
var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchDraft:      {BatchQueued, BatchScheduled},
	BatchScheduled:  {BatchQueued, BatchCancelled},
	BatchQueued:     {BatchProcessing, BatchCancelled},
	BatchProcessing: {BatchPaused, BatchCancelled, BatchCompleted, BatchFailed},
	BatchPaused:     {BatchQueued, BatchCancelled},
}

// CanTransition reports whether from → to is a legal batch lifecycle edge.
func CanTransition(from, to BatchStatus) bool {
	for _, next := range batchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a batch status admits no further transitions.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

type Batch struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	SendConfigID    uuid.UUID       `json:"send_config_id"`
	Name            string          `json:"name"`
	Payload         json.RawMessage `json:"payload"`
	TotalRecipients int             `json:"total_recipients"`
	SentCount       int             `json:"sent_count"`
	DeliveredCount  int             `json:"delivered_count"`
	BouncedCount    int             `json:"bounced_count"`
	ComplainedCount int             `json:"complained_count"`
	FailedCount     int             `json:"failed_count"`
	Status          BatchStatus     `json:"status"`
	DryRun          bool            `json:"dry_run"`
	RecoveryCount   int             `json:"recovery_count"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Counters is the hot-state view of a batch's delivery counters.
type Counters struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Delivered  int `json:"delivered"`
	Bounced    int `json:"bounced"`
	Complained int `json:"complained"`
}

// Saturated reports whether every recipient has reached a counted outcome.
func (c Counters) Saturated(total int) bool {
	return total > 0 && c.Sent+c.Failed+c.Delivered+c.Bounced+c.Complained >= total
}
