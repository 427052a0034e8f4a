package broker

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"sendfabric/internal/domain"
)

// OrchestrationMsg is the single message the discoverer publishes per queued
// batch. Deduplicated on the batch id so overlapping discovery polls are
// harmless.
type OrchestrationMsg struct {
	BatchID uuid.UUID `json:"batch_id"`
	UserID  uuid.UUID `json:"user_id"`
}

func (m OrchestrationMsg) DedupID() string {
	return m.BatchID.String()
}

// SendJob is one per-recipient unit of work. The send-config snapshot and the
// recipient fields are embedded so workers never join back to the relational
// store on the hot path; the authoritative row is only touched to commit the
// outcome.
type SendJob struct {
	BatchID      uuid.UUID             `json:"batch_id"`
	RecipientID  uuid.UUID             `json:"recipient_id"`
	UserID       uuid.UUID             `json:"user_id"`
	Identifier   string                `json:"identifier"`
	Name         string                `json:"name,omitempty"`
	Variables    map[string]string     `json:"variables,omitempty"`
	BatchPayload json.RawMessage       `json:"batch_payload,omitempty"`
	SendConfig   domain.ConfigSnapshot `json:"send_config"`
	DryRun       bool                  `json:"dry_run"`
}

func (j SendJob) DedupID() string {
	return j.BatchID.String() + ":" + j.RecipientID.String()
}

// JobSubject is the per-tenant subject send jobs are published on.
func JobSubject(userID uuid.UUID) string {
	return fmt.Sprintf("jobs.user.%s.send", userID)
}

// JobFilterSubject matches every job subject of one tenant.
func JobFilterSubject(userID uuid.UUID) string {
	return fmt.Sprintf("jobs.user.%s.>", userID)
}

// WebhookSubject routes a raw provider envelope by provider and verdict.
func WebhookSubject(provider string, eventType domain.WebhookEventType) string {
	return fmt.Sprintf("webhook.%s.%s", provider, eventType)
}
