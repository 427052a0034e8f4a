package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventRecord is one row of the append-only analytics log. Records are
// buffered in-process and bulk-inserted by the event logger.
type EventRecord struct {
	EventType         string          `json:"event_type"`
	BatchID           uuid.UUID       `json:"batch_id"`
	RecipientID       uuid.UUID       `json:"recipient_id"`
	UserID            uuid.UUID       `json:"user_id"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

// MessageRef resolves a provider message id back to the recipient it was
// issued for. Populated on send success, read on webhook match.
type MessageRef struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	BatchID     uuid.UUID `json:"batch_id"`
	UserID      uuid.UUID `json:"user_id"`
}
