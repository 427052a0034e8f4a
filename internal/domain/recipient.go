package domain

import (
	"time"

	"github.com/google/uuid"
)

type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientQueued     RecipientStatus = "queued"
	RecipientSent       RecipientStatus = "sent"
	RecipientDelivered  RecipientStatus = "delivered"
	RecipientBounced    RecipientStatus = "bounced"
	RecipientComplained RecipientStatus = "complained"
	RecipientFailed     RecipientStatus = "failed"
)

// IsTerminal reports whether a recipient has reached an outcome that the
// send pipeline must not overwrite. Webhook refinements (sent → delivered,
// sent → bounced, sent|delivered → complained) are applied by the reconciler
// through conditional UPDATEs, not through this check.
func (s RecipientStatus) IsTerminal() bool {
	switch s {
	case RecipientSent, RecipientDelivered, RecipientBounced, RecipientComplained, RecipientFailed:
		return true
	}
	return false
}

type Recipient struct {
	ID                uuid.UUID         `json:"id"`
	BatchID           uuid.UUID         `json:"batch_id"`
	Identifier        string            `json:"identifier"`
	Name              string            `json:"name"`
	Variables         map[string]string `json:"variables"`
	Status            RecipientStatus   `json:"status"`
	ProviderMessageID *string           `json:"provider_message_id,omitempty"`
	ErrorMessage      *string           `json:"error_message,omitempty"`
	SentAt            *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	BouncedAt         *time.Time        `json:"bounced_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
