package domain

import (
	"encoding/json"
	"time"
)

// WebhookEventType is the neutral verdict extracted from a provider callback.
type WebhookEventType string

const (
	EventDelivered   WebhookEventType = "delivered"
	EventBounced     WebhookEventType = "bounced"
	EventComplained  WebhookEventType = "complained"
	EventOpened      WebhookEventType = "opened"
	EventClicked     WebhookEventType = "clicked"
	EventFailed      WebhookEventType = "failed"
	EventSoftBounced WebhookEventType = "soft_bounced"
)

func (t WebhookEventType) Valid() bool {
	switch t {
	case EventDelivered, EventBounced, EventComplained, EventOpened, EventClicked, EventFailed, EventSoftBounced:
		return true
	}
	return false
}

// WebhookEvent is the provider-neutral envelope produced by the ingestor and
// consumed by the reconciler. RawPayload retains the provider body for the
// analytics log.
type WebhookEvent struct {
	Provider          string           `json:"provider"`
	ProviderMessageID string           `json:"provider_message_id"`
	EventType         WebhookEventType `json:"event_type"`
	Timestamp         time.Time        `json:"timestamp"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	RawPayload        json.RawMessage  `json:"raw_payload,omitempty"`
}

// DedupKey identifies a webhook event for idempotent processing.
func (e *WebhookEvent) DedupKey() string {
	return e.Provider + ":" + e.ProviderMessageID + ":" + string(e.EventType)
}
