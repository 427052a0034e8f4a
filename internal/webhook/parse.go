package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"sendfabric/internal/domain"
)

// ErrUnparsable means the body did not yield any neutral event. The ingest
// handler returns 400; nothing is enqueued.
var ErrUnparsable = fmt.Errorf("webhook payload unparsable")

// ParseSNSEnvelope splits the SNS wrapper from the SES notification inside.
// A SubscriptionConfirmation returns confirmURL and no events; the caller
// fetches the URL to confirm the subscription.
func ParseSNSEnvelope(body []byte) (events []domain.WebhookEvent, confirmURL string, err error) {
	envelope := gjson.ParseBytes(body)

	switch envelope.Get("Type").String() {
	case "SubscriptionConfirmation":
		url := envelope.Get("SubscribeURL").String()
		if url == "" {
			return nil, "", ErrUnparsable
		}
		return nil, url, nil
	case "Notification":
		ev, err := parseSES([]byte(envelope.Get("Message").String()), body)
		if err != nil {
			return nil, "", err
		}
		return []domain.WebhookEvent{ev}, "", nil
	default:
		// Raw SES event, delivered without the SNS wrapper.
		ev, err := parseSES(body, body)
		if err != nil {
			return nil, "", err
		}
		return []domain.WebhookEvent{ev}, "", nil
	}
}

// sesEventTypes maps SES notification types to neutral verdicts. A
// transient bounce is kept distinct: it does not terminate the recipient.
var sesEventTypes = map[string]domain.WebhookEventType{
	"Delivery":  domain.EventDelivered,
	"Bounce":    domain.EventBounced,
	"Complaint": domain.EventComplained,
	"Open":      domain.EventOpened,
	"Click":     domain.EventClicked,
	"Reject":    domain.EventFailed,
}

func parseSES(message, raw []byte) (domain.WebhookEvent, error) {
	parsed := gjson.ParseBytes(message)

	kind := parsed.Get("eventType").String()
	if kind == "" {
		kind = parsed.Get("notificationType").String()
	}
	eventType, ok := sesEventTypes[kind]
	if !ok {
		return domain.WebhookEvent{}, ErrUnparsable
	}
	if eventType == domain.EventBounced && parsed.Get("bounce.bounceType").String() == "Transient" {
		eventType = domain.EventSoftBounced
	}

	messageID := parsed.Get("mail.messageId").String()
	if messageID == "" {
		return domain.WebhookEvent{}, ErrUnparsable
	}

	ev := domain.WebhookEvent{
		Provider:          "ses",
		ProviderMessageID: messageID,
		EventType:         eventType,
		Timestamp:         parseTimestamp(parsed.Get("mail.timestamp").String()),
		RawPayload:        json.RawMessage(raw),
	}
	if reason := parsed.Get("bounce.bouncedRecipients.0.diagnosticCode").String(); reason != "" {
		ev.Metadata = map[string]string{"reason": reason}
	}
	return ev, nil
}

var resendEventTypes = map[string]domain.WebhookEventType{
	"email.delivered":        domain.EventDelivered,
	"email.bounced":          domain.EventBounced,
	"email.complained":       domain.EventComplained,
	"email.opened":           domain.EventOpened,
	"email.clicked":          domain.EventClicked,
	"email.delivery_delayed": domain.EventSoftBounced,
	"email.failed":           domain.EventFailed,
}

// ParseResend reduces a Resend event to the neutral shape; the event type
// lives in the top-level "type" field.
func ParseResend(body []byte) (domain.WebhookEvent, error) {
	parsed := gjson.ParseBytes(body)

	eventType, ok := resendEventTypes[parsed.Get("type").String()]
	if !ok {
		return domain.WebhookEvent{}, ErrUnparsable
	}
	messageID := parsed.Get("data.email_id").String()
	if messageID == "" {
		return domain.WebhookEvent{}, ErrUnparsable
	}

	return domain.WebhookEvent{
		Provider:          "resend",
		ProviderMessageID: messageID,
		EventType:         eventType,
		Timestamp:         parseTimestamp(parsed.Get("created_at").String()),
		RawPayload:        json.RawMessage(body),
	}, nil
}

// ParseTelnyx reduces a Telnyx message event. Telnyx reports the final
// verdict through message.finalized with the per-destination status inside
// the payload.
func ParseTelnyx(body []byte) (domain.WebhookEvent, error) {
	parsed := gjson.ParseBytes(body)

	messageID := parsed.Get("data.payload.id").String()
	if messageID == "" {
		return domain.WebhookEvent{}, ErrUnparsable
	}

	var eventType domain.WebhookEventType
	switch parsed.Get("data.event_type").String() {
	case "message.finalized":
		switch parsed.Get("data.payload.to.0.status").String() {
		case "delivered":
			eventType = domain.EventDelivered
		case "delivery_failed", "sending_failed":
			eventType = domain.EventFailed
		default:
			return domain.WebhookEvent{}, ErrUnparsable
		}
	case "message.sent":
		// Acknowledged by the carrier but not yet final; nothing to fold in.
		return domain.WebhookEvent{}, ErrUnparsable
	default:
		return domain.WebhookEvent{}, ErrUnparsable
	}

	ev := domain.WebhookEvent{
		Provider:          "telnyx",
		ProviderMessageID: messageID,
		EventType:         eventType,
		Timestamp:         parseTimestamp(parsed.Get("data.occurred_at").String()),
		RawPayload:        json.RawMessage(body),
	}
	if reason := parsed.Get("data.payload.errors.0.detail").String(); reason != "" {
		ev.Metadata = map[string]string{"reason": reason}
	}
	return ev, nil
}

// ParseGeneric accepts the neutral shape directly, for tenant webhook
// endpoints and the mock provider's callbacks.
func ParseGeneric(provider string, body []byte) (domain.WebhookEvent, error) {
	parsed := gjson.ParseBytes(body)

	eventType := domain.WebhookEventType(parsed.Get("event_type").String())
	messageID := parsed.Get("provider_message_id").String()
	if !eventType.Valid() || messageID == "" {
		return domain.WebhookEvent{}, ErrUnparsable
	}

	return domain.WebhookEvent{
		Provider:          provider,
		ProviderMessageID: messageID,
		EventType:         eventType,
		Timestamp:         parseTimestamp(parsed.Get("timestamp").String()),
		RawPayload:        json.RawMessage(body),
	}, nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
