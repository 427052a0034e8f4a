package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sendfabric/internal/domain"
)

func TestParseSNSEnvelopeSubscriptionConfirmation(t *testing.T) {
	body := []byte(`{"Type":"SubscriptionConfirmation","SubscribeURL":"https://sns.example/confirm?token=abc"}`)

	events, confirmURL, err := ParseSNSEnvelope(body)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "https://sns.example/confirm?token=abc", confirmURL)
}

func TestParseSNSEnvelopeNotification(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    domain.WebhookEventType
	}{
		{
			name:    "delivery",
			message: `{\"eventType\":\"Delivery\",\"mail\":{\"messageId\":\"ses-1\",\"timestamp\":\"2026-08-01T10:00:00.000Z\"}}`,
			want:    domain.EventDelivered,
		},
		{
			name:    "permanent bounce",
			message: `{\"eventType\":\"Bounce\",\"bounce\":{\"bounceType\":\"Permanent\"},\"mail\":{\"messageId\":\"ses-2\"}}`,
			want:    domain.EventBounced,
		},
		{
			name:    "transient bounce stays soft",
			message: `{\"eventType\":\"Bounce\",\"bounce\":{\"bounceType\":\"Transient\"},\"mail\":{\"messageId\":\"ses-3\"}}`,
			want:    domain.EventSoftBounced,
		},
		{
			name:    "complaint",
			message: `{\"notificationType\":\"Complaint\",\"mail\":{\"messageId\":\"ses-4\"}}`,
			want:    domain.EventComplained,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{"Type":"Notification","Message":"` + tt.message + `"}`)
			events, confirmURL, err := ParseSNSEnvelope(body)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Empty(t, confirmURL)
			assert.Equal(t, "ses", events[0].Provider)
			assert.Equal(t, tt.want, events[0].EventType)
		})
	}
}

func TestParseSNSEnvelopeRawSESEvent(t *testing.T) {
	// Raw delivery without the SNS wrapper, as configured destinations send.
	body := []byte(`{"eventType":"Delivery","mail":{"messageId":"ses-raw","timestamp":"2026-08-01T10:00:00.000Z"}}`)

	events, _, err := ParseSNSEnvelope(body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ses-raw", events[0].ProviderMessageID)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), events[0].Timestamp)
}

func TestParseSESBounceReason(t *testing.T) {
	body := []byte(`{"eventType":"Bounce","bounce":{"bounceType":"Permanent","bouncedRecipients":[{"diagnosticCode":"smtp; 550 user unknown"}]},"mail":{"messageId":"ses-5"}}`)

	events, _, err := ParseSNSEnvelope(body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "smtp; 550 user unknown", events[0].Metadata["reason"])
}

func TestParseSESRejectsUnknown(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown event type", `{"eventType":"Rendering","mail":{"messageId":"x"}}`},
		{"missing message id", `{"eventType":"Delivery","mail":{}}`},
		{"empty body", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseSNSEnvelope([]byte(tt.body))
			assert.ErrorIs(t, err, ErrUnparsable)
		})
	}
}

func TestParseResend(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		want    domain.WebhookEventType
		wantErr bool
	}{
		{name: "delivered", kind: "email.delivered", want: domain.EventDelivered},
		{name: "bounced", kind: "email.bounced", want: domain.EventBounced},
		{name: "delay maps to soft bounce", kind: "email.delivery_delayed", want: domain.EventSoftBounced},
		{name: "unknown type", kind: "email.scheduled", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{"type":"` + tt.kind + `","created_at":"2026-08-01T10:00:00Z","data":{"email_id":"re-1"}}`)
			ev, err := ParseResend(body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnparsable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "resend", ev.Provider)
			assert.Equal(t, "re-1", ev.ProviderMessageID)
			assert.Equal(t, tt.want, ev.EventType)
		})
	}
}

func TestParseTelnyx(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    domain.WebhookEventType
		wantErr bool
	}{
		{
			name: "finalized delivered",
			body: `{"data":{"event_type":"message.finalized","occurred_at":"2026-08-01T10:00:00Z","payload":{"id":"tx-1","to":[{"status":"delivered"}]}}}`,
			want: domain.EventDelivered,
		},
		{
			name: "finalized failed carries reason",
			body: `{"data":{"event_type":"message.finalized","payload":{"id":"tx-2","to":[{"status":"delivery_failed"}],"errors":[{"detail":"carrier rejected"}]}}}`,
			want: domain.EventFailed,
		},
		{
			name:    "interim sent event is dropped",
			body:    `{"data":{"event_type":"message.sent","payload":{"id":"tx-3","to":[{"status":"sent"}]}}}`,
			wantErr: true,
		},
		{
			name:    "missing id",
			body:    `{"data":{"event_type":"message.finalized","payload":{"to":[{"status":"delivered"}]}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseTelnyx([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnparsable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "telnyx", ev.Provider)
			assert.Equal(t, tt.want, ev.EventType)
		})
	}

	ev, err := ParseTelnyx([]byte(`{"data":{"event_type":"message.finalized","payload":{"id":"tx-2","to":[{"status":"delivery_failed"}],"errors":[{"detail":"carrier rejected"}]}}}`))
	require.NoError(t, err)
	assert.Equal(t, "carrier rejected", ev.Metadata["reason"])
}

func TestParseGeneric(t *testing.T) {
	body := []byte(`{"event_type":"delivered","provider_message_id":"gen-1","timestamp":"2026-08-01T10:00:00Z"}`)

	ev, err := ParseGeneric("webhook", body)
	require.NoError(t, err)
	assert.Equal(t, "webhook", ev.Provider)
	assert.Equal(t, domain.EventDelivered, ev.EventType)
	assert.Equal(t, "gen-1", ev.ProviderMessageID)

	_, err = ParseGeneric("webhook", []byte(`{"event_type":"exploded","provider_message_id":"gen-2"}`))
	assert.ErrorIs(t, err, ErrUnparsable)
}

func TestParseTimestampFallsBackToNow(t *testing.T) {
	before := time.Now().UTC()
	got := parseTimestamp("not-a-time")
	assert.False(t, got.Before(before))
}
