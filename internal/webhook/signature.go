// Package webhook is the provider-callback half of the pipeline: ingest
// endpoints that verify and enqueue raw envelopes, provider parsers that
// reduce them to neutral events, and the reconciler that folds verdicts into
// recipient rows and batch counters.
package webhook

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"

	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"

	"sendfabric/internal/config"
)

// ErrBadSignature is returned for any verification failure; the ingest
// handler maps it to 401 without enqueueing anything.
var ErrBadSignature = fmt.Errorf("webhook signature invalid")

// Verifier checks provider callback signatures. An empty secret disables
// verification for that provider, which is how local development and the
// mock provider run.
type Verifier struct {
	resend *standardwebhooks.Webhook
	telnyx ed25519.PublicKey
	secret string
}

func NewVerifier(cfg *config.Config) (*Verifier, error) {
	v := &Verifier{secret: cfg.GenericWebhookSecret}

	if cfg.ResendWebhookSecret != "" {
		wh, err := standardwebhooks.NewWebhook(cfg.ResendWebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to build resend verifier: %w", err)
		}
		v.resend = wh
	}

	if cfg.TelnyxPublicKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.TelnyxPublicKey)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("telnyx public key is not a base64 ed25519 key")
		}
		v.telnyx = ed25519.PublicKey(key)
	}

	return v, nil
}

// VerifyResend checks the Svix-scheme headers Resend signs with.
func (v *Verifier) VerifyResend(payload []byte, id, timestamp, signature string) error {
	if v.resend == nil {
		return nil
	}
	headers := http.Header{}
	headers.Set("Svix-Id", id)
	headers.Set("Svix-Timestamp", timestamp)
	headers.Set("Svix-Signature", signature)
	if err := v.resend.Verify(payload, headers); err != nil {
		return ErrBadSignature
	}
	return nil
}

// VerifyTelnyx checks the Ed25519 signature over "{timestamp}|{payload}".
func (v *Verifier) VerifyTelnyx(payload []byte, signatureB64, timestamp string) error {
	if v.telnyx == nil {
		return nil
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return ErrBadSignature
	}
	signed := append([]byte(timestamp+"|"), payload...)
	if !ed25519.Verify(v.telnyx, signed, sig) {
		return ErrBadSignature
	}
	return nil
}

// VerifyGeneric checks an HMAC-SHA256 hex signature over
// "{timestamp}.{payload}", the same scheme the outbound webhook module
// signs with.
func (v *Verifier) VerifyGeneric(payload []byte, timestamp, signature string) error {
	if v.secret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)

	expected, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(mac.Sum(nil), expected) {
		return ErrBadSignature
	}
	return nil
}
