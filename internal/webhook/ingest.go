package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"sendfabric/internal/broker"
	"sendfabric/internal/domain"
	"sendfabric/internal/observability"
)

// Ingestor is the HTTP surface providers call back into. It verifies the
// signature, reduces the body to neutral events, enqueues them and returns
// 200; all real processing happens in the reconciler. The handler does no
// store I/O so it stays inside the provider's callback deadline.
type Ingestor struct {
	logger   *zap.Logger
	metrics  *observability.Metrics
	broker   *broker.Broker
	verifier *Verifier
	http     *http.Client
}

func NewIngestor(logger *zap.Logger, metrics *observability.Metrics, b *broker.Broker, verifier *Verifier) *Ingestor {
	return &Ingestor{
		logger:   logger,
		metrics:  metrics,
		broker:   b,
		verifier: verifier,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Mount registers the per-provider callback routes.
func (i *Ingestor) Mount(app *fiber.App) {
	app.Post("/webhooks/:provider", i.Handle)
}

func (i *Ingestor) Handle(c *fiber.Ctx) error {
	provider := c.Params("provider")
	body := c.Body()

	events, err := i.parse(c, provider, body)
	if err == ErrBadSignature {
		i.logger.Warn("webhook signature rejected", zap.String("provider", provider))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
	}
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unparsable payload"})
	}

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		subject := broker.WebhookSubject(ev.Provider, ev.EventType)
		if err := i.broker.Publish(c.Context(), subject, data, ev.DedupKey()); err != nil {
			i.logger.Error("failed to enqueue webhook event",
				zap.String("provider", ev.Provider),
				zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "enqueue failed"})
		}
		i.metrics.WebhooksReceivedTotal.WithLabelValues(ev.Provider, string(ev.EventType)).Inc()
	}

	return c.SendStatus(fiber.StatusOK)
}

func (i *Ingestor) parse(c *fiber.Ctx, provider string, body []byte) ([]domain.WebhookEvent, error) {
	switch provider {
	case "ses":
		events, confirmURL, err := ParseSNSEnvelope(body)
		if err != nil {
			return nil, err
		}
		if confirmURL != "" {
			i.confirmSubscription(c.Context(), confirmURL)
			return nil, nil
		}
		return events, nil

	case "resend":
		if err := i.verifier.VerifyResend(body,
			c.Get("Svix-Id"), c.Get("Svix-Timestamp"), c.Get("Svix-Signature")); err != nil {
			return nil, err
		}
		ev, err := ParseResend(body)
		if err != nil {
			return nil, err
		}
		return []domain.WebhookEvent{ev}, nil

	case "telnyx":
		if err := i.verifier.VerifyTelnyx(body,
			c.Get("Telnyx-Signature-Ed25519"), c.Get("Telnyx-Timestamp")); err != nil {
			return nil, err
		}
		ev, err := ParseTelnyx(body)
		if err != nil {
			return nil, err
		}
		return []domain.WebhookEvent{ev}, nil

	default:
		if err := i.verifier.VerifyGeneric(body,
			c.Get("X-Timestamp"), c.Get("X-Signature")); err != nil {
			return nil, err
		}
		ev, err := ParseGeneric(provider, body)
		if err != nil {
			return nil, err
		}
		return []domain.WebhookEvent{ev}, nil
	}
}

// validSubscribeURL accepts only HTTPS AWS endpoints. The URL arrives in an
// unauthenticated request body, so anything else would let a caller point
// the service at arbitrary or internal addresses.
func validSubscribeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && strings.HasSuffix(u.Hostname(), ".amazonaws.com")
}

// confirmSubscription completes the SNS handshake by fetching the
// SubscribeURL. Failure only delays the subscription; SNS retries.
func (i *Ingestor) confirmSubscription(ctx context.Context, confirmURL string) {
	if !validSubscribeURL(confirmURL) {
		i.logger.Warn("SNS subscribe URL rejected", zap.String("url", confirmURL))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, confirmURL, nil)
	if err != nil {
		return
	}
	resp, err := i.http.Do(req)
	if err != nil {
		i.logger.Error("failed to confirm SNS subscription", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	i.logger.Info("SNS subscription confirmed")
}
