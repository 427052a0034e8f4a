package module

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"sendfabric/internal/domain"
)

// WebhookModule delivers the payload as a signed JSON POST to the tenant's
// endpoint. The signature is HMAC-SHA256 over "{timestamp}.{body}" so the
// receiver can verify both integrity and freshness.
type WebhookModule struct {
	http   *http.Client
	logger *zap.Logger
}

func NewWebhookModule(logger *zap.Logger) *WebhookModule {
	return &WebhookModule{
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (m *WebhookModule) Type() domain.ModuleKind { return domain.ModuleWebhook }
func (m *WebhookModule) Name() string            { return "webhook" }
func (m *WebhookModule) SupportsBatch() bool     { return false }

func (m *WebhookModule) ValidateConfig(raw json.RawMessage) ValidationResult {
	if len(raw) == 0 {
		return invalid("config is required")
	}
	endpoint := gjson.GetBytes(raw, "url").String()
	if endpoint == "" {
		return invalid("config.url is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return invalid("config.url must be an http(s) URL")
	}
	return validResult
}

func (m *WebhookModule) ValidatePayload(p Payload) ValidationResult {
	if len(p) == 0 {
		return invalid("payload is required")
	}
	return validResult
}

func (m *WebhookModule) Execute(ctx context.Context, p Payload, cfg domain.ConfigSnapshot) Result {
	if Provider(cfg) == "mock" {
		return MockResult()
	}

	endpoint := gjson.GetBytes(cfg.Config, "url").String()
	secret := gjson.GetBytes(cfg.Config, "secret").String()

	body, err := json.Marshal(p)
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to encode webhook payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to build webhook request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	messageID := uuid.NewString()
	req.Header.Set("X-Message-Id", messageID)

	if secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(ts))
		mac.Write([]byte("."))
		mac.Write(body)
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return Result{Error: fmt.Sprintf("webhook delivery failed: %v", err), StatusCode: 502}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		return Result{
			Error:      fmt.Sprintf("webhook endpoint returned %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
	return Result{
		Success:           true,
		ProviderMessageID: messageID,
		StatusCode:        resp.StatusCode,
	}
}
