package module

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"sendfabric/internal/config"
	"sendfabric/internal/domain"
)

const telnyxEndpoint = "https://api.telnyx.com/v2/messages"

// SMSModule dispatches to Telnyx or the mock provider.
type SMSModule struct {
	apiKey string
	http   *http.Client
	logger *zap.Logger
}

func NewSMSModule(cfg *config.Config, logger *zap.Logger) *SMSModule {
	return &SMSModule{
		apiKey: cfg.TelnyxAPIKey,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (m *SMSModule) Type() domain.ModuleKind { return domain.ModuleSMS }
func (m *SMSModule) Name() string            { return "sms" }
func (m *SMSModule) SupportsBatch() bool     { return false }

func (m *SMSModule) ValidateConfig(raw json.RawMessage) ValidationResult {
	if len(raw) == 0 {
		return invalid("config is required")
	}
	var errs []string
	switch provider := gjson.GetBytes(raw, "provider").String(); provider {
	case "telnyx", "mock":
	case "":
		errs = append(errs, "config.provider is required")
	default:
		errs = append(errs, fmt.Sprintf("unknown sms provider %q", provider))
	}
	if gjson.GetBytes(raw, "from").String() == "" {
		errs = append(errs, "config.from is required")
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return validResult
}

func (m *SMSModule) ValidatePayload(p Payload) ValidationResult {
	var errs []string
	if stringField(p, "to") == "" {
		errs = append(errs, "payload.to is required")
	}
	if stringField(p, "text") == "" {
		errs = append(errs, "payload.text is required")
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return validResult
}

func (m *SMSModule) Execute(ctx context.Context, p Payload, cfg domain.ConfigSnapshot) Result {
	if Provider(cfg) != "telnyx" {
		return MockResult()
	}

	apiKey := m.apiKey
	if CredentialMode(cfg) == domain.ModeBYOK {
		apiKey = gjson.GetBytes(cfg.Config, "api_key").String()
	}
	if apiKey == "" {
		return Result{Error: "telnyx provider not configured", StatusCode: 500}
	}

	reqBody, err := json.Marshal(map[string]string{
		"from": stringField(p, "from"),
		"to":   stringField(p, "to"),
		"text": stringField(p, "text"),
	})
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to encode telnyx request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, telnyxEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to build telnyx request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return Result{Error: fmt.Sprintf("telnyx request failed: %v", err), StatusCode: 502}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return Result{
			Error:      fmt.Sprintf("telnyx returned %d: %s", resp.StatusCode, raw),
			StatusCode: resp.StatusCode,
		}
	}
	return Result{
		Success:           true,
		ProviderMessageID: gjson.GetBytes(raw, "data.id").String(),
		StatusCode:        resp.StatusCode,
	}
}
