package module

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"sendfabric/internal/config"
	"sendfabric/internal/domain"
)

const resendEndpoint = "https://api.resend.com/emails"

// EmailModule dispatches to SES, Resend or the mock provider based on the
// send-config's "provider" field.
type EmailModule struct {
	ses    *sesv2.Client
	resend string
	http   *http.Client
	logger *zap.Logger
}

func NewEmailModule(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*EmailModule, error) {
	m := &EmailModule{
		resend: cfg.ResendAPIKey,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}

	if cfg.AWSAccessKeyID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.AWSRegion),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		m.ses = sesv2.NewFromConfig(awsCfg)
	}
	return m, nil
}

func (m *EmailModule) Type() domain.ModuleKind { return domain.ModuleEmail }
func (m *EmailModule) Name() string            { return "email" }
func (m *EmailModule) SupportsBatch() bool     { return false }

func (m *EmailModule) ValidateConfig(raw json.RawMessage) ValidationResult {
	if len(raw) == 0 {
		return invalid("config is required")
	}
	var errs []string
	provider := gjson.GetBytes(raw, "provider").String()
	switch provider {
	case "ses", "resend", "mock":
	case "":
		errs = append(errs, "config.provider is required")
	default:
		errs = append(errs, fmt.Sprintf("unknown email provider %q", provider))
	}
	if gjson.GetBytes(raw, "from").String() == "" {
		errs = append(errs, "config.from is required")
	}
	if provider == "resend" && gjson.GetBytes(raw, "credential_mode").String() == string(domain.ModeBYOK) &&
		gjson.GetBytes(raw, "api_key").String() == "" {
		errs = append(errs, "config.api_key is required for byok resend configs")
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return validResult
}

func (m *EmailModule) ValidatePayload(p Payload) ValidationResult {
	var errs []string
	if stringField(p, "to") == "" {
		errs = append(errs, "payload.to is required")
	}
	if stringField(p, "subject") == "" {
		errs = append(errs, "payload.subject is required")
	}
	if stringField(p, "html") == "" && stringField(p, "text") == "" {
		errs = append(errs, "payload needs html or text content")
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return validResult
}

func (m *EmailModule) Execute(ctx context.Context, p Payload, cfg domain.ConfigSnapshot) Result {
	switch Provider(cfg) {
	case "ses":
		return m.executeSES(ctx, p)
	case "resend":
		return m.executeResend(ctx, p, cfg)
	default:
		return MockResult()
	}
}

func (m *EmailModule) executeSES(ctx context.Context, p Payload) Result {
	if m.ses == nil {
		return Result{Error: "ses provider not configured", StatusCode: 500}
	}

	body := &types.Body{}
	if html := stringField(p, "html"); html != "" {
		body.Html = &types.Content{Data: aws.String(html)}
	}
	if text := stringField(p, "text"); text != "" {
		body.Text = &types.Content{Data: aws.String(text)}
	}

	out, err := m.ses.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(stringField(p, "from")),
		Destination: &types.Destination{
			ToAddresses: []string{stringField(p, "to")},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(stringField(p, "subject"))},
				Body:    body,
			},
		},
	})
	if err != nil {
		return Result{Error: fmt.Sprintf("ses send failed: %v", err), StatusCode: 502}
	}
	return Result{
		Success:           true,
		ProviderMessageID: aws.ToString(out.MessageId),
		StatusCode:        200,
	}
}

func (m *EmailModule) executeResend(ctx context.Context, p Payload, cfg domain.ConfigSnapshot) Result {
	apiKey := m.resend
	if CredentialMode(cfg) == domain.ModeBYOK {
		apiKey = gjson.GetBytes(cfg.Config, "api_key").String()
	}
	if apiKey == "" {
		return Result{Error: "resend provider not configured", StatusCode: 500}
	}

	reqBody, err := json.Marshal(map[string]any{
		"from":    stringField(p, "from"),
		"to":      []string{stringField(p, "to")},
		"subject": stringField(p, "subject"),
		"html":    stringField(p, "html"),
		"text":    stringField(p, "text"),
	})
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to encode resend request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resendEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to build resend request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return Result{Error: fmt.Sprintf("resend request failed: %v", err), StatusCode: 502}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return Result{
			Error:      fmt.Sprintf("resend returned %d: %s", resp.StatusCode, raw),
			StatusCode: resp.StatusCode,
		}
	}
	return Result{
		Success:           true,
		ProviderMessageID: gjson.GetBytes(raw, "id").String(),
		StatusCode:        resp.StatusCode,
	}
}
