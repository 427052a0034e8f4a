package module

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sendfabric/internal/domain"
	"sendfabric/internal/observability"
)

var testMetrics = observability.NewMetrics()

// panicModule blows up on execute so the registry's recovery path can be
// exercised.
type panicModule struct{}

func (panicModule) Type() domain.ModuleKind { return domain.ModuleSMS }
func (panicModule) Name() string            { return "panic" }
func (panicModule) SupportsBatch() bool     { return false }
func (panicModule) ValidateConfig(json.RawMessage) ValidationResult {
	return validResult
}
func (panicModule) ValidatePayload(Payload) ValidationResult { return validResult }
func (panicModule) Execute(context.Context, Payload, domain.ConfigSnapshot) Result {
	panic("provider sdk exploded")
}

func TestRegistryDryRunBypassesModule(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testMetrics)
	r.Register(panicModule{})

	// Dry-run must short-circuit before the module is ever invoked; if it
	// does not, the panic module fails the test.
	res := r.Execute(context.Background(), domain.ModuleSMS, Payload{}, domain.ConfigSnapshot{}, true)

	require.True(t, res.Success)
	assert.True(t, strings.HasPrefix(res.ProviderMessageID, "mock-"),
		"dry-run message id should be synthetic, got %q", res.ProviderMessageID)
}

func TestRegistryRecoversModulePanic(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testMetrics)
	r.Register(panicModule{})

	res := r.Execute(context.Background(), domain.ModuleSMS, Payload{}, domain.ConfigSnapshot{}, false)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "provider sdk exploded")
}

func TestRegistryUnknownModule(t *testing.T) {
	r := NewRegistry(zap.NewNop(), testMetrics)

	res := r.Execute(context.Background(), domain.ModuleEmail, Payload{}, domain.ConfigSnapshot{}, false)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no module registered")
}

func TestLimitFor(t *testing.T) {
	assert.Equal(t, 14.0, LimitFor("ses").MaxRequestsPerSecond)
	// Unknown providers fall back to the mock ceiling instead of unlimited.
	assert.Equal(t, ProviderLimits["mock"], LimitFor("never-heard-of-it"))
}

func TestProviderExtraction(t *testing.T) {
	cfg := domain.ConfigSnapshot{Config: json.RawMessage(`{"provider":"ses","credential_mode":"byok"}`)}
	assert.Equal(t, "ses", Provider(cfg))
	assert.Equal(t, domain.ModeBYOK, CredentialMode(cfg))

	empty := domain.ConfigSnapshot{}
	assert.Equal(t, "mock", Provider(empty))
	assert.Equal(t, domain.ModeManaged, CredentialMode(empty))
}

func TestEmailModuleValidation(t *testing.T) {
	m := &EmailModule{logger: zap.NewNop()}

	tests := []struct {
		name   string
		config string
		valid  bool
	}{
		{"valid ses", `{"provider":"ses","from":"a@b.c"}`, true},
		{"valid mock", `{"provider":"mock","from":"a@b.c"}`, true},
		{"missing provider", `{"from":"a@b.c"}`, false},
		{"unknown provider", `{"provider":"sendgrid","from":"a@b.c"}`, false},
		{"missing from", `{"provider":"ses"}`, false},
		{"byok resend without key", `{"provider":"resend","from":"a@b.c","credential_mode":"byok"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.ValidateConfig(json.RawMessage(tt.config))
			assert.Equal(t, tt.valid, res.Valid, "errors: %v", res.Errors)
		})
	}
}

func TestEmailModulePayloadValidation(t *testing.T) {
	m := &EmailModule{logger: zap.NewNop()}

	ok := m.ValidatePayload(Payload{"to": "a@b.c", "subject": "hi", "text": "body"})
	assert.True(t, ok.Valid)

	missing := m.ValidatePayload(Payload{"to": "a@b.c"})
	assert.False(t, missing.Valid)
	assert.Len(t, missing.Errors, 2)
}
