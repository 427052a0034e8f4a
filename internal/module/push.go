package module

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"sendfabric/internal/domain"
)

// PushModule is registered so push send-configs validate and flow through
// the pipeline; only the mock provider exists until a push gateway lands.
type PushModule struct{}

func NewPushModule() *PushModule { return &PushModule{} }

func (m *PushModule) Type() domain.ModuleKind { return domain.ModulePush }
func (m *PushModule) Name() string            { return "push" }
func (m *PushModule) SupportsBatch() bool     { return true }

func (m *PushModule) ValidateConfig(raw json.RawMessage) ValidationResult {
	if len(raw) == 0 {
		return invalid("config is required")
	}
	if p := gjson.GetBytes(raw, "provider").String(); p != "" && p != "mock" {
		return invalid("only the mock push provider is supported")
	}
	return validResult
}

func (m *PushModule) ValidatePayload(p Payload) ValidationResult {
	if stringField(p, "to") == "" {
		return invalid("payload.to is required")
	}
	if stringField(p, "title") == "" && stringField(p, "body") == "" {
		return invalid("payload needs a title or body")
	}
	return validResult
}

func (m *PushModule) Execute(ctx context.Context, p Payload, cfg domain.ConfigSnapshot) Result {
	return MockResult()
}

func (m *PushModule) ExecuteBatch(ctx context.Context, payloads []Payload, cfg domain.ConfigSnapshot) []Result {
	results := make([]Result, len(payloads))
	for i := range payloads {
		results[i] = MockResult()
	}
	return results
}
