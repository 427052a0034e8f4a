// Package module holds the pluggable per-channel senders. A module is a
// sealed capability set looked up from a process-local registry; providers
// (SES, Resend, Telnyx, mock) are dispatched inside the module from the
// send-config's "provider" field.
package module

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendfabric/internal/domain"
	"sendfabric/internal/observability"
)

// Payload is the merged, template-rendered per-channel content handed to a
// module's Execute.
type Payload map[string]any

// Result is the outcome of a single provider call.
type Result struct {
	Success           bool
	ProviderMessageID string
	StatusCode        int
	Error             string
	LatencyMs         int64
}

type ValidationResult struct {
	Valid  bool
	Errors []string
}

func invalid(errs ...string) ValidationResult { return ValidationResult{Errors: errs} }

var validResult = ValidationResult{Valid: true}

type Module interface {
	Type() domain.ModuleKind
	Name() string
	SupportsBatch() bool
	ValidateConfig(config json.RawMessage) ValidationResult
	ValidatePayload(payload Payload) ValidationResult
	Execute(ctx context.Context, payload Payload, cfg domain.ConfigSnapshot) Result
}

// BatchModule is implemented by modules whose provider accepts multiple
// recipients per request. Results preserve payload order.
type BatchModule interface {
	Module
	ExecuteBatch(ctx context.Context, payloads []Payload, cfg domain.ConfigSnapshot) []Result
}

// ProviderLimit caps what tenants may configure per provider.
type ProviderLimit struct {
	MaxBatchSize         int
	MaxRequestsPerSecond float64
}

// ProviderLimits is the static provider ceiling table. User-configured rates
// are defaulted from here when absent and capped here when present.
var ProviderLimits = map[string]ProviderLimit{
	"ses":     {MaxBatchSize: 50, MaxRequestsPerSecond: 14},
	"resend":  {MaxBatchSize: 100, MaxRequestsPerSecond: 10},
	"telnyx":  {MaxBatchSize: 1, MaxRequestsPerSecond: 10},
	"webhook": {MaxBatchSize: 1, MaxRequestsPerSecond: 50},
	"mock":    {MaxBatchSize: 100, MaxRequestsPerSecond: 1000},
}

// LimitFor returns the provider ceiling, falling back to the mock limits for
// unknown providers so a misconfigured row cannot disable rate limiting.
func LimitFor(provider string) ProviderLimit {
	if l, ok := ProviderLimits[provider]; ok {
		return l
	}
	return ProviderLimits["mock"]
}

type Registry struct {
	modules map[domain.ModuleKind]Module
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewRegistry(logger *zap.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		modules: make(map[domain.ModuleKind]Module),
		logger:  logger,
		metrics: metrics,
	}
}

func (r *Registry) Register(m Module) {
	r.modules[m.Type()] = m
}

func (r *Registry) Get(kind domain.ModuleKind) (Module, bool) {
	m, ok := r.modules[kind]
	return m, ok
}

// Execute runs a payload through the module for kind, enforcing the dry-run
// bypass and converting panics into failed results so one bad provider SDK
// call cannot take a worker down.
func (r *Registry) Execute(ctx context.Context, kind domain.ModuleKind, payload Payload, cfg domain.ConfigSnapshot, dryRun bool) (res Result) {
	if dryRun {
		return MockResult()
	}

	m, ok := r.modules[kind]
	if !ok {
		return Result{Error: fmt.Sprintf("no module registered for kind %q", kind)}
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("module execute panicked",
				zap.String("module", string(kind)),
				zap.Any("panic", rec))
			res = Result{
				Error:     fmt.Sprintf("module panic: %v", rec),
				LatencyMs: time.Since(start).Milliseconds(),
			}
		}
		provider := Provider(cfg)
		r.metrics.ProviderCallsTotal.WithLabelValues(string(kind), provider, outcomeLabel(res.Success)).Inc()
		r.metrics.ProviderCallDuration.WithLabelValues(string(kind), provider).Observe(time.Since(start).Seconds())
	}()

	res = m.Execute(ctx, payload, cfg)
	if res.LatencyMs == 0 {
		res.LatencyMs = time.Since(start).Milliseconds()
	}
	return res
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// MockResult fabricates the synthetic success used by dry-run batches, test
// API keys and the mock providers.
func MockResult() Result {
	return Result{
		Success:           true,
		ProviderMessageID: "mock-" + uuid.NewString(),
		StatusCode:        200,
		LatencyMs:         1,
	}
}

// Provider extracts the provider name from a send-config blob, defaulting to
// mock when unset.
func Provider(cfg domain.ConfigSnapshot) string {
	var probe struct {
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(cfg.Config, &probe); err != nil || probe.Provider == "" {
		return "mock"
	}
	return probe.Provider
}

// CredentialMode reports whether the config runs on platform credentials.
func CredentialMode(cfg domain.ConfigSnapshot) domain.CredentialMode {
	var probe struct {
		Mode domain.CredentialMode `json:"credential_mode"`
	}
	if err := json.Unmarshal(cfg.Config, &probe); err != nil || probe.Mode == "" {
		return domain.ModeManaged
	}
	return probe.Mode
}
