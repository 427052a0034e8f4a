package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ModuleKind string

const (
	ModuleEmail   ModuleKind = "email"
	ModuleSMS     ModuleKind = "sms"
	ModuleWebhook ModuleKind = "webhook"
	ModulePush    ModuleKind = "push"
)

func (k ModuleKind) Valid() bool {
	switch k {
	case ModuleEmail, ModuleSMS, ModuleWebhook, ModulePush:
		return true
	}
	return false
}

// CredentialMode selects whose provider credentials a send-config uses.
// Managed configs share the platform's provider-level rate bucket; BYOK
// configs only pass through the system and per-config buckets.
type CredentialMode string

const (
	ModeManaged CredentialMode = "managed"
	ModeBYOK    CredentialMode = "byok"
)

type RateLimit struct {
	RequestsPerSecond    int `json:"requests_per_second"`
	RecipientsPerRequest int `json:"recipients_per_request"`
	DailyLimit           int `json:"daily_limit"`
}

type SendConfig struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Name      string          `json:"name"`
	Module    ModuleKind      `json:"module"`
	Config    json.RawMessage `json:"config"`
	RateLimit RateLimit       `json:"rate_limit"`
	IsDefault bool            `json:"is_default"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ConfigSnapshot is the reduced send-config embedded in every per-recipient
// job so workers never join back to the send_configs table.
type ConfigSnapshot struct {
	ID        uuid.UUID       `json:"id"`
	Module    ModuleKind      `json:"module"`
	Config    json.RawMessage `json:"config"`
	RateLimit RateLimit       `json:"rate_limit"`
}

func (c *SendConfig) Snapshot() ConfigSnapshot {
	return ConfigSnapshot{
		ID:        c.ID,
		Module:    c.Module,
		Config:    c.Config,
		RateLimit: c.RateLimit,
	}
}
