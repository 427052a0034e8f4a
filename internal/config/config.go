package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Stores
	PostgresURL    string `envconfig:"POSTGRES_URL" required:"true"`
	RedisURL       string `envconfig:"REDIS_URL" required:"true"`
	NATSURL        string `envconfig:"NATS_URL" required:"true"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"migrations"`

	// Orchestrator
	DiscoverInterval    time.Duration `envconfig:"DISCOVER_INTERVAL" default:"5s"`
	SchedulerInterval   time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"30s"`
	SchedulerBatchLimit int           `envconfig:"SCHEDULER_BATCH_LIMIT" default:"100"`
	RecipientPageSize   int           `envconfig:"RECIPIENT_PAGE_SIZE" default:"1000"`

	// Stuck-batch recovery
	RecoveryInterval   time.Duration `envconfig:"BATCH_RECOVERY_INTERVAL" default:"60s"`
	RecoveryThreshold  time.Duration `envconfig:"BATCH_RECOVERY_THRESHOLD" default:"10m"`
	RecoveryMaxPerScan int           `envconfig:"BATCH_RECOVERY_MAX_PER_SCAN" default:"20"`
	RecoveryMaxRetries int           `envconfig:"BATCH_RECOVERY_MAX_RETRIES" default:"3"`

	// Worker
	MaxAckPending   int           `envconfig:"MAX_ACK_PENDING" default:"100"`
	MaxDeliver      int           `envconfig:"MAX_DELIVER" default:"5"`
	ExecuteTimeout  time.Duration `envconfig:"EXECUTE_TIMEOUT" default:"30s"`
	RateWaitTimeout time.Duration `envconfig:"RATE_WAIT_TIMEOUT" default:"5s"`

	// Rate-limit fabric
	SystemRPS   int `envconfig:"SYSTEM_RPS" default:"500"`
	SystemBurst int `envconfig:"SYSTEM_BURST" default:"1000"`

	// Webhook reconciler
	ReconcileBatchSize int           `envconfig:"RECONCILE_BATCH_SIZE" default:"100"`
	ReconcileLinger    time.Duration `envconfig:"RECONCILE_LINGER" default:"250ms"`
	ShutdownDrain      time.Duration `envconfig:"SHUTDOWN_DRAIN" default:"10s"`

	// Event logger
	EventBufferSize    int           `envconfig:"EVENT_BUFFER_SIZE" default:"500"`
	EventFlushInterval time.Duration `envconfig:"EVENT_FLUSH_INTERVAL" default:"2s"`

	// Leader election
	LeaderLeaseTTL      time.Duration `envconfig:"LEADER_LEASE_TTL" default:"15s"`
	LeaderRenewInterval time.Duration `envconfig:"LEADER_RENEW_INTERVAL" default:"5s"`

	// Webhook signature secrets (per provider; empty disables verification)
	ResendWebhookSecret  string `envconfig:"RESEND_WEBHOOK_SECRET"`
	TelnyxPublicKey      string `envconfig:"TELNYX_PUBLIC_KEY"`
	GenericWebhookSecret string `envconfig:"GENERIC_WEBHOOK_SECRET"`

	// Managed provider credentials
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	ResendAPIKey       string `envconfig:"RESEND_API_KEY"`
	TelnyxAPIKey       string `envconfig:"TELNYX_API_KEY"`

	// First-run tenant seeding (development and single-tenant installs)
	BootstrapTenant bool `envconfig:"BOOTSTRAP_TENANT" default:"false"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	Environment    string `envconfig:"ENVIRONMENT" default:"production"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
