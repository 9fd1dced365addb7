package billing

import (
	"time"

	"github.com/ManuelReschke/OrgAdmin/internal/pkg/env"
)

const (
	DefaultGracePeriod       = 7 * 24 * time.Hour
	DefaultWarningWindow     = 7 * 24 * time.Hour
	DefaultSweepBatchSize    = 500
	DefaultWebhookMaxRetries = 3
	DefaultWebhookRetryBatch = 10

	DefaultSweepInterval        = time.Hour
	DefaultWebhookRetryInterval = 5 * time.Minute
)

// Config holds the tunables of the lifecycle engine.
type Config struct {
	GracePeriod          time.Duration
	WarningWindow        time.Duration
	SweepInterval        time.Duration
	SweepBatchSize       int
	WebhookMaxRetries    int
	WebhookRetryBatch    int
	WebhookRetryInterval time.Duration
	RetryBackoffBase     time.Duration
	RetryBackoffMax      time.Duration
	GatewayTimeout       time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod:          DefaultGracePeriod,
		WarningWindow:        DefaultWarningWindow,
		SweepInterval:        DefaultSweepInterval,
		SweepBatchSize:       DefaultSweepBatchSize,
		WebhookMaxRetries:    DefaultWebhookMaxRetries,
		WebhookRetryBatch:    DefaultWebhookRetryBatch,
		WebhookRetryInterval: DefaultWebhookRetryInterval,
		RetryBackoffBase:     time.Minute,
		RetryBackoffMax:      time.Hour,
		GatewayTimeout:       10 * time.Second,
	}
}

// LoadConfig reads BILLING_* and WEBHOOK_* variables on top of the defaults.
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.GracePeriod = time.Duration(env.GetEnvInt("BILLING_GRACE_PERIOD_DAYS", 7)) * 24 * time.Hour
	cfg.WarningWindow = time.Duration(env.GetEnvInt("BILLING_WARNING_DAYS", 7)) * 24 * time.Hour
	cfg.SweepInterval = time.Duration(env.GetEnvInt("BILLING_SWEEP_INTERVAL_MINUTES", 60)) * time.Minute
	cfg.SweepBatchSize = env.GetEnvInt("BILLING_SWEEP_BATCH_SIZE", DefaultSweepBatchSize)
	cfg.WebhookMaxRetries = env.GetEnvInt("WEBHOOK_MAX_RETRIES", DefaultWebhookMaxRetries)
	cfg.WebhookRetryBatch = env.GetEnvInt("WEBHOOK_RETRY_BATCH", DefaultWebhookRetryBatch)
	cfg.WebhookRetryInterval = time.Duration(env.GetEnvInt("WEBHOOK_RETRY_INTERVAL_MINUTES", 5)) * time.Minute
	cfg.RetryBackoffBase = time.Duration(env.GetEnvInt("WEBHOOK_RETRY_BACKOFF_SECONDS", 60)) * time.Second
	cfg.RetryBackoffMax = time.Duration(env.GetEnvInt("WEBHOOK_RETRY_BACKOFF_MAX_SECONDS", 3600)) * time.Second
	cfg.GatewayTimeout = time.Duration(env.GetEnvInt("GATEWAY_TIMEOUT_SECONDS", 10)) * time.Second
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.WarningWindow <= 0 {
		c.WarningWindow = d.WarningWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	if c.WebhookMaxRetries <= 0 {
		c.WebhookMaxRetries = d.WebhookMaxRetries
	}
	if c.WebhookRetryBatch <= 0 {
		c.WebhookRetryBatch = d.WebhookRetryBatch
	}
	if c.WebhookRetryInterval <= 0 {
		c.WebhookRetryInterval = d.WebhookRetryInterval
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = d.GatewayTimeout
	}
	if c.RetryBackoffBase < 0 {
		c.RetryBackoffBase = 0
	}
	if c.RetryBackoffMax < c.RetryBackoffBase {
		c.RetryBackoffMax = c.RetryBackoffBase
	}
	return c
}
