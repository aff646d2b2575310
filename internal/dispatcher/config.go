package dispatcher

import (
	"cdpipeline/internal/config"
	"time"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize      int           // pending events buffer (default: 1000)
	Workers         int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout     time.Duration // per-request timeout (default: 10s)
	DeliveryTimeout time.Duration // budget for all attempts of one event (default: 30s)
	MaxRetries      int           // retries after the first attempt (default: 3)
	RetryInitial    time.Duration // first retry delay (default: 100ms)

	BreakerThreshold int           // consecutive failures before a host's circuit opens (default: 5)
	BreakerCooldown  time.Duration // open circuit wait, also the requeue delay (default: 30s)
	MaxRequeues      int           // requeues on open circuit before dropping (default: 10)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:       config.GetIntEnv("WEBHOOK_BUFFER_SIZE", 1000),
		Workers:          config.GetIntEnv("WEBHOOK_WORKERS", 4),
		HTTPTimeout:      config.GetDurationEnv("WEBHOOK_HTTP_TIMEOUT", 10*time.Second),
		DeliveryTimeout:  config.GetDurationEnv("WEBHOOK_DELIVERY_TIMEOUT", 30*time.Second),
		MaxRetries:       config.GetIntEnv("WEBHOOK_MAX_RETRIES", 3),
		RetryInitial:     config.GetDurationEnv("WEBHOOK_RETRY_INITIAL", 100*time.Millisecond),
		BreakerThreshold: config.GetIntEnv("WEBHOOK_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("WEBHOOK_BREAKER_COOLDOWN", 30*time.Second),
		MaxRequeues:      config.GetIntEnv("WEBHOOK_MAX_REQUEUES", 10),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}
