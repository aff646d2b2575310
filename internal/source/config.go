// Package source fetches repository revisions into source artifacts.
package source

import (
	"cdpipeline/internal/config"
	"time"
)

// Config holds source fetcher configuration.
type Config struct {
	APIURL        string        // GitHub API base URL
	SecretsDir    string        // directory holding one file per credential reference
	HTTPTimeout   time.Duration // per-request timeout for archive downloads
	RetryAttempts int           // attempts for transient failures
	RetryInitial  time.Duration // first retry delay
}

// LoadConfigFromEnv loads source configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		APIURL:        config.GetEnv("GITHUB_API_URL", "https://api.github.com"),
		SecretsDir:    config.GetEnv("SOURCE_SECRETS_DIR", "/run/secrets"),
		HTTPTimeout:   config.GetDurationEnv("SOURCE_HTTP_TIMEOUT", 5*time.Minute),
		RetryAttempts: config.GetIntEnv("SOURCE_RETRY_ATTEMPTS", 4),
		RetryInitial:  config.GetDurationEnv("SOURCE_RETRY_INITIAL", 500*time.Millisecond),
	}
}

func (c Config) withDefaults() Config {
	if c.APIURL == "" {
		c.APIURL = "https://api.github.com"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 5 * time.Minute
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 4
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	return c
}
