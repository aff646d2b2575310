// Package config loads service settings from the environment and pipeline
// definitions from YAML.
package config

import (
	"time"
)

// Backend names shared by the service settings.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// ServiceConfig holds configuration for the pipeline service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout   time.Duration // Time to wait for in-flight runs after the drain

	DefinitionsFile string // YAML pipeline definitions

	RunRetention        time.Duration // finished runs stay in memory this long
	MaintenanceInterval time.Duration
	HistoryRetention    time.Duration // persisted runs are pruned after this long (0 keeps forever)
	MaxActiveRuns       int           // 0 is unlimited

	ActionTimeout time.Duration
	LockWait      time.Duration
	NotifyTimeout time.Duration

	LockBackend     string // memory | redis
	RunStoreBackend string // memory | postgres
	RedisURL        string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	redisURL := GetSecretFile(GetEnv("REDIS_URL_FILE", ""))
	if redisURL == "" {
		redisURL = GetEnv("REDIS_URL", "")
	}
	return &ServiceConfig{
		Port:                GetEnv("PORT", "8080"),
		MetricsPort:         GetEnv("METRICS_PORT", "9090"),
		APIKey:              GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait:   GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		ShutdownTimeout:     GetDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DefinitionsFile:     GetEnv("PIPELINES_FILE", "pipelines.yml"),
		RunRetention:        GetDurationEnv("RUN_RETENTION", time.Hour),
		MaintenanceInterval: GetDurationEnv("MAINTENANCE_INTERVAL", time.Minute),
		HistoryRetention:    GetDurationEnv("HISTORY_RETENTION", 30*24*time.Hour),
		MaxActiveRuns:       GetIntEnv("MAX_ACTIVE_RUNS", 0),
		ActionTimeout:       GetDurationEnv("ACTION_TIMEOUT", 30*time.Minute),
		LockWait:            GetDurationEnv("STACK_LOCK_WAIT", 10*time.Minute),
		NotifyTimeout:       GetDurationEnv("NOTIFY_TIMEOUT", 30*time.Second),
		LockBackend:         GetEnv("STACK_LOCK_BACKEND", BackendMemory),
		RunStoreBackend:     GetEnv("RUNSTORE_BACKEND", BackendMemory),
		RedisURL:            redisURL,
	}
}
