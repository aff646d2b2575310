package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	if got := GetEnv("CDPIPELINE_TEST_UNSET", "default"); got != "default" {
		t.Errorf("Expected 'default', got %q", got)
	}

	t.Setenv("CDPIPELINE_TEST_STRING", "custom")
	if got := GetEnv("CDPIPELINE_TEST_STRING", "default"); got != "custom" {
		t.Errorf("Expected 'custom', got %q", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset", "", 42},
		{"valid", "7", 7},
		{"invalid", "seven", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CDPIPELINE_TEST_INT", tt.value)
			if got := GetIntEnv("CDPIPELINE_TEST_INT", 42); got != tt.want {
				t.Errorf("GetIntEnv = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   bool
		want  bool
	}{
		{"unset keeps default", "", true, true},
		{"true", "true", false, true},
		{"numeric", "1", false, true},
		{"false", "false", true, false},
		{"invalid keeps default", "yes please", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CDPIPELINE_TEST_BOOL", tt.value)
			if got := GetBoolEnv("CDPIPELINE_TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("GetBoolEnv = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetDurationEnv(t *testing.T) {
	def := 5 * time.Second
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"unset", "", def},
		{"valid", "90s", 90 * time.Second},
		{"invalid", "not-a-duration", def},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CDPIPELINE_TEST_DURATION", tt.value)
			if got := GetDurationEnv("CDPIPELINE_TEST_DURATION", def); got != tt.want {
				t.Errorf("GetDurationEnv = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSecretFile(t *testing.T) {
	if got := GetSecretFile(""); got != "" {
		t.Errorf("Expected empty string for empty path, got %q", got)
	}
	if got := GetSecretFile("/nonexistent/path/to/secret"); got != "" {
		t.Errorf("Expected empty string for nonexistent file, got %q", got)
	}

	path := filepath.Join(t.TempDir(), "api-key")
	if err := os.WriteFile(path, []byte("my-secret-value\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	if got := GetSecretFile(path); got != "my-secret-value" {
		t.Errorf("Expected trimmed secret, got %q", got)
	}
}

func TestLoadServiceConfig(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("RUN_RETENTION", "2h")
	t.Setenv("STACK_LOCK_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("MAX_ACTIVE_RUNS", "4")

	cfg := LoadServiceConfig()
	if cfg.Port != "9000" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.RunRetention != 2*time.Hour {
		t.Errorf("RunRetention = %v", cfg.RunRetention)
	}
	if cfg.LockBackend != BackendRedis || cfg.RedisURL != "redis://cache:6379/0" {
		t.Errorf("lock backend = %q, redis = %q", cfg.LockBackend, cfg.RedisURL)
	}
	if cfg.MaxActiveRuns != 4 {
		t.Errorf("MaxActiveRuns = %d, want 4", cfg.MaxActiveRuns)
	}
	if cfg.RunStoreBackend != BackendMemory {
		t.Errorf("RunStoreBackend = %q, want memory default", cfg.RunStoreBackend)
	}
}
