package dispatcher

import (
	"testing"
	"time"
)

func TestMemoryConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   MemoryConfig
		want MemoryConfig
	}{
		{
			name: "zero values",
			in:   MemoryConfig{},
			want: MemoryConfig{
				BufferSize: 1000, Workers: 4, HTTPTimeout: 10 * time.Second, DeliveryTimeout: 30 * time.Second,
				MaxRetries: 0, RetryInitial: 100 * time.Millisecond,
				BreakerThreshold: 5, BreakerCooldown: 30 * time.Second, MaxRequeues: 10,
			},
		},
		{
			name: "negative values",
			in:   MemoryConfig{BufferSize: -1, Workers: -1, HTTPTimeout: -1, MaxRetries: -1, BreakerThreshold: -1},
			want: MemoryConfig{
				BufferSize: 1000, Workers: 4, HTTPTimeout: 10 * time.Second, DeliveryTimeout: 30 * time.Second,
				MaxRetries: 3, RetryInitial: 100 * time.Millisecond,
				BreakerThreshold: 5, BreakerCooldown: 30 * time.Second, MaxRequeues: 10,
			},
		},
		{
			name: "valid values preserved",
			in: MemoryConfig{
				BufferSize: 500, Workers: 5, HTTPTimeout: 20 * time.Second, DeliveryTimeout: time.Minute,
				MaxRetries: 1, RetryInitial: time.Second,
				BreakerThreshold: 2, BreakerCooldown: time.Second, MaxRequeues: 3,
			},
			want: MemoryConfig{
				BufferSize: 500, Workers: 5, HTTPTimeout: 20 * time.Second, DeliveryTimeout: time.Minute,
				MaxRetries: 1, RetryInitial: time.Second,
				BreakerThreshold: 2, BreakerCooldown: time.Second, MaxRequeues: 3,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("WEBHOOK_WORKERS", "8")
	t.Setenv("WEBHOOK_BREAKER_COOLDOWN", "5s")

	cfg := LoadConfigFromEnv()
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.BreakerCooldown != 5*time.Second {
		t.Errorf("BreakerCooldown = %v, want 5s", cfg.BreakerCooldown)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
}
