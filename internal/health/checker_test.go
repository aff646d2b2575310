package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker().Register("docker", CheckFunc(func(context.Context) error {
		return errors.New("daemon down")
	}), true)

	if response := checker.Liveness(context.Background()); response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	ok := CheckFunc(func(context.Context) error { return nil })
	fail := CheckFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		register   func(c *Checker)
		wantStatus Status
		wantReady  bool
	}{
		{
			name:       "no checks",
			register:   func(*Checker) {},
			wantStatus: StatusHealthy,
			wantReady:  true,
		},
		{
			name: "all healthy",
			register: func(c *Checker) {
				c.Register("docker", ok, true).Register("redis", ok, false)
			},
			wantStatus: StatusHealthy,
			wantReady:  true,
		},
		{
			name: "optional failing degrades",
			register: func(c *Checker) {
				c.Register("docker", ok, true).Register("redis", fail, false)
			},
			wantStatus: StatusDegraded,
			wantReady:  true,
		},
		{
			name: "critical failing",
			register: func(c *Checker) {
				c.Register("docker", fail, true).Register("redis", fail, false)
			},
			wantStatus: StatusUnhealthy,
			wantReady:  false,
		},
		{
			name: "nil checker",
			register: func(c *Checker) {
				c.Register("runstore", nil, true)
			},
			wantStatus: StatusUnhealthy,
			wantReady:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := NewChecker()
			tt.register(c)

			resp := c.Readiness(context.Background())
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s (checks %v)", resp.Status, tt.wantStatus, resp.Checks)
			}
			if resp.IsReady() != tt.wantReady {
				t.Errorf("IsReady = %v, want %v", resp.IsReady(), tt.wantReady)
			}
		})
	}
}

func TestChecker_ReadinessIsCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := NewChecker().Register("docker", CheckFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}), true)

	c.Readiness(context.Background())
	c.Readiness(context.Background())

	if calls.Load() != 1 {
		t.Errorf("check ran %d times, want 1 within the cache window", calls.Load())
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	c := NewChecker().Register("docker", CheckFunc(func(context.Context) error { return nil }), true)
	c.Readiness(context.Background())

	c.SetShuttingDown()

	resp := c.Readiness(context.Background())
	if resp.Status != StatusUnhealthy {
		t.Fatalf("Status = %s, want unhealthy while shutting down", resp.Status)
	}
	if _, ok := resp.Checks["shutdown"]; !ok {
		t.Error("expected shutdown check in response")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := &Response{Status: tt.status}
			if r.IsHealthy() != tt.expected {
				t.Errorf("Expected IsHealthy() = %v for status %s", tt.expected, tt.status)
			}
		})
	}
}
