package runstore

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/pipeline"
	"context"
	"errors"
	"testing"
	"time"
)

func snapshot(id, name string, state pipeline.RunState, created time.Time, finished *time.Time) pipeline.Snapshot {
	return pipeline.Snapshot{
		ID:         id,
		Pipeline:   name,
		State:      state,
		Trigger:    pipeline.Trigger{Revision: "abc123"},
		CreatedAt:  created,
		FinishedAt: finished,
	}
}

func TestMemory_SaveGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()

	if err := m.Save(ctx, snapshot("r1", "web-Pipeline", pipeline.RunRunning, base, nil)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Save(ctx, snapshot("r1", "web-Pipeline", pipeline.RunSucceeded, base, &base)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != pipeline.RunSucceeded {
		t.Errorf("State = %s, want latest save to win", got.State)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestMemory_List(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()

	_ = m.Save(ctx, snapshot("r1", "web-Pipeline", pipeline.RunSucceeded, base, nil))
	_ = m.Save(ctx, snapshot("r2", "api-Pipeline", pipeline.RunFailed, base.Add(time.Second), nil))
	_ = m.Save(ctx, snapshot("r3", "web-Pipeline", pipeline.RunFailed, base.Add(2*time.Second), nil))

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"r3", "r2", "r1"}},
		{"by pipeline", Filter{Pipeline: "web-Pipeline"}, []string{"r3", "r1"}},
		{"by state", Filter{State: pipeline.RunFailed}, []string{"r3", "r2"}},
		{"limit", Filter{Limit: 1}, []string{"r3"}},
		{"no match", Filter{Pipeline: "other"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List returned %d runs, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("List[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestMemory_Prune(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	_ = m.Save(ctx, snapshot("old-done", "p", pipeline.RunSucceeded, old, &old))
	_ = m.Save(ctx, snapshot("new-done", "p", pipeline.RunFailed, now, &now))
	_ = m.Save(ctx, snapshot("old-running", "p", pipeline.RunRunning, old, nil))

	n, err := m.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, err := m.Get(ctx, "old-done"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Error("old terminal run should be pruned")
	}
	if _, err := m.Get(ctx, "old-running"); err != nil {
		t.Error("running run must never be pruned")
	}
}

func TestPostgresConfig_Validate(t *testing.T) {
	t.Parallel()
	valid := PostgresConfig{URL: "postgres://localhost/cd", PingTimeout: time.Second, MaxOpenConns: 4, MaxIdleConns: 2}

	tests := []struct {
		name    string
		mutate  func(*PostgresConfig)
		wantErr bool
	}{
		{"valid", func(*PostgresConfig) {}, false},
		{"missing url", func(c *PostgresConfig) { c.URL = "" }, true},
		{"zero ping timeout", func(c *PostgresConfig) { c.PingTimeout = 0 }, true},
		{"no connections", func(c *PostgresConfig) { c.MaxOpenConns = 0 }, true},
		{"idle above open", func(c *PostgresConfig) { c.MaxIdleConns = 5 }, true},
		{"negative lifetime", func(c *PostgresConfig) { c.ConnMaxLifetime = -time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPostgresConfigFromEnv(t *testing.T) {
	t.Setenv("RUNSTORE_DATABASE_URL", "postgres://runs@db/cd")
	t.Setenv("RUNSTORE_MAX_OPEN_CONNS", "3")

	cfg := PostgresConfigFromEnv()
	if cfg.URL != "postgres://runs@db/cd" {
		t.Errorf("URL = %q", cfg.URL)
	}
	if cfg.MaxOpenConns != 3 {
		t.Errorf("MaxOpenConns = %d, want 3", cfg.MaxOpenConns)
	}
}
