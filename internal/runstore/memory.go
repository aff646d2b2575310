package runstore

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/pipeline"
	"context"
	"sort"
	"sync"
	"time"
)

// Memory keeps snapshots in process memory.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]pipeline.Snapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]pipeline.Snapshot)}
}

func (m *Memory) Save(_ context.Context, s pipeline.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[s.ID] = s
	return nil
}

func (m *Memory) Get(_ context.Context, runID string) (pipeline.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.runs[runID]
	if !ok {
		return pipeline.Snapshot{}, apperrors.NotFound("run", runID)
	}
	return s, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]pipeline.Snapshot, error) {
	m.mu.RLock()
	out := make([]pipeline.Snapshot, 0, len(m.runs))
	for _, s := range m.runs {
		if f.Matches(s) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := f.MaxResults(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, s := range m.runs {
		if s.State.Terminal() && s.FinishedAt != nil && s.FinishedAt.Before(cutoff) {
			delete(m.runs, id)
			pruned++
		}
	}
	return pruned, nil
}

// Len returns the number of stored runs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}

var _ Store = (*Memory)(nil)
