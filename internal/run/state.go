package run

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/pipeline"
	"context"
	"sync"
)

// liveRun holds the in-process state of a run started by this service.
type liveRun struct {
	run    *pipeline.Run
	cancel context.CancelFunc
}

// runRepo tracks live runs with thread-safe access.
type runRepo struct {
	mu   sync.RWMutex
	runs map[string]*liveRun
}

func newRunRepo() *runRepo {
	return &runRepo{
		runs: make(map[string]*liveRun),
	}
}

// reserve claims a run ID slot. The slot holds nil until commit is called.
// limit bounds the number of unfinished runs; zero disables the check.
func (r *runRepo) reserve(runID string, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[runID]; exists {
		return apperrors.Conflict("run", runID, "run already exists")
	}
	if limit > 0 && r.activeLocked() >= limit {
		return apperrors.Conflict("run", runID, "maximum number of active runs reached")
	}
	r.runs[runID] = nil
	return nil
}

// commit fills a reserved slot.
func (r *runRepo) commit(runID string, lr *liveRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = lr
}

// release removes a run. Returns the state if it existed.
func (r *runRepo) release(runID string) (*liveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lr, exists := r.runs[runID]
	if exists {
		delete(r.runs, runID)
	}
	return lr, exists
}

// get returns a run. Returns (nil, true) if reserved but not yet committed.
func (r *runRepo) get(runID string) (*liveRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lr, exists := r.runs[runID]
	return lr, exists
}

// list returns the committed runs.
func (r *runRepo) list() []*liveRun {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*liveRun, 0, len(r.runs))
	for _, lr := range r.runs {
		if lr != nil {
			result = append(result, lr)
		}
	}
	return result
}

// active counts reserved and unfinished runs.
func (r *runRepo) active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *runRepo) activeLocked() int {
	n := 0
	for _, lr := range r.runs {
		if lr == nil || !lr.run.State().Terminal() {
			n++
		}
	}
	return n
}
