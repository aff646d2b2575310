// Package runstore persists run snapshots so run history outlives the process
// and can be listed by pipeline.
package runstore

import (
	"cdpipeline/internal/pipeline"
	"context"
	"time"
)

// DefaultListLimit caps List when Filter.Limit is not set.
const DefaultListLimit = 50

// Filter selects runs for List. Zero fields match everything.
type Filter struct {
	Pipeline string
	State    pipeline.RunState
	Limit    int
}

// MaxResults returns Limit, or DefaultListLimit when Limit is not set.
func (f Filter) MaxResults() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Matches reports whether s passes the pipeline and state filters.
func (f Filter) Matches(s pipeline.Snapshot) bool {
	if f.Pipeline != "" && s.Pipeline != f.Pipeline {
		return false
	}
	if f.State != "" && s.State != f.State {
		return false
	}
	return true
}

// Store persists run snapshots keyed by run ID.
type Store interface {
	// Save inserts or replaces the snapshot of a run.
	Save(ctx context.Context, s pipeline.Snapshot) error
	// Get returns the latest snapshot of a run, or a NotFound error.
	Get(ctx context.Context, runID string) (pipeline.Snapshot, error)
	// List returns matching runs, newest first.
	List(ctx context.Context, f Filter) ([]pipeline.Snapshot, error)
	// Prune deletes terminal runs that finished before cutoff and returns how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
