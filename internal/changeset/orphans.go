package changeset

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/pipeline"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// OrphanRegistry collects change sets left behind by runs across the service so
// an operator can inspect and discard them.
type OrphanRegistry struct {
	pipeline.NopObserver

	discarder Discarder
	logger    *slog.Logger

	mu      sync.RWMutex
	orphans map[string]pipeline.Orphan
}

// NewOrphanRegistry creates a registry. discarder may be nil, in which case
// Discard only forgets the entry.
func NewOrphanRegistry(discarder Discarder) *OrphanRegistry {
	return &OrphanRegistry{
		discarder: discarder,
		logger:    slog.With("component", "orphan-registry"),
		orphans:   make(map[string]pipeline.Orphan),
	}
}

func orphanKey(stackID, name string) string {
	return stackID + "/" + name
}

// RunStateChanged records orphans of runs that reached a terminal state.
func (r *OrphanRegistry) RunStateChanged(_ context.Context, run *pipeline.Run, state pipeline.RunState) {
	if !state.Terminal() {
		return
	}
	for _, o := range run.Orphans() {
		r.Record(o)
	}
}

// Record adds or replaces an orphan. A later run leaving the same change set
// behind replaces the earlier entry.
func (r *OrphanRegistry) Record(o pipeline.Orphan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphans[orphanKey(o.StackID, o.ChangeSetName)] = o
}

// Forget drops an entry, typically because a later run executed the change set.
func (r *OrphanRegistry) Forget(stackID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orphans, orphanKey(stackID, name))
}

// ActionFinished forgets orphans consumed by a successful execute.
func (r *OrphanRegistry) ActionFinished(_ context.Context, run *pipeline.Run, rec pipeline.ActionRecord, _ time.Duration) {
	if rec.Kind != pipeline.KindChangeSetExecute || rec.Result != pipeline.ResultSucceeded {
		return
	}
	for _, stage := range run.Pipeline().Stages() {
		for _, a := range stage.Actions {
			if a.Name != rec.Name {
				continue
			}
			if spec, ok := a.Spec.(pipeline.ChangeSetExecute); ok {
				r.Forget(spec.StackID, spec.ChangeSetName)
			}
		}
	}
}

// List returns all known orphans ordered by stack and change set name.
func (r *OrphanRegistry) List() []pipeline.Orphan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := slices.Sorted(maps.Keys(r.orphans))
	out := make([]pipeline.Orphan, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.orphans[k])
	}
	return out
}

// Len returns the number of known orphans.
func (r *OrphanRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orphans)
}

// Discard deletes an orphaned change set from its stack and forgets it.
func (r *OrphanRegistry) Discard(ctx context.Context, stackID, name string) error {
	r.mu.RLock()
	_, ok := r.orphans[orphanKey(stackID, name)]
	r.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("orphaned change set", orphanKey(stackID, name))
	}

	if r.discarder != nil {
		err := r.discarder.DeleteChangeSet(ctx, stackID, name)
		if err != nil && !errors.Is(err, apperrors.ErrChangeSetNotFound) {
			return err
		}
	}
	r.Forget(stackID, name)
	r.logger.Info("Orphaned change set discarded", "stack", stackID, "changeSet", name)
	return nil
}
