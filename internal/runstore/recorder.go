package runstore

import (
	"cdpipeline/internal/pipeline"
	"context"
	"log/slog"
	"time"
)

// Recorder is a pipeline observer that saves a snapshot on every state change,
// finished action and notification. Save errors are logged and never affect
// the run.
type Recorder struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store:   store,
		timeout: 5 * time.Second,
		logger:  slog.With("component", "runstore"),
	}
}

func (r *Recorder) save(ctx context.Context, run *pipeline.Run) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Save(ctx, run.Snapshot()); err != nil {
		r.logger.Warn("Failed to save run snapshot", "runId", run.ID(), "error", err)
	}
}

func (r *Recorder) RunStateChanged(ctx context.Context, run *pipeline.Run, _ pipeline.RunState) {
	r.save(ctx, run)
}

func (r *Recorder) ActionFinished(ctx context.Context, run *pipeline.Run, _ pipeline.ActionRecord, _ time.Duration) {
	r.save(ctx, run)
}

func (r *Recorder) StackLockAcquired(context.Context, *pipeline.Run, string, time.Duration) {}

func (r *Recorder) RunNotified(ctx context.Context, run *pipeline.Run, _ pipeline.NotificationOutcome) {
	r.save(ctx, run)
}

var _ pipeline.Observer = (*Recorder)(nil)
