package observability

import (
	"cdpipeline/internal/pipeline"
	"context"
	"time"
)

// RunObserver records pipeline run events as metrics.
type RunObserver struct {
	metrics *Metrics
}

// NewRunObserver creates an observer that feeds m.
func NewRunObserver(m *Metrics) *RunObserver {
	return &RunObserver{metrics: m}
}

// RunStateChanged implements pipeline.Observer.
func (o *RunObserver) RunStateChanged(ctx context.Context, run *pipeline.Run, state pipeline.RunState) {
	name := run.Pipeline().Name()
	if state == pipeline.RunRunning {
		o.metrics.RecordRunStarted(ctx, name)
		return
	}
	if !state.Terminal() {
		return
	}

	snap := run.Snapshot()
	var duration time.Duration
	if snap.StartedAt != nil && snap.FinishedAt != nil {
		duration = snap.FinishedAt.Sub(*snap.StartedAt)
	}
	o.metrics.RecordRunFinished(ctx, name, string(state), snap.ErrorKind, duration.Seconds())
	o.metrics.RecordOrphans(ctx, name, len(snap.Orphans))
}

// ActionFinished implements pipeline.Observer.
func (o *RunObserver) ActionFinished(ctx context.Context, run *pipeline.Run, rec pipeline.ActionRecord, elapsed time.Duration) {
	o.metrics.RecordAction(ctx, run.Pipeline().Name(), string(rec.Kind), rec.Result == pipeline.ResultSucceeded, rec.ErrorKind, elapsed.Seconds())
}

// StackLockAcquired implements pipeline.Observer.
func (o *RunObserver) StackLockAcquired(ctx context.Context, run *pipeline.Run, _ string, waited time.Duration) {
	o.metrics.RecordStackLockWait(ctx, run.Pipeline().Name(), waited.Seconds())
}

// RunNotified implements pipeline.Observer.
func (o *RunObserver) RunNotified(ctx context.Context, run *pipeline.Run, outcome pipeline.NotificationOutcome) {
	o.metrics.RecordNotification(ctx, run.Pipeline().Name(), outcome.Delivered)
}

var _ pipeline.Observer = (*RunObserver)(nil)
