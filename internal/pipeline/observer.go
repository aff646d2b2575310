package pipeline

import (
	"context"
	"time"
)

// Observer receives run lifecycle events. Calls are synchronous on the run's
// goroutine (or an action's goroutine for ActionFinished); implementations must
// be quick and safe for concurrent use.
type Observer interface {
	RunStateChanged(ctx context.Context, run *Run, state RunState)
	ActionFinished(ctx context.Context, run *Run, rec ActionRecord, elapsed time.Duration)
	StackLockAcquired(ctx context.Context, run *Run, stackID string, waited time.Duration)
	RunNotified(ctx context.Context, run *Run, outcome NotificationOutcome)
}

// NopObserver implements Observer with no-ops; embed it to handle a subset of events.
type NopObserver struct{}

func (NopObserver) RunStateChanged(context.Context, *Run, RunState) {}
func (NopObserver) ActionFinished(context.Context, *Run, ActionRecord, time.Duration) {}
func (NopObserver) StackLockAcquired(context.Context, *Run, string, time.Duration) {}
func (NopObserver) RunNotified(context.Context, *Run, NotificationOutcome) {}

// StackLocker grants exclusive use of a stack. Lock blocks until the stack is free
// or ctx is done; unlock is idempotent.
type StackLocker interface {
	Lock(ctx context.Context, stackID, owner string) (unlock func(), err error)
}
