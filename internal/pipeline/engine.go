package pipeline

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/artifact"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Executor performs one kind of action.
type Executor interface {
	Execute(ctx context.Context, ac *ActionContext) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, ac *ActionContext) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, ac *ActionContext) error {
	return f(ctx, ac)
}

// Defaults for EngineConfig.
const (
	DefaultActionTimeout = 30 * time.Minute
	DefaultLockWait      = 10 * time.Minute
	DefaultNotifyTimeout = 30 * time.Second
)

// EngineConfig holds engine collaborators and limits.
type EngineConfig struct {
	Store     artifact.Store
	Executors map[ActionKind]Executor
	Locker    StackLocker
	Observers []Observer

	// ActionTimeout applies to actions that do not set their own.
	ActionTimeout time.Duration
	// LockWait bounds how long a stage waits for a stack held by another run.
	LockWait time.Duration
	// NotifyTimeout bounds the single notification attempt.
	NotifyTimeout time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.LockWait <= 0 {
		c.LockWait = DefaultLockWait
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	return c
}

// Engine drives runs through their stages.
type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("pipeline engine requires an artifact store")
	}
	if cfg.Locker == nil {
		return nil, errors.New("pipeline engine requires a stack locker")
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		logger: slog.With("component", "pipeline-engine"),
	}, nil
}

// Execute runs the pipeline to a terminal state, fires exactly one notifier and
// returns the failure cause (nil on success). Cancelling ctx stops scheduling of
// further actions; actions already running are awaited.
func (e *Engine) Execute(ctx context.Context, run *Run) error {
	if err := run.start(); err != nil {
		return err
	}
	logger := e.logger.With("runId", run.id, "pipeline", run.pipeline.name, "revision", run.trigger.Revision)
	logger.Info("Run started", "reason", run.trigger.Reason)
	e.emitState(ctx, run, RunRunning)

	var runErr error
	for i := range run.pipeline.stages {
		if ctx.Err() != nil {
			runErr = apperrors.Cancelled(fmt.Sprintf("run cancelled before stage %s", run.pipeline.stages[i].Name))
			break
		}
		if err := e.runStage(ctx, run, i, logger); err != nil {
			runErr = err
			break
		}
	}

	state, err := run.finish(runErr)
	if err != nil {
		// Unreachable while the engine is the only writer of run state.
		logger.Error("Run state transition rejected", "error", err)
		return err
	}
	if state == RunSucceeded {
		logger.Info("Run succeeded")
	} else {
		logger.Warn("Run failed", "error", runErr, "kind", apperrors.KindOf(runErr))
	}
	for _, o := range run.Orphans() {
		logger.Warn("Orphaned change set", "stack", o.StackID, "changeSet", o.ChangeSetName, "reason", o.Reason)
	}
	e.emitState(ctx, run, state)

	e.notify(ctx, run, state, logger)
	close(run.done)
	return runErr
}

func (e *Engine) runStage(ctx context.Context, run *Run, idx int, logger *slog.Logger) (err error) {
	stage := run.pipeline.stages[idx]
	plan := run.pipeline.plans[idx]
	logger = logger.With("stage", stage.Name)

	run.stageStarted(idx)
	defer func() {
		run.stageFinished(idx, err)
		if err != nil {
			logger.Warn("Stage failed", "error", err)
		} else {
			logger.Info("Stage succeeded")
		}
	}()

	unlock, err := e.lockStacks(ctx, run, plan.stacks, logger)
	if err != nil {
		return err
	}
	defer unlock()

	// Executors that outlive their timeout still act on the locked stacks,
	// so the locks are held until they return.
	var detached sync.WaitGroup
	if len(plan.stacks) > 0 {
		defer awaitDetached(&detached, logger)
	}

	logger.Info("Stage started", "partitions", len(plan.partitions))
	for _, partition := range plan.partitions {
		if ctx.Err() != nil {
			return apperrors.Cancelled(fmt.Sprintf("run cancelled during stage %s", stage.Name))
		}

		errs := make([]error, len(partition))
		var wg sync.WaitGroup
		for i, actionIdx := range partition {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = e.runAction(ctx, run, stage.Name, stage.Actions[actionIdx], &detached, logger)
			}()
		}
		wg.Wait()

		for _, perr := range errs {
			if perr != nil {
				return perr
			}
		}
	}
	return nil
}

func awaitDetached(detached *sync.WaitGroup, logger *slog.Logger) {
	returned := make(chan struct{})
	go func() {
		detached.Wait()
		close(returned)
	}()
	select {
	case <-returned:
		return
	default:
	}
	logger.Warn("Holding stack locks until timed-out actions return")
	<-returned
	logger.Info("Timed-out actions returned, releasing stack locks")
}

// lockStacks acquires every stack of a stage in sorted order.
func (e *Engine) lockStacks(ctx context.Context, run *Run, stacks []string, logger *slog.Logger) (func(), error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for _, stack := range stacks {
		start := time.Now()
		lockCtx, cancel := context.WithTimeout(ctx, e.cfg.LockWait)
		unlock, err := e.cfg.Locker.Lock(lockCtx, stack, run.id)
		cancel()
		if err != nil {
			release()
			if ctx.Err() != nil {
				return nil, apperrors.Cancelled(fmt.Sprintf("run cancelled while waiting for stack %s", stack))
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, apperrors.ChangeSetConflict(stack, "", fmt.Sprintf("stack is locked by another run (waited %s)", e.cfg.LockWait))
			}
			return nil, apperrors.ActionFailed("lock "+stack, err)
		}
		waited := time.Since(start)
		logger.Debug("Stack locked", "stack", stack, "waited", waited)
		for _, o := range e.cfg.Observers {
			o.StackLockAcquired(ctx, run, stack, waited)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func (e *Engine) runAction(ctx context.Context, run *Run, stageName string, action Action, detached *sync.WaitGroup, stageLogger *slog.Logger) error {
	kind := action.Spec.Kind()
	logger := stageLogger.With("action", action.Name, "kind", string(kind))
	started := time.Now()
	run.actionStarted(action.Name)

	outputs, err := e.invoke(ctx, run, stageName, action, detached, logger)
	rec := run.actionFinished(action.Name, outputs, err)
	elapsed := time.Since(started)
	for _, o := range e.cfg.Observers {
		o.ActionFinished(context.WithoutCancel(ctx), run, rec, elapsed)
	}

	if err != nil {
		logger.Warn("Action failed", "error", err, "errorKind", rec.ErrorKind, "duration", elapsed)
		return err
	}
	logger.Info("Action succeeded", "duration", elapsed, "outputs", len(outputs))
	return nil
}

// invoke resolves inputs, runs the executor under its time budget and returns the
// outputs of a successful action. Outputs of a failed action are deleted. An
// executor still running at its timeout is tracked in detached until it returns.
func (e *Engine) invoke(ctx context.Context, run *Run, stageName string, action Action, detached *sync.WaitGroup, logger *slog.Logger) ([]artifact.Artifact, error) {
	inputs := make(map[string]artifact.Artifact, len(action.Inputs))
	for _, name := range action.Inputs {
		a, ok := run.artifact(name)
		if !ok {
			return nil, apperrors.ArtifactUnavailable(name)
		}
		inputs[name] = a
	}

	kind := action.Spec.Kind()
	executor, ok := e.cfg.Executors[kind]
	if !ok {
		return nil, apperrors.ActionFailed(action.Name, fmt.Errorf("no executor registered for %s", kind))
	}

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = e.cfg.ActionTimeout
	}

	// An in-flight apply is never interrupted: change-set execution ignores
	// cancellation and deadlines, and a timeout only decides the result.
	var execCtx context.Context
	var cancel context.CancelFunc
	if kind == KindChangeSetExecute {
		execCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	} else {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	ac := newActionContext(run, stageName, action, e.cfg.Store, inputs, logger)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Executor panicked", "panic", r, "stack", string(debug.Stack()))
				done <- fmt.Errorf("executor panic: %v", r)
			}
		}()
		done <- executor.Execute(execCtx, ac)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && execCtx.Err() == context.DeadlineExceeded:
			err = apperrors.ActionTimeout(action.Name, timeout)
		case ctx.Err() != nil && errors.Is(err, context.Canceled):
			err = apperrors.Cancelled(fmt.Sprintf("action %s cancelled", action.Name))
		default:
			err = apperrors.ActionFailed(action.Name, err)
		}
	case <-timer.C:
		err = apperrors.ActionTimeout(action.Name, timeout)
		if kind == KindChangeSetExecute {
			logger.Warn("Change set execution exceeded its timeout and is left to finish", "timeout", timeout)
		} else {
			cancel()
		}
		detached.Add(1)
		go func() {
			defer detached.Done()
			defer cancel()
			if lateErr := <-done; lateErr != nil {
				logger.Debug("Timed-out action returned", "error", lateErr)
			}
		}()
	}

	written := ac.seal()
	if err == nil {
		if missing := ac.missingOutput(); missing != "" {
			err = apperrors.ActionFailed(action.Name, fmt.Errorf("declared output %s was not produced", missing))
		}
	}
	if err != nil {
		ac.discard(context.WithoutCancel(ctx), written)
		return nil, err
	}
	return written, nil
}

func (e *Engine) emitState(ctx context.Context, run *Run, state RunState) {
	ctx = context.WithoutCancel(ctx)
	for _, o := range e.cfg.Observers {
		o.RunStateChanged(ctx, run, state)
	}
}

// notify fires the success or failure notifier once. Delivery failure is recorded
// on the run and logged; the run's terminal state is unaffected.
func (e *Engine) notify(ctx context.Context, run *Run, state RunState, logger *slog.Logger) {
	notifier := run.pipeline.onFailure
	if state == RunSucceeded {
		notifier = run.pipeline.onSuccess
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.NotifyTimeout)
	defer cancel()

	outcome := NotificationOutcome{TopicID: notifier.TopicID, Delivered: true}
	if err := notifier.Publisher.Publish(notifyCtx, notifier.TopicID, newMessage(run)); err != nil {
		outcome.Delivered = false
		outcome.Error = err.Error()
		logger.Error("Notification failed", "topic", notifier.TopicID, "error", err)
	} else {
		logger.Info("Notification published", "topic", notifier.TopicID)
	}
	outcome.At = time.Now()
	run.setNotification(outcome)

	for _, o := range e.cfg.Observers {
		o.RunNotified(notifyCtx, run, outcome)
	}
}
