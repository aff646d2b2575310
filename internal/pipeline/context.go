package pipeline

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/artifact"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
)

// ActionContext is what an executor sees of the run: its action, resolved inputs
// and a sink for declared outputs. Outputs become visible to later actions only
// if the action succeeds.
type ActionContext struct {
	run    *Run
	stage  string
	action Action
	store  artifact.Store
	inputs map[string]artifact.Artifact
	logger *slog.Logger

	mu      sync.Mutex
	outputs map[string]artifact.Artifact
	sealed  bool
}

func newActionContext(run *Run, stage string, action Action, store artifact.Store, inputs map[string]artifact.Artifact, logger *slog.Logger) *ActionContext {
	return &ActionContext{
		run:     run,
		stage:   stage,
		action:  action,
		store:   store,
		inputs:  inputs,
		logger:  logger,
		outputs: make(map[string]artifact.Artifact),
	}
}

// RunID returns the owning run's identifier.
func (ac *ActionContext) RunID() string { return ac.run.id }

// PipelineName returns the owning pipeline's name.
func (ac *ActionContext) PipelineName() string { return ac.run.pipeline.name }

// Revision returns the revision that triggered the run.
func (ac *ActionContext) Revision() string { return ac.run.trigger.Revision }

// Stage returns the stage name.
func (ac *ActionContext) Stage() string { return ac.stage }

// Action returns a copy of the action being executed.
func (ac *ActionContext) Action() Action { return cloneAction(ac.action) }

// Spec returns the action's kind-specific configuration.
func (ac *ActionContext) Spec() ActionSpec { return ac.action.Spec }

// Logger returns a logger annotated with run, stage and action.
func (ac *ActionContext) Logger() *slog.Logger { return ac.logger }

// Input returns a resolved input artifact.
func (ac *ActionContext) Input(name string) (artifact.Artifact, error) {
	a, ok := ac.inputs[name]
	if !ok {
		return artifact.Artifact{}, apperrors.ArtifactUnavailable(name)
	}
	return a, nil
}

// OpenInput opens a resolved input artifact for reading.
func (ac *ActionContext) OpenInput(ctx context.Context, name string) (io.ReadCloser, error) {
	a, err := ac.Input(name)
	if err != nil {
		return nil, err
	}
	return ac.store.Open(ctx, a)
}

// PutOutput writes one declared output. Each output can be written once.
func (ac *ActionContext) PutOutput(ctx context.Context, name string, body io.Reader) (artifact.Artifact, error) {
	if !slices.Contains(ac.action.Outputs, name) {
		return artifact.Artifact{}, apperrors.Validation("outputs", fmt.Sprintf("action %s does not declare output %s", ac.action.Name, name))
	}

	ac.mu.Lock()
	if ac.sealed {
		ac.mu.Unlock()
		return artifact.Artifact{}, apperrors.Conflict("action", ac.action.Name, fmt.Sprintf("action %s already finished", ac.action.Name))
	}
	if _, ok := ac.outputs[name]; ok {
		ac.mu.Unlock()
		return artifact.Artifact{}, apperrors.Conflict("artifact", name, fmt.Sprintf("output %s already written", name))
	}
	ac.mu.Unlock()

	ref := artifact.Ref{RunID: ac.run.id, Name: name}
	a, err := ac.store.Put(ctx, ref, ac.action.Name, body)
	if err != nil {
		return artifact.Artifact{}, err
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.sealed {
		// Timed out while writing; the result is already decided.
		if derr := ac.store.Delete(context.WithoutCancel(ctx), ref); derr != nil {
			ac.logger.Warn("Failed to discard late output", "artifact", name, "error", derr)
		}
		return artifact.Artifact{}, apperrors.Conflict("action", ac.action.Name, fmt.Sprintf("action %s already finished", ac.action.Name))
	}
	ac.outputs[name] = a
	return a, nil
}

// MarkChangeSetPending records a change set this run created and must consume.
func (ac *ActionContext) MarkChangeSetPending(stackID, name string) {
	ac.run.markPending(stackID, name, ac.action.Name)
}

// MarkChangeSetResolved records that a change set was consumed or never existed.
func (ac *ActionContext) MarkChangeSetResolved(stackID, name string) {
	ac.run.resolvePending(stackID, name)
}

// seal stops further writes and returns the outputs written so far.
func (ac *ActionContext) seal() []artifact.Artifact {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.sealed = true
	out := make([]artifact.Artifact, 0, len(ac.outputs))
	for _, name := range ac.action.Outputs {
		if a, ok := ac.outputs[name]; ok {
			out = append(out, a)
		}
	}
	return out
}

// missingOutput returns the first declared output that was not written.
func (ac *ActionContext) missingOutput() string {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	for _, name := range ac.action.Outputs {
		if _, ok := ac.outputs[name]; !ok {
			return name
		}
	}
	return ""
}

// discard deletes outputs of a failed action so they can never be read.
func (ac *ActionContext) discard(ctx context.Context, written []artifact.Artifact) {
	for _, a := range written {
		if err := ac.store.Delete(ctx, artifact.Ref{RunID: a.RunID, Name: a.Name}); err != nil {
			ac.logger.Warn("Failed to discard output of failed action", "artifact", a.Name, "error", err)
		}
	}
}
