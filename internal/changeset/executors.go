package changeset

import (
	"bytes"
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/artifact"
	"cdpipeline/internal/pipeline"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// PrepareExecutor runs ChangeSetPrepare actions: it reads the template out of the
// input bundle and creates or replaces the named change set.
type PrepareExecutor struct {
	Provisioner Provisioner
}

// Execute implements pipeline.Executor.
func (e *PrepareExecutor) Execute(ctx context.Context, ac *pipeline.ActionContext) error {
	spec, ok := ac.Spec().(pipeline.ChangeSetPrepare)
	if !ok {
		return fmt.Errorf("prepare executor cannot run %s actions", ac.Spec().Kind())
	}

	template, err := readTemplate(ctx, ac, spec)
	if err != nil {
		return err
	}

	handle, err := e.Provisioner.CreateOrReplaceChangeSet(ctx, spec.StackID, spec.ChangeSetName, template)
	if err != nil {
		return err
	}
	ac.MarkChangeSetPending(spec.StackID, spec.ChangeSetName)
	ac.Logger().Info("Change set prepared",
		"stack", spec.StackID,
		"changeSet", spec.ChangeSetName,
		"changeSetId", handle.ID,
		"changes", len(handle.Changes),
		"reused", handle.Reused,
	)

	// Declared outputs carry the change set description.
	if outputs := ac.Action().Outputs; len(outputs) > 0 {
		body, err := json.Marshal(handle)
		if err != nil {
			return err
		}
		for _, name := range outputs {
			if _, err := ac.PutOutput(ctx, name, bytes.NewReader(body)); err != nil {
				return err
			}
		}
	}
	return nil
}

func readTemplate(ctx context.Context, ac *pipeline.ActionContext, spec pipeline.ChangeSetPrepare) ([]byte, error) {
	rc, err := ac.OpenInput(ctx, spec.TemplateArtifact)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	body, err := artifact.ReadFile(rc, spec.TemplatePath)
	if errors.Is(err, artifact.ErrFileNotInBundle) {
		return nil, apperrors.Validation("templatePath",
			fmt.Sprintf("template %s not found in artifact %s", spec.TemplatePath, spec.TemplateArtifact))
	}
	if err != nil {
		return nil, fmt.Errorf("read template from %s: %w", spec.TemplateArtifact, err)
	}
	return body, nil
}

// ExecuteExecutor runs ChangeSetExecute actions.
type ExecuteExecutor struct {
	Provisioner Provisioner
}

// Execute implements pipeline.Executor. The change set stops being pending once
// it is applied or is known not to exist.
func (e *ExecuteExecutor) Execute(ctx context.Context, ac *pipeline.ActionContext) error {
	spec, ok := ac.Spec().(pipeline.ChangeSetExecute)
	if !ok {
		return fmt.Errorf("execute executor cannot run %s actions", ac.Spec().Kind())
	}

	res, err := e.Provisioner.ExecuteChangeSet(ctx, spec.StackID, spec.ChangeSetName)
	if err != nil {
		if errors.Is(err, apperrors.ErrChangeSetNotFound) {
			ac.MarkChangeSetResolved(spec.StackID, spec.ChangeSetName)
		}
		return err
	}
	ac.MarkChangeSetResolved(spec.StackID, spec.ChangeSetName)
	ac.Logger().Info("Change set executed",
		"stack", spec.StackID,
		"changeSet", spec.ChangeSetName,
		"noOp", res.NoOp,
		"stackStatus", res.StackStatus,
		"version", res.Version,
		"duration", res.Duration,
	)
	return nil
}

// Executors returns the change-set executors keyed by action kind.
func Executors(p Provisioner) map[pipeline.ActionKind]pipeline.Executor {
	return map[pipeline.ActionKind]pipeline.Executor{
		pipeline.KindChangeSetPrepare: &PrepareExecutor{Provisioner: p},
		pipeline.KindChangeSetExecute: &ExecuteExecutor{Provisioner: p},
	}
}
