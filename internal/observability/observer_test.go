package observability

import (
	"cdpipeline/internal/artifact"
	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/stacklock"
	"context"
	"errors"
	"testing"
)

func TestRunObserver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	engine, err := pipeline.NewEngine(pipeline.EngineConfig{
		Store:  artifact.NewMemoryStore(),
		Locker: stacklock.NewMemory(),
		Executors: map[pipeline.ActionKind]pipeline.Executor{
			pipeline.KindChangeSetExecute: pipeline.ExecutorFunc(func(context.Context, *pipeline.ActionContext) error {
				return errors.New("stack is busy")
			}),
		},
		Observers: []pipeline.Observer{NewRunObserver(metrics)},
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	nop := pipeline.PublisherFunc(func(context.Context, string, *pipeline.Message) error { return nil })
	p, err := pipeline.New(pipeline.Definition{
		Name: "svc",
		Stages: []pipeline.Stage{{Name: "Deploy", Actions: []pipeline.Action{{
			Name: "execute",
			Spec: pipeline.ChangeSetExecute{StackID: "S", ChangeSetName: "S-ChangeSet"},
		}}}},
		OnSuccess: pipeline.Notifier{TopicID: "ok", Publisher: nop},
		OnFailure: pipeline.Notifier{TopicID: "ko", Publisher: nop},
	})
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}

	// Should not panic
	run := pipeline.NewRun(p, pipeline.Trigger{Revision: "r"})
	if err := engine.Execute(ctx, run); err == nil {
		t.Fatal("expected run to fail")
	}
	if run.State() != pipeline.RunFailed {
		t.Errorf("expected Failed, got %s", run.State())
	}
}
