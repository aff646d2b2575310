package build

import (
	"bytes"
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/artifact"
	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/stacklock"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
)

type fakeRunner struct {
	mu     sync.Mutex
	req    *Request
	source []byte
	output map[string][]byte
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, req *Request, out io.Writer) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req = req
	if req.Source != nil {
		b, err := io.ReadAll(req.Source)
		if err != nil {
			return nil, err
		}
		f.source = b
	}
	if f.err != nil {
		return nil, f.err
	}
	if err := artifact.PackFiles(out, f.output); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

func runBuild(t *testing.T, runner Runner, spec pipeline.Build) (*pipeline.Run, *artifact.MemoryStore, error) {
	t.Helper()
	store := artifact.NewMemoryStore()
	engine, err := pipeline.NewEngine(pipeline.EngineConfig{
		Store:  store,
		Locker: stacklock.NewMemory(),
		Executors: map[pipeline.ActionKind]pipeline.Executor{
			pipeline.KindSourceFetch: pipeline.ExecutorFunc(func(ctx context.Context, ac *pipeline.ActionContext) error {
				var buf bytes.Buffer
				if err := artifact.PackFiles(&buf, map[string][]byte{"main.go": []byte("package main")}); err != nil {
					return err
				}
				_, err := ac.PutOutput(ctx, "svc-RepoArtifact", &buf)
				return err
			}),
			pipeline.KindBuild: NewExecutor(runner, nil),
		},
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	nop := pipeline.PublisherFunc(func(context.Context, string, *pipeline.Message) error { return nil })
	p, err := pipeline.New(pipeline.Definition{
		Name: "svc",
		Stages: []pipeline.Stage{
			{Name: "Source", Actions: []pipeline.Action{{
				Name: "Checkout", Outputs: []string{"svc-RepoArtifact"},
				Spec: pipeline.SourceFetch{Owner: "acme", Repo: "svc"},
			}}},
			{Name: "Build", Actions: []pipeline.Action{{
				Name: "Build-svc-Project", Inputs: []string{"svc-RepoArtifact"}, Outputs: []string{"svc-BuildArtifact"},
				Spec: spec,
			}}},
		},
		OnSuccess: pipeline.Notifier{TopicID: "ok", Publisher: nop},
		OnFailure: pipeline.Notifier{TopicID: "ko", Publisher: nop},
	})
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}
	run := pipeline.NewRun(p, pipeline.Trigger{Revision: "abc"})
	return run, store, engine.Execute(context.Background(), run)
}

func TestExecutor_Success(t *testing.T) {
	runner := &fakeRunner{output: map[string][]byte{"svc-Changes.yml": []byte("Resources: {}")}}
	run, store, err := runBuild(t, runner, pipeline.Build{
		Project:    "svc",
		Compute:    pipeline.ComputeMedium,
		ImageClass: "amazonlinux2",
		Commands:   []string{"make build"},
		OutputDir:  "dist",
		Env:        map[string]string{"GOFLAGS": "-mod=mod"},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	req := runner.req
	if req.Image != "amazonlinux:2" {
		t.Errorf("expected amazonlinux:2, got %s", req.Image)
	}
	if req.Profile != (Profile{CPUs: 4, MemoryMB: 7 * 1024}) {
		t.Errorf("unexpected profile %+v", req.Profile)
	}
	if req.Env["SOURCE_REVISION"] != "abc" || req.Env["GOFLAGS"] != "-mod=mod" {
		t.Errorf("unexpected env %v", req.Env)
	}
	if req.OutputDir != "dist" || len(req.Commands) != 1 {
		t.Errorf("unexpected request %+v", req)
	}
	if src, err := artifact.ReadFile(bytes.NewReader(runner.source), "main.go"); err != nil || string(src) != "package main" {
		t.Errorf("runner did not receive the source bundle: %q %v", src, err)
	}

	var build artifact.Artifact
	for _, a := range run.Snapshot().Artifacts {
		if a.Name == "svc-BuildArtifact" {
			build = a
		}
	}
	rc, err := store.Open(context.Background(), build)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()
	if body, err := artifact.ReadFile(rc, "svc-Changes.yml"); err != nil || string(body) != "Resources: {}" {
		t.Errorf("unexpected build artifact content %q %v", body, err)
	}
}

func TestExecutor_RunnerFailure(t *testing.T) {
	runner := &fakeRunner{err: &ExitError{Code: 2}}
	run, store, err := runBuild(t, runner, pipeline.Build{Project: "svc", Compute: pipeline.ComputeSmall, ImageClass: "amazonlinux2"})

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("expected exit code 2, got %v", err)
	}
	if !errors.Is(err, apperrors.ErrActionExecutionFailed) {
		t.Errorf("expected ActionExecutionFailed, got %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("expected only the source artifact, got %d", store.Len())
	}
	if run.Snapshot().FailedAction != "Build-svc-Project" {
		t.Errorf("unexpected failed action %s", run.Snapshot().FailedAction)
	}
}

func TestExecutor_UnknownImageClass(t *testing.T) {
	_, _, err := runBuild(t, &fakeRunner{}, pipeline.Build{Project: "svc", Compute: pipeline.ComputeSmall, ImageClass: "windows2019"})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestResolveImage(t *testing.T) {
	tests := []struct {
		class   string
		want    string
		wantErr bool
	}{
		{class: "amazonlinux2", want: "amazonlinux:2"},
		{class: "golang:1.25", want: "golang:1.25"},
		{class: "ghcr.io/acme/builder", want: "ghcr.io/acme/builder"},
		{class: "mystery", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			got, err := ResolveImage(DefaultImages, tt.class)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %s", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("expected %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestProfileFor(t *testing.T) {
	for _, size := range []pipeline.ComputeSize{pipeline.ComputeSmall, pipeline.ComputeMedium, pipeline.ComputeLarge} {
		p, err := ProfileFor(size)
		if err != nil || p.CPUs <= 0 || p.MemoryMB <= 0 {
			t.Errorf("%s: unexpected profile %+v (%v)", size, p, err)
		}
	}
	if _, err := ProfileFor("xl"); err == nil {
		t.Error("expected error for unknown size")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("BUILD_IMAGES", "node=node:22, amazonlinux2=amazonlinux:2023")
	t.Setenv("BUILD_EXTRA_HOSTS", "registry.local:10.0.0.1")

	cfg := LoadConfigFromEnv()
	if cfg.Images["node"] != "node:22" || cfg.Images["amazonlinux2"] != "amazonlinux:2023" {
		t.Errorf("unexpected images %v", cfg.Images)
	}
	if DefaultImages["amazonlinux2"] != "amazonlinux:2" {
		t.Error("LoadConfigFromEnv modified DefaultImages")
	}
	if len(cfg.ExtraHosts) != 1 || cfg.Workspace != "/workspace" {
		t.Errorf("unexpected config %+v", cfg)
	}
}
