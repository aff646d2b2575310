package topology

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/config"
	"cdpipeline/internal/pipeline"
	"context"
	"errors"
	"testing"
	"time"
)

var nop = pipeline.PublisherFunc(func(context.Context, string, *pipeline.Message) error { return nil })

func webSpec(targets ...config.DeploySpec) config.PipelineSpec {
	return config.PipelineSpec{
		Name:   "web",
		Tags:   map[string]string{"project": "web"},
		Source: config.SourceSpec{Owner: "acme", Repo: "web"},
		Build:  config.BuildSpec{Commands: []string{"make"}},
		Deploy: targets,
	}
}

func TestDefinition_SingleTarget(t *testing.T) {
	t.Parallel()
	def, err := Definition(webSpec(config.DeploySpec{Stack: "web-dev", Environment: "dev"}), Options{Publisher: nop})
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}

	if def.Name != "web-Pipeline" {
		t.Errorf("Name = %q", def.Name)
	}
	if def.OnSuccess.TopicID != "web-Pipeline-Complete" || def.OnFailure.TopicID != "web-Pipeline-Failed" {
		t.Errorf("topics = %q / %q", def.OnSuccess.TopicID, def.OnFailure.TopicID)
	}
	if def.Tags["project"] != "web" || def.Tags["environment.web-dev"] != "dev" {
		t.Errorf("tags = %v", def.Tags)
	}

	wantStages := []string{"Source", "Build", "Deploy"}
	if len(def.Stages) != len(wantStages) {
		t.Fatalf("stages = %d, want %d", len(def.Stages), len(wantStages))
	}
	for i, name := range wantStages {
		if def.Stages[i].Name != name {
			t.Errorf("stage[%d] = %q, want %q", i, def.Stages[i].Name, name)
		}
	}

	checkout := def.Stages[0].Actions[0]
	src := checkout.Spec.(pipeline.SourceFetch)
	if checkout.Name != "Checkout" || src.CredentialRef != DefaultCredentialRef || src.Branch != "main" {
		t.Errorf("source action = %+v", checkout)
	}
	if checkout.Outputs[0] != "web-RepoArtifact" {
		t.Errorf("source output = %v", checkout.Outputs)
	}

	build := def.Stages[1].Actions[0]
	b := build.Spec.(pipeline.Build)
	if build.Name != "Build-web-Project" || b.Compute != pipeline.ComputeSmall || b.ImageClass != "amazonlinux2" {
		t.Errorf("build action = %+v", build)
	}
	if build.Inputs[0] != "web-RepoArtifact" || build.Outputs[0] != "web-BuildArtifact" {
		t.Errorf("build artifacts = %v -> %v", build.Inputs, build.Outputs)
	}

	deploy := def.Stages[2].Actions
	prep := deploy[0].Spec.(pipeline.ChangeSetPrepare)
	if deploy[0].Name != "web-PrepareChanges" || deploy[0].RunOrder != 1 {
		t.Errorf("prepare = %s order %d", deploy[0].Name, deploy[0].RunOrder)
	}
	if prep.ChangeSetName != "web-dev-ChangeSet" || prep.TemplatePath != "web-Changes.yml" || prep.TemplateArtifact != "web-BuildArtifact" {
		t.Errorf("prepare spec = %+v", prep)
	}
	if deploy[1].Name != "web-ExecuteChanges" || deploy[1].RunOrder != 2 {
		t.Errorf("execute = %s order %d", deploy[1].Name, deploy[1].RunOrder)
	}
}

func TestDefinition_MultipleTargets(t *testing.T) {
	t.Parallel()
	def, err := Definition(webSpec(
		config.DeploySpec{Stack: "web-beta", Environment: "beta", Timeout: "5m"},
		config.DeploySpec{Stack: "web-prod", Environment: "prod", TemplatePath: "prod.yml"},
	), Options{Publisher: nop, Defaults: config.Defaults{ActionTimeout: "20m"}})
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}

	if len(def.Stages) != 4 {
		t.Fatalf("stages = %d, want 4", len(def.Stages))
	}
	beta, prod := def.Stages[2], def.Stages[3]
	if beta.Name != "Deploy-web-beta" || prod.Name != "Deploy-web-prod" {
		t.Errorf("deploy stages = %q, %q", beta.Name, prod.Name)
	}
	if beta.Actions[0].Name != "web-beta-PrepareChanges" || prod.Actions[1].Name != "web-prod-ExecuteChanges" {
		t.Errorf("deploy action names = %q, %q", beta.Actions[0].Name, prod.Actions[1].Name)
	}
	if beta.Actions[0].Timeout != 5*time.Minute || prod.Actions[0].Timeout != 20*time.Minute {
		t.Errorf("timeouts = %v, %v", beta.Actions[0].Timeout, prod.Actions[0].Timeout)
	}
	if got := prod.Actions[0].Spec.(pipeline.ChangeSetPrepare).TemplatePath; got != "prod.yml" {
		t.Errorf("template path override = %q", got)
	}

	if _, err := pipeline.New(def); err != nil {
		t.Fatalf("pipeline.New rejected the topology: %v", err)
	}
}

func TestDefinition_Overrides(t *testing.T) {
	t.Parallel()
	spec := webSpec(config.DeploySpec{Stack: "web-dev"})
	spec.Source.CredentialRef = "AcmeToken"
	spec.Source.Branch = "release"
	spec.Build.Compute = "large"
	spec.Notifications = config.NotificationSpec{OnSuccess: "redis:deploys", OnFailure: "webhook:ops"}

	def, err := Definition(spec, Options{Publisher: nop, Defaults: config.Defaults{ImageClass: "standard", CredentialRef: "Shared"}})
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}

	src := def.Stages[0].Actions[0].Spec.(pipeline.SourceFetch)
	if src.CredentialRef != "AcmeToken" || src.Branch != "release" {
		t.Errorf("source = %+v", src)
	}
	b := def.Stages[1].Actions[0].Spec.(pipeline.Build)
	if b.Compute != pipeline.ComputeLarge || b.ImageClass != "standard" {
		t.Errorf("build = %+v", b)
	}
	if def.OnSuccess.TopicID != "redis:deploys" || def.OnFailure.TopicID != "webhook:ops" {
		t.Errorf("topics = %q / %q", def.OnSuccess.TopicID, def.OnFailure.TopicID)
	}
}

func TestDefinition_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		spec config.PipelineSpec
		opts Options
	}{
		{"no publisher", webSpec(config.DeploySpec{Stack: "s"}), Options{}},
		{"no targets", webSpec(), Options{Publisher: nop}},
		{"unknown environment", webSpec(config.DeploySpec{Stack: "s", Environment: "qa"}), Options{Publisher: nop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Definition(tt.spec, tt.opts); !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()
	f := &config.File{
		Version: 1,
		Pipelines: []config.PipelineSpec{
			webSpec(config.DeploySpec{Stack: "web-dev"}),
			{
				Name:   "api",
				Source: config.SourceSpec{Owner: "acme", Repo: "api"},
				Deploy: []config.DeploySpec{{Stack: "api-dev"}},
			},
		},
	}

	pipelines, err := Build(f, nop)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(pipelines) != 2 || pipelines[1].Name() != "api-Pipeline" {
		t.Fatalf("unexpected pipelines: %d", len(pipelines))
	}
	if got := pipelines[0].LockedStacks(2); len(got) != 1 || got[0] != "web-dev" {
		t.Errorf("LockedStacks = %v", got)
	}
}
