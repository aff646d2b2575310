// Package topology builds the standard source -> build -> deploy pipeline from a
// definitions entry, applying the naming and defaults every pipeline shares.
package topology

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/config"
	"cdpipeline/internal/pipeline"
	"fmt"
	"maps"
	"time"
)

// Defaults applied when neither the pipeline nor the file sets a value.
const (
	DefaultCredentialRef = "GithubPersonalAccessToken"
	DefaultCompute       = pipeline.ComputeSmall
	DefaultImageClass    = "amazonlinux2"
	DefaultBranch        = "main"

	SourceActionName = "Checkout"

	StageSource = "Source"
	StageBuild  = "Build"
	StageDeploy = "Deploy"
)

// Environment names a deployment environment a target stack belongs to.
type Environment string

const (
	EnvDev   Environment = "dev"
	EnvAlpha Environment = "alpha"
	EnvBeta  Environment = "beta"
	EnvGamma Environment = "gamma"
	EnvProd  Environment = "prod"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	switch e {
	case EnvDev, EnvAlpha, EnvBeta, EnvGamma, EnvProd:
		return true
	}
	return false
}

// PipelineName is the pipeline identity for a definitions entry.
func PipelineName(name string) string { return name + "-Pipeline" }

// SuccessTopic is the default topic for succeeded runs.
func SuccessTopic(pipelineName string) string { return pipelineName + "-Complete" }

// FailureTopic is the default topic for failed runs.
func FailureTopic(pipelineName string) string { return pipelineName + "-Failed" }

// RepoArtifact is the checked-out source.
func RepoArtifact(name string) string { return name + "-RepoArtifact" }

// BuildArtifact is the build output, which also carries the deploy template.
func BuildArtifact(name string) string { return name + "-BuildArtifact" }

// BuildProject is the build action and project name.
func BuildProject(name string) string { return "Build-" + name + "-Project" }

// ChangeSetName is the change set a pipeline keeps for a stack.
func ChangeSetName(stack string) string { return stack + "-ChangeSet" }

// TemplatePath is the default template location inside the build artifact.
func TemplatePath(name string) string { return name + "-Changes.yml" }

// Options supplies what a definitions entry cannot: the file-level defaults
// and the publisher that resolves topics.
type Options struct {
	Defaults  config.Defaults
	Publisher pipeline.Publisher
}

// Definition turns spec into a pipeline definition.
func Definition(spec config.PipelineSpec, opts Options) (pipeline.Definition, error) {
	if opts.Publisher == nil {
		return pipeline.Definition{}, apperrors.Validation("publisher", "a notification publisher is required")
	}
	if len(spec.Deploy) == 0 {
		return pipeline.Definition{}, apperrors.Validation("deploy", fmt.Sprintf("pipeline %s has no deploy targets", spec.Name))
	}

	name := PipelineName(spec.Name)
	actionTimeout := config.ParseDuration(opts.Defaults.ActionTimeout, 0)

	source := pipeline.Stage{Name: StageSource, Actions: []pipeline.Action{{
		Name:    SourceActionName,
		Outputs: []string{RepoArtifact(spec.Name)},
		Timeout: actionTimeout,
		Spec: pipeline.SourceFetch{
			Owner:         spec.Source.Owner,
			Repo:          spec.Source.Repo,
			Branch:        firstNonEmpty(spec.Source.Branch, DefaultBranch),
			CredentialRef: firstNonEmpty(spec.Source.CredentialRef, opts.Defaults.CredentialRef, DefaultCredentialRef),
		},
	}}}

	build := pipeline.Stage{Name: StageBuild, Actions: []pipeline.Action{{
		Name:    BuildProject(spec.Name),
		Inputs:  []string{RepoArtifact(spec.Name)},
		Outputs: []string{BuildArtifact(spec.Name)},
		Timeout: config.ParseDuration(spec.Build.Timeout, actionTimeout),
		Spec: pipeline.Build{
			Project:    BuildProject(spec.Name),
			Compute:    pipeline.ComputeSize(firstNonEmpty(spec.Build.Compute, opts.Defaults.Compute, string(DefaultCompute))),
			ImageClass: firstNonEmpty(spec.Build.ImageClass, opts.Defaults.ImageClass, DefaultImageClass),
			Commands:   append([]string(nil), spec.Build.Commands...),
			OutputDir:  spec.Build.OutputDir,
			Env:        maps.Clone(spec.Build.Env),
		},
	}}}

	tags := maps.Clone(spec.Tags)
	if tags == nil {
		tags = make(map[string]string)
	}

	stages := []pipeline.Stage{source, build}
	multi := len(spec.Deploy) > 1
	for _, target := range spec.Deploy {
		if target.Environment != "" {
			env := Environment(target.Environment)
			if !env.Valid() {
				return pipeline.Definition{}, apperrors.Validation("deploy.environment",
					fmt.Sprintf("stack %s: unknown environment %q (dev, alpha, beta, gamma, prod)", target.Stack, target.Environment))
			}
			tags["environment."+target.Stack] = string(env)
		}
		stages = append(stages, deployStage(spec.Name, target, multi, config.ParseDuration(target.Timeout, actionTimeout)))
	}

	return pipeline.Definition{
		Name:        name,
		Description: spec.Description,
		Tags:        tags,
		Stages:      stages,
		OnSuccess: pipeline.Notifier{
			TopicID:   firstNonEmpty(spec.Notifications.OnSuccess, SuccessTopic(name)),
			Publisher: opts.Publisher,
		},
		OnFailure: pipeline.Notifier{
			TopicID:   firstNonEmpty(spec.Notifications.OnFailure, FailureTopic(name)),
			Publisher: opts.Publisher,
		},
	}, nil
}

// deployStage prepares then executes the change set of one stack. With several
// targets each gets its own stage and stack-prefixed action names.
func deployStage(name string, target config.DeploySpec, multi bool, timeout time.Duration) pipeline.Stage {
	stageName, prefix := StageDeploy, name
	if multi {
		stageName, prefix = StageDeploy+"-"+target.Stack, target.Stack
	}
	changeSet := ChangeSetName(target.Stack)

	return pipeline.Stage{Name: stageName, Actions: []pipeline.Action{
		{
			Name:     prefix + "-PrepareChanges",
			RunOrder: 1,
			Inputs:   []string{BuildArtifact(name)},
			Timeout:  timeout,
			Spec: pipeline.ChangeSetPrepare{
				StackID:          target.Stack,
				ChangeSetName:    changeSet,
				TemplateArtifact: BuildArtifact(name),
				TemplatePath:     firstNonEmpty(target.TemplatePath, TemplatePath(name)),
			},
		},
		{
			Name:     prefix + "-ExecuteChanges",
			RunOrder: 2,
			Timeout:  timeout,
			Spec:     pipeline.ChangeSetExecute{StackID: target.Stack, ChangeSetName: changeSet},
		},
	}}
}

// Build constructs every pipeline in f.
func Build(f *config.File, publisher pipeline.Publisher) ([]*pipeline.Pipeline, error) {
	out := make([]*pipeline.Pipeline, 0, len(f.Pipelines))
	for _, spec := range f.Pipelines {
		def, err := Definition(spec, Options{Defaults: f.Defaults, Publisher: publisher})
		if err != nil {
			return nil, err
		}
		p, err := pipeline.New(def)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", spec.Name, err)
		}
		if unresolved := p.UnresolvedInputs(); len(unresolved) > 0 {
			return nil, apperrors.Validation("inputs", fmt.Sprintf("pipeline %s: unresolved inputs %v", spec.Name, unresolved))
		}
		out = append(out, p)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
