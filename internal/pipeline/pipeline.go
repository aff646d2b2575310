// Package pipeline models a delivery pipeline as stages of actions over
// immutable artifacts and drives runs of it to a single terminal state.
package pipeline

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/artifact"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sort"
)

const (
	maxNameLength = 128
	maxStages     = 32
	maxActions    = 64
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Notifier is a topic on a notification transport.
type Notifier struct {
	TopicID   string
	Publisher Publisher
}

// Definition is the mutable input to New.
type Definition struct {
	Name        string
	Description string
	Tags        map[string]string
	Stages      []Stage
	OnSuccess   Notifier
	OnFailure   Notifier
}

// Pipeline is a validated, immutable topology shared by all of its runs.
type Pipeline struct {
	name        string
	description string
	tags        map[string]string
	stages      []Stage
	plans       []stagePlan
	onSuccess   Notifier
	onFailure   Notifier
}

// stagePlan is the execution shape of a stage, computed once at definition time.
type stagePlan struct {
	partitions [][]int // action indexes grouped by ascending run order
	stacks     []string
}

// New validates def and freezes it into a Pipeline.
func New(def Definition) (*Pipeline, error) {
	if err := validateName("name", def.Name); err != nil {
		return nil, err
	}
	if len(def.Stages) == 0 {
		return nil, apperrors.Validation("stages", "pipeline must have at least one stage")
	}
	if len(def.Stages) > maxStages {
		return nil, apperrors.Validation("stages", fmt.Sprintf("pipeline exceeds maximum of %d stages", maxStages))
	}
	if err := validateNotifier("onSuccess", def.OnSuccess); err != nil {
		return nil, err
	}
	if err := validateNotifier("onFailure", def.OnFailure); err != nil {
		return nil, err
	}

	p := &Pipeline{
		name:        def.Name,
		description: def.Description,
		tags:        maps.Clone(def.Tags),
		stages:      make([]Stage, len(def.Stages)),
		plans:       make([]stagePlan, len(def.Stages)),
		onSuccess:   def.OnSuccess,
		onFailure:   def.OnFailure,
	}

	stageNames := make(map[string]bool)
	actionNames := make(map[string]bool)
	outputs := make(map[string]string)

	for i, stage := range def.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		if err := validateName(field+".name", stage.Name); err != nil {
			return nil, err
		}
		if stageNames[stage.Name] {
			return nil, apperrors.Validation(field+".name", fmt.Sprintf("duplicate stage name %q", stage.Name))
		}
		stageNames[stage.Name] = true

		if len(stage.Actions) == 0 {
			return nil, apperrors.Validation(field+".actions", fmt.Sprintf("stage %s has no actions", stage.Name))
		}
		if len(stage.Actions) > maxActions {
			return nil, apperrors.Validation(field+".actions", fmt.Sprintf("stage %s exceeds maximum of %d actions", stage.Name, maxActions))
		}

		frozen := Stage{Name: stage.Name, Actions: make([]Action, len(stage.Actions))}
		for j, action := range stage.Actions {
			afield := fmt.Sprintf("%s.actions[%d]", field, j)
			action = cloneAction(action)
			if action.RunOrder == 0 {
				action.RunOrder = 1
			}
			if err := validateAction(afield, action); err != nil {
				return nil, err
			}
			if actionNames[action.Name] {
				return nil, apperrors.Validation(afield+".name", fmt.Sprintf("duplicate action name %q", action.Name))
			}
			actionNames[action.Name] = true

			for k, out := range action.Outputs {
				if producer, ok := outputs[out]; ok {
					return nil, apperrors.Validation(fmt.Sprintf("%s.outputs[%d]", afield, k),
						fmt.Sprintf("artifact %q is already produced by action %s", out, producer))
				}
				outputs[out] = action.Name
			}
			frozen.Actions[j] = action
		}

		p.stages[i] = frozen
		p.plans[i] = planStage(frozen)
	}

	return p, nil
}

func validateName(field, name string) error {
	if name == "" {
		return apperrors.Validation(field, fmt.Sprintf("%s is required", field))
	}
	if len(name) > maxNameLength {
		return apperrors.Validation(field, fmt.Sprintf("%s exceeds maximum length of %d", field, maxNameLength))
	}
	if !namePattern.MatchString(name) {
		return apperrors.Validation(field, fmt.Sprintf("%s %q must be alphanumeric ('.', '_', '-' allowed)", field, name))
	}
	return nil
}

func validateNotifier(field string, n Notifier) error {
	if n.TopicID == "" {
		return apperrors.Validation(field+".topicId", fmt.Sprintf("%s notifier topic is required", field))
	}
	if n.Publisher == nil {
		return apperrors.Validation(field+".publisher", fmt.Sprintf("%s notifier has no publisher", field))
	}
	return nil
}

func validateAction(field string, a Action) error {
	if err := validateName(field+".name", a.Name); err != nil {
		return err
	}
	if a.RunOrder < 1 {
		return apperrors.Validation(field+".runOrder", fmt.Sprintf("%s: run order must be >= 1", field))
	}
	if a.Timeout < 0 {
		return apperrors.Validation(field+".timeout", fmt.Sprintf("%s: timeout must not be negative", field))
	}
	if a.Spec == nil {
		return apperrors.Validation(field+".spec", fmt.Sprintf("%s: action spec is required", field))
	}
	if err := a.Spec.validate(field + ".spec"); err != nil {
		return err
	}
	for i, in := range a.Inputs {
		if err := artifact.ValidateName(fmt.Sprintf("%s.inputs[%d]", field, i), in); err != nil {
			return err
		}
	}
	seen := make(map[string]bool)
	for i, out := range a.Outputs {
		if err := artifact.ValidateName(fmt.Sprintf("%s.outputs[%d]", field, i), out); err != nil {
			return err
		}
		if seen[out] {
			return apperrors.Validation(fmt.Sprintf("%s.outputs[%d]", field, i), fmt.Sprintf("%s: duplicate output %q", field, out))
		}
		seen[out] = true
	}
	if prep, ok := a.Spec.(ChangeSetPrepare); ok && !slices.Contains(a.Inputs, prep.TemplateArtifact) {
		return apperrors.Validation(field+".spec.templateArtifact",
			fmt.Sprintf("%s: template artifact %q must be declared as an input", field, prep.TemplateArtifact))
	}
	return nil
}

func cloneAction(a Action) Action {
	a.Inputs = slices.Clone(a.Inputs)
	a.Outputs = slices.Clone(a.Outputs)
	return a
}

func planStage(s Stage) stagePlan {
	orders := make(map[int][]int)
	stackSet := make(map[string]bool)
	for i, a := range s.Actions {
		orders[a.RunOrder] = append(orders[a.RunOrder], i)
		if sb, ok := a.Spec.(StackBound); ok {
			stackSet[sb.Stack()] = true
		}
	}

	keys := slices.Sorted(maps.Keys(orders))
	plan := stagePlan{partitions: make([][]int, 0, len(keys))}
	for _, k := range keys {
		plan.partitions = append(plan.partitions, orders[k])
	}
	plan.stacks = slices.Sorted(maps.Keys(stackSet))
	return plan
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Description returns the free-form pipeline description.
func (p *Pipeline) Description() string { return p.description }

// Tags returns a copy of the pipeline tags.
func (p *Pipeline) Tags() map[string]string { return maps.Clone(p.tags) }

// OnSuccess returns the success notifier.
func (p *Pipeline) OnSuccess() Notifier { return p.onSuccess }

// OnFailure returns the failure notifier.
func (p *Pipeline) OnFailure() Notifier { return p.onFailure }

// Stages returns a deep copy of the stages.
func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	for i, s := range p.stages {
		actions := make([]Action, len(s.Actions))
		for j, a := range s.Actions {
			actions[j] = cloneAction(a)
		}
		out[i] = Stage{Name: s.Name, Actions: actions}
	}
	return out
}

// LockedStacks returns the stacks a stage holds exclusively while it runs.
func (p *Pipeline) LockedStacks(stage int) []string {
	return slices.Clone(p.plans[stage].stacks)
}

// UnresolvedInputs lists inputs that no earlier action produces, as "action: artifact".
// Such inputs fail at run time with ArtifactUnavailable.
func (p *Pipeline) UnresolvedInputs() []string {
	var problems []string
	available := make(map[string]bool)

	for i, stage := range p.stages {
		for _, partition := range p.plans[i].partitions {
			for _, idx := range partition {
				a := stage.Actions[idx]
				for _, in := range a.Inputs {
					if !available[in] {
						problems = append(problems, fmt.Sprintf("%s: %s", a.Name, in))
					}
				}
			}
			for _, idx := range partition {
				for _, out := range stage.Actions[idx].Outputs {
					available[out] = true
				}
			}
		}
	}
	sort.Strings(problems)
	return problems
}

// Summary is a JSON-friendly view of the topology.
type Summary struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Stages       []Stage           `json:"stages"`
	SuccessTopic string            `json:"successTopic"`
	FailureTopic string            `json:"failureTopic"`
}

// Summary describes the pipeline.
func (p *Pipeline) Summary() Summary {
	return Summary{
		Name:         p.name,
		Description:  p.description,
		Tags:         p.Tags(),
		Stages:       p.Stages(),
		SuccessTopic: p.onSuccess.TopicID,
		FailureTopic: p.onFailure.TopicID,
	}
}
