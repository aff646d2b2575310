package pipeline

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/artifact"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionKind names a member of the action union.
type ActionKind string

const (
	KindSourceFetch      ActionKind = "SourceFetch"
	KindBuild            ActionKind = "Build"
	KindChangeSetPrepare ActionKind = "ChangeSetPrepare"
	KindChangeSetExecute ActionKind = "ChangeSetExecute"
)

// ActionSpec is the kind-specific configuration of an action.
// The set of implementations is closed; executors switch on Kind.
type ActionSpec interface {
	Kind() ActionKind
	validate(field string) error
}

// StackBound is implemented by specs that mutate a target stack.
type StackBound interface {
	Stack() string
}

// SourceFetch retrieves a repository revision into a source artifact.
type SourceFetch struct {
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	Branch        string `json:"branch,omitempty"`
	CredentialRef string `json:"credentialRef,omitempty"`
}

func (SourceFetch) Kind() ActionKind { return KindSourceFetch }

func (s SourceFetch) validate(field string) error {
	if s.Owner == "" {
		return apperrors.Validation(field+".owner", fmt.Sprintf("%s: source owner is required", field))
	}
	if s.Repo == "" {
		return apperrors.Validation(field+".repo", fmt.Sprintf("%s: source repo is required", field))
	}
	return nil
}

// ComputeSize selects the resources given to a build.
type ComputeSize string

const (
	ComputeSmall  ComputeSize = "small"
	ComputeMedium ComputeSize = "medium"
	ComputeLarge  ComputeSize = "large"
)

// Valid reports whether c is a known compute size.
func (c ComputeSize) Valid() bool {
	switch c {
	case ComputeSmall, ComputeMedium, ComputeLarge:
		return true
	}
	return false
}

// Build turns a source artifact into a build artifact.
type Build struct {
	Project    string            `json:"project"`
	Compute    ComputeSize       `json:"compute"`
	ImageClass string            `json:"imageClass"`
	Commands   []string          `json:"commands,omitempty"`
	OutputDir  string            `json:"outputDir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

func (Build) Kind() ActionKind { return KindBuild }

func (b Build) validate(field string) error {
	if b.Project == "" {
		return apperrors.Validation(field+".project", fmt.Sprintf("%s: build project is required", field))
	}
	if !b.Compute.Valid() {
		return apperrors.Validation(field+".compute", fmt.Sprintf("%s: unknown compute size %q (small, medium, large)", field, b.Compute))
	}
	if b.ImageClass == "" {
		return apperrors.Validation(field+".imageClass", fmt.Sprintf("%s: image class is required", field))
	}
	if b.OutputDir != "" {
		if err := artifact.ValidatePath(field+".outputDir", b.OutputDir); err != nil {
			return err
		}
	}
	return nil
}

// ChangeSetPrepare proposes a change set for a stack from a template in an artifact.
type ChangeSetPrepare struct {
	StackID          string `json:"stackId"`
	ChangeSetName    string `json:"changeSetName"`
	TemplateArtifact string `json:"templateArtifact"`
	TemplatePath     string `json:"templatePath"`
}

func (ChangeSetPrepare) Kind() ActionKind { return KindChangeSetPrepare }

func (c ChangeSetPrepare) Stack() string { return c.StackID }

func (c ChangeSetPrepare) validate(field string) error {
	if err := validateStackTarget(field, c.StackID, c.ChangeSetName); err != nil {
		return err
	}
	if err := artifact.ValidateName(field+".templateArtifact", c.TemplateArtifact); err != nil {
		return err
	}
	return artifact.ValidatePath(field+".templatePath", c.TemplatePath)
}

// ChangeSetExecute applies a previously prepared change set.
type ChangeSetExecute struct {
	StackID       string `json:"stackId"`
	ChangeSetName string `json:"changeSetName"`
}

func (ChangeSetExecute) Kind() ActionKind { return KindChangeSetExecute }

func (c ChangeSetExecute) Stack() string { return c.StackID }

func (c ChangeSetExecute) validate(field string) error {
	return validateStackTarget(field, c.StackID, c.ChangeSetName)
}

func validateStackTarget(field, stack, changeSet string) error {
	if strings.TrimSpace(stack) == "" {
		return apperrors.Validation(field+".stackId", fmt.Sprintf("%s: stack id is required", field))
	}
	if strings.TrimSpace(changeSet) == "" {
		return apperrors.Validation(field+".changeSetName", fmt.Sprintf("%s: change set name is required", field))
	}
	return nil
}

// Action is one unit of work within a stage.
type Action struct {
	Name     string
	RunOrder int
	Inputs   []string
	Outputs  []string
	Timeout  time.Duration
	Spec     ActionSpec
}

type actionJSON struct {
	Name     string          `json:"name"`
	Kind     ActionKind      `json:"kind"`
	RunOrder int             `json:"runOrder"`
	Inputs   []string        `json:"inputs,omitempty"`
	Outputs  []string        `json:"outputs,omitempty"`
	Timeout  string          `json:"timeout,omitempty"`
	Spec     json.RawMessage `json:"spec"`
}

// MarshalJSON writes the action with its kind beside the spec.
func (a Action) MarshalJSON() ([]byte, error) {
	raw := actionJSON{
		Name:     a.Name,
		RunOrder: a.RunOrder,
		Inputs:   a.Inputs,
		Outputs:  a.Outputs,
	}
	if a.Timeout > 0 {
		raw.Timeout = a.Timeout.String()
	}
	if a.Spec != nil {
		raw.Kind = a.Spec.Kind()
		spec, err := json.Marshal(a.Spec)
		if err != nil {
			return nil, err
		}
		raw.Spec = spec
	}
	return json.Marshal(raw)
}

// UnmarshalJSON reads the kind first and decodes the spec into the matching type.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw actionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var spec ActionSpec
	switch raw.Kind {
	case KindSourceFetch:
		var s SourceFetch
		if err := json.Unmarshal(raw.Spec, &s); err != nil {
			return fmt.Errorf("failed to unmarshal %s spec: %w", raw.Kind, err)
		}
		spec = s
	case KindBuild:
		var s Build
		if err := json.Unmarshal(raw.Spec, &s); err != nil {
			return fmt.Errorf("failed to unmarshal %s spec: %w", raw.Kind, err)
		}
		spec = s
	case KindChangeSetPrepare:
		var s ChangeSetPrepare
		if err := json.Unmarshal(raw.Spec, &s); err != nil {
			return fmt.Errorf("failed to unmarshal %s spec: %w", raw.Kind, err)
		}
		spec = s
	case KindChangeSetExecute:
		var s ChangeSetExecute
		if err := json.Unmarshal(raw.Spec, &s); err != nil {
			return fmt.Errorf("failed to unmarshal %s spec: %w", raw.Kind, err)
		}
		spec = s
	default:
		return fmt.Errorf("unknown action kind: %q", raw.Kind)
	}

	var timeout time.Duration
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", raw.Timeout, err)
		}
		timeout = d
	}

	*a = Action{
		Name:     raw.Name,
		RunOrder: raw.RunOrder,
		Inputs:   raw.Inputs,
		Outputs:  raw.Outputs,
		Timeout:  timeout,
		Spec:     spec,
	}
	return nil
}

// Stage is an ordered group of actions. Actions sharing a run order run concurrently.
type Stage struct {
	Name    string   `json:"name"`
	Actions []Action `json:"actions"`
}
