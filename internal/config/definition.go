package config

import (
	"bytes"
	"cdpipeline/internal/apperrors"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File is a pipeline definitions document.
type File struct {
	Version   int                    `yaml:"version" json:"version"`
	Defaults  Defaults               `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Webhooks  map[string]WebhookSpec `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Pipelines []PipelineSpec         `yaml:"pipelines" json:"pipelines"`
}

// Defaults apply to every pipeline that leaves the field unset.
type Defaults struct {
	CredentialRef string `yaml:"credentialRef,omitempty" json:"credentialRef,omitempty"`
	Compute       string `yaml:"compute,omitempty" json:"compute,omitempty"`
	ImageClass    string `yaml:"imageClass,omitempty" json:"imageClass,omitempty"`
	ActionTimeout string `yaml:"actionTimeout,omitempty" json:"actionTimeout,omitempty"`
}

// WebhookSpec is a named webhook notification target.
type WebhookSpec struct {
	URL            string `yaml:"url" json:"url"`
	SigningKeyFile string `yaml:"signingKeyFile,omitempty" json:"signingKeyFile,omitempty"`
}

// PipelineSpec describes one source -> build -> deploy pipeline.
type PipelineSpec struct {
	Name          string            `yaml:"name" json:"name"`
	Description   string            `yaml:"description,omitempty" json:"description,omitempty"`
	Tags          map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Source        SourceSpec        `yaml:"source" json:"source"`
	Build         BuildSpec         `yaml:"build" json:"build"`
	Deploy        []DeploySpec      `yaml:"deploy" json:"deploy"`
	Notifications NotificationSpec  `yaml:"notifications,omitempty" json:"notifications,omitempty"`
}

// SourceSpec is the repository a pipeline checks out.
type SourceSpec struct {
	Owner         string `yaml:"owner" json:"owner"`
	Repo          string `yaml:"repo" json:"repo"`
	Branch        string `yaml:"branch,omitempty" json:"branch,omitempty"`
	CredentialRef string `yaml:"credentialRef,omitempty" json:"credentialRef,omitempty"`
}

// BuildSpec configures the build project.
type BuildSpec struct {
	Compute    string            `yaml:"compute,omitempty" json:"compute,omitempty"`
	ImageClass string            `yaml:"imageClass,omitempty" json:"imageClass,omitempty"`
	Commands   []string          `yaml:"commands,omitempty" json:"commands,omitempty"`
	OutputDir  string            `yaml:"outputDir,omitempty" json:"outputDir,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout    string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DeploySpec is one target stack.
type DeploySpec struct {
	Stack        string `yaml:"stack" json:"stack"`
	Environment  string `yaml:"environment,omitempty" json:"environment,omitempty"`
	TemplatePath string `yaml:"templatePath,omitempty" json:"templatePath,omitempty"`
	Timeout      string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// NotificationSpec overrides the default completion topics.
type NotificationSpec struct {
	OnSuccess string `yaml:"onSuccess,omitempty" json:"onSuccess,omitempty"`
	OnFailure string `yaml:"onFailure,omitempty" json:"onFailure,omitempty"`
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// LoadDefinitions reads, expands and validates a definitions file.
func LoadDefinitions(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions %s: %w", path, err)
	}
	return ParseDefinitions(data, os.LookupEnv)
}

// ParseDefinitions expands ${VAR} and ${VAR:-default} references using lookup,
// validates the result against the schema and decodes it strictly.
func ParseDefinitions(data []byte, lookup LookupFunc) (*File, error) {
	expanded, err := ExpandEnv(string(data), lookup)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := yaml.Unmarshal([]byte(expanded), &generic); err != nil {
		return nil, apperrors.Validation("definitions", fmt.Sprintf("definitions: invalid YAML: %v", err))
	}
	if generic == nil {
		return nil, apperrors.Validation("definitions", "definitions: document is empty")
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, apperrors.Validation("definitions", fmt.Sprintf("definitions: unsupported YAML structure: %v", err))
	}
	problems, err := ValidateSchema(asJSON)
	if err != nil {
		return nil, apperrors.Internal("config.schema", err)
	}
	if len(problems) > 0 {
		return nil, apperrors.Validation("definitions", "definitions: "+strings.Join(problems, "; "))
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, apperrors.Validation("definitions", fmt.Sprintf("definitions: %v", err))
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

var envRef = regexp.MustCompile(`\$?\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default}; $${VAR} is kept as a literal
// ${VAR}. Bare $VAR is left alone so shell commands pass through. A referenced
// variable that is unset and has no default is an error.
func ExpandEnv(s string, lookup LookupFunc) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "$$") {
			return match[1:]
		}
		sub := envRef.FindStringSubmatch(match)
		if v, ok := lookup(sub[1]); ok && v != "" {
			return v
		}
		if sub[2] != "" {
			return sub[3]
		}
		missing = append(missing, sub[1])
		return ""
	})
	if len(missing) > 0 {
		return "", apperrors.Validation("definitions", fmt.Sprintf("definitions: unset environment variables: %s", strings.Join(missing, ", ")))
	}
	return out, nil
}

// Validate checks the rules the schema cannot express.
func (f *File) Validate() error {
	if err := checkDuration("defaults.actionTimeout", f.Defaults.ActionTimeout); err != nil {
		return err
	}

	names := make(map[string]bool, len(f.Pipelines))
	for i, p := range f.Pipelines {
		field := fmt.Sprintf("pipelines[%d]", i)
		if names[p.Name] {
			return apperrors.Validation(field+".name", fmt.Sprintf("%s: duplicate pipeline name %q", field, p.Name))
		}
		names[p.Name] = true

		if err := checkDuration(field+".build.timeout", p.Build.Timeout); err != nil {
			return err
		}
		stacks := make(map[string]bool, len(p.Deploy))
		for j, d := range p.Deploy {
			dfield := fmt.Sprintf("%s.deploy[%d]", field, j)
			if stacks[d.Stack] {
				return apperrors.Validation(dfield+".stack", fmt.Sprintf("%s: stack %q is deployed twice", dfield, d.Stack))
			}
			stacks[d.Stack] = true
			if err := checkDuration(dfield+".timeout", d.Timeout); err != nil {
				return err
			}
		}
		for _, topic := range []string{p.Notifications.OnSuccess, p.Notifications.OnFailure} {
			if name, ok := strings.CutPrefix(topic, "webhook:"); ok {
				if _, found := f.Webhooks[name]; !found {
					return apperrors.Validation(field+".notifications", fmt.Sprintf("%s: unknown webhook %q", field, name))
				}
			}
		}
	}
	return nil
}

// Pipeline returns the spec with the given name.
func (f *File) Pipeline(name string) (PipelineSpec, bool) {
	for _, p := range f.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return PipelineSpec{}, false
}

func checkDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return apperrors.Validation(field, fmt.Sprintf("%s: invalid duration %q", field, value))
	}
	return nil
}

// ParseDuration returns value as a duration, or fallback when empty.
// Values are validated by ParseDefinitions.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
