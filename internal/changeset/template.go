package changeset

import (
	"bytes"
	"cdpipeline/internal/apperrors"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"
)

// Resource is one logical resource declared by a template. Every attribute
// takes part in change detection.
type Resource struct {
	Type                string         `yaml:"Type" json:"Type"`
	Properties          map[string]any `yaml:"Properties,omitempty" json:"Properties,omitempty"`
	DependsOn           any            `yaml:"DependsOn,omitempty" json:"DependsOn,omitempty"`
	Condition           string         `yaml:"Condition,omitempty" json:"Condition,omitempty"`
	Metadata            map[string]any `yaml:"Metadata,omitempty" json:"Metadata,omitempty"`
	DeletionPolicy      string         `yaml:"DeletionPolicy,omitempty" json:"DeletionPolicy,omitempty"`
	UpdateReplacePolicy string         `yaml:"UpdateReplacePolicy,omitempty" json:"UpdateReplacePolicy,omitempty"`
	CreationPolicy      map[string]any `yaml:"CreationPolicy,omitempty" json:"CreationPolicy,omitempty"`
	UpdatePolicy        map[string]any `yaml:"UpdatePolicy,omitempty" json:"UpdatePolicy,omitempty"`
}

// Template is a parsed deployment template (YAML or JSON). Unknown
// top-level sections are rejected so misspelt keys do not pass silently.
type Template struct {
	FormatVersion string              `yaml:"AWSTemplateFormatVersion,omitempty"`
	Description   string              `yaml:"Description,omitempty"`
	Transform     any                 `yaml:"Transform,omitempty"`
	Metadata      map[string]any      `yaml:"Metadata,omitempty"`
	Parameters    map[string]any      `yaml:"Parameters,omitempty"`
	Rules         map[string]any      `yaml:"Rules,omitempty"`
	Mappings      map[string]any      `yaml:"Mappings,omitempty"`
	Conditions    map[string]any      `yaml:"Conditions,omitempty"`
	Resources     map[string]Resource `yaml:"Resources"`
	Outputs       map[string]any      `yaml:"Outputs,omitempty"`

	digest string
}

// Digest returns the sha256 of the template bytes it was parsed from.
func (t *Template) Digest() string { return t.digest }

// ParseTemplate parses and checks a template. Malformed input is a validation error.
func ParseTemplate(body []byte) (*Template, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apperrors.Validation("template", "template is empty")
	}

	var t Template
	dec := yaml.NewDecoder(bytes.NewReader(body))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, apperrors.Validation("template", fmt.Sprintf("malformed template: %v", err))
	}
	if len(t.Resources) == 0 {
		return nil, apperrors.Validation("template.Resources", "template must declare at least one resource")
	}
	for id, r := range t.Resources {
		if r.Type == "" {
			return nil, apperrors.Validation("template.Resources."+id, fmt.Sprintf("resource %s has no Type", id))
		}
	}

	sum := sha256.Sum256(body)
	t.digest = "sha256:" + hex.EncodeToString(sum[:])
	return &t, nil
}

// Diff lists the changes that turn old into new, ordered by logical id.
// A nil old template means the stack has no resources yet.
func Diff(old, new *Template) []Change {
	var before map[string]Resource
	if old != nil {
		before = old.Resources
	}
	after := new.Resources

	ids := make(map[string]bool)
	for id := range before {
		ids[id] = true
	}
	for id := range after {
		ids[id] = true
	}

	changes := []Change{}
	for _, id := range slices.Sorted(maps.Keys(ids)) {
		prev, hadPrev := before[id]
		next, hasNext := after[id]
		switch {
		case !hadPrev:
			changes = append(changes, Change{Action: ChangeAdd, LogicalID: id, ResourceType: next.Type})
		case !hasNext:
			changes = append(changes, Change{Action: ChangeRemove, LogicalID: id, ResourceType: prev.Type})
		case prev.Type != next.Type:
			changes = append(changes, Change{Action: ChangeModify, LogicalID: id, ResourceType: next.Type, Replacement: true})
		case !sameResource(prev, next):
			changes = append(changes, Change{Action: ChangeModify, LogicalID: id, ResourceType: next.Type})
		}
	}
	return changes
}

// sameResource compares resources by canonical JSON; encoding/json sorts map keys.
func sameResource(a, b Resource) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
