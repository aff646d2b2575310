package pipeline

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestAction_JSON(t *testing.T) {
	actions := []Action{
		{Name: "checkout", RunOrder: 1, Outputs: []string{"src"}, Spec: SourceFetch{Owner: "acme", Repo: "svc", Branch: "main"}},
		{
			Name: "build", RunOrder: 1, Inputs: []string{"src"}, Outputs: []string{"bin"}, Timeout: 20 * time.Minute,
			Spec: Build{Project: "svc", Compute: ComputeLarge, ImageClass: "amazonlinux2", Commands: []string{"make"}},
		},
		{
			Name: "prepare", RunOrder: 1, Inputs: []string{"bin"},
			Spec: ChangeSetPrepare{StackID: "S", ChangeSetName: "S-ChangeSet", TemplateArtifact: "bin", TemplatePath: "t.yml"},
		},
		{Name: "execute", RunOrder: 2, Spec: ChangeSetExecute{StackID: "S", ChangeSetName: "S-ChangeSet"}},
	}

	for _, want := range actions {
		t.Run(want.Name, func(t *testing.T) {
			data, err := json.Marshal(want)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if !strings.Contains(string(data), `"kind":"`+string(want.Spec.Kind())+`"`) {
				t.Errorf("expected kind in %s", data)
			}

			var got Action
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("expected %+v, got %+v", want, got)
			}
		})
	}
}

func TestAction_UnmarshalErrors(t *testing.T) {
	tests := map[string]string{
		"unknown kind":  `{"name":"a","kind":"Teleport","spec":{}}`,
		"bad spec":      `{"name":"a","kind":"Build","spec":{"compute":7}}`,
		"bad timeout":   `{"name":"a","kind":"ChangeSetExecute","timeout":"soon","spec":{}}`,
		"malformed doc": `{"name":`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			var a Action
			if err := json.Unmarshal([]byte(doc), &a); err == nil {
				t.Errorf("expected error for %s", doc)
			}
		})
	}
}
