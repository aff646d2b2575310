package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("name", "pipeline name is required")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "pipeline name is required" {
		t.Errorf("expected message 'pipeline name is required', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "name" {
		t.Errorf("expected field 'name', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("run", "abc123")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "run abc123 not found" {
		t.Errorf("expected message 'run abc123 not found', got %q", err.Error())
	}
}

func TestInternalKeepsCause(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("docker daemon unavailable")
	err := Internal("docker.createContainer", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	if err.Error() != "docker.createContainer: docker daemon unavailable" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestActionFailedPreservesCauseKind(t *testing.T) {
	t.Parallel()
	err := ActionFailed("TestStack-ExecuteChanges", ChangeSetNotFound("TestStack", "TestStack-ChangeSet"))

	if !errors.Is(err, ErrActionExecutionFailed) {
		t.Error("expected error to match ErrActionExecutionFailed")
	}
	if !errors.Is(err, ErrChangeSetNotFound) {
		t.Error("expected error to match ErrChangeSetNotFound through the cause")
	}
	if got := KindOf(err); got != "ChangeSetNotFound" {
		t.Errorf("expected kind ChangeSetNotFound, got %q", got)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, ""},
		{"artifact", ArtifactUnavailable("src-r1"), "ArtifactUnavailable"},
		{"timeout", ActionTimeout("build", time.Second), "ActionTimeout"},
		{"execution", ActionFailed("build", errors.New("exit 1")), "ActionExecutionFailed"},
		{"conflict", ChangeSetConflict("TestStack", "cs", "stack is updating"), "ChangeSetConflict"},
		{"not found", ChangeSetNotFound("TestStack", "cs"), "ChangeSetNotFound"},
		{"cancelled", Cancelled("run cancelled"), "Cancelled"},
		{"wrapped timeout", fmt.Errorf("stage: %w", ActionTimeout("a", time.Second)), "ActionTimeout"},
		{"plain", errors.New("boom"), "Internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.expected {
				t.Errorf("KindOf() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("id", "required"), http.StatusBadRequest},
		{"not found", NotFound("run", "123"), http.StatusNotFound},
		{"conflict", Conflict("run", "123", "finished"), http.StatusConflict},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"change set not found", ChangeSetNotFound("s", "c"), http.StatusNotFound},
		{"change set conflict", ChangeSetConflict("s", "c", "locked"), http.StatusConflict},
		{"timeout", ActionTimeout("a", time.Second), http.StatusGatewayTimeout},
		{"artifact unavailable", ArtifactUnavailable("src"), http.StatusInternalServerError},
		{"cancelled", Cancelled("run cancelled"), http.StatusInternalServerError},
		{"action failed", ActionFailed("a", fmt.Errorf("exit 1")), http.StatusInternalServerError},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}
