// Package changeset implements the two-phase stack update protocol: a change set
// is prepared from a template, then executed against the stack it is bound to.
package changeset

import (
	"context"
	"time"
)

// Provisioner is the stack-provisioning collaborator. These two calls are the
// whole of what the deploy protocol depends on.
type Provisioner interface {
	// CreateOrReplaceChangeSet computes the difference between template and the
	// stack's applied state and stores it under name, replacing any change set of
	// the same name. A template identical to the applied state yields an empty
	// change set. Preparing a byte-identical template again while the change set
	// of that name is still pending returns that change set, with its diff
	// against the applied state and Reused set; it is not replaced by an empty
	// one, so the following execute still applies the diff.
	CreateOrReplaceChangeSet(ctx context.Context, stackID, name string, template []byte) (*Handle, error)

	// ExecuteChangeSet applies and consumes the named change set. It fails with
	// apperrors.ErrChangeSetNotFound when the change set does not exist and with
	// apperrors.ErrChangeSetConflict when the stack cannot be updated now.
	ExecuteChangeSet(ctx context.Context, stackID, name string) (*ExecuteResult, error)
}

// Discarder is implemented by provisioners that can delete a change set without applying it.
type Discarder interface {
	DeleteChangeSet(ctx context.Context, stackID, name string) error
}

// ChangeAction is the effect of a change on one resource.
type ChangeAction string

const (
	ChangeAdd    ChangeAction = "Add"
	ChangeModify ChangeAction = "Modify"
	ChangeRemove ChangeAction = "Remove"
)

// Change describes the effect on one logical resource.
type Change struct {
	Action       ChangeAction `json:"action"`
	LogicalID    string       `json:"logicalId"`
	ResourceType string       `json:"resourceType"`
	Replacement  bool         `json:"replacement,omitempty"`
}

// Handle identifies a prepared change set.
type Handle struct {
	ID             string    `json:"id"`
	StackID        string    `json:"stackId"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	TemplateDigest string    `json:"templateDigest"`
	Changes        []Change  `json:"changes"`
	Empty          bool      `json:"empty"`
	Reused         bool      `json:"reused,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ExecuteResult reports an applied change set.
type ExecuteResult struct {
	StackID     string        `json:"stackId"`
	ChangeSetID string        `json:"changeSetId"`
	Changes     []Change      `json:"changes"`
	NoOp        bool          `json:"noOp"`
	StackStatus StackStatus   `json:"stackStatus"`
	Version     int           `json:"version"`
	Duration    time.Duration `json:"duration"`
}

// StackStatus is the provisioning state of a stack.
type StackStatus string

const (
	StackReviewInProgress       StackStatus = "REVIEW_IN_PROGRESS"
	StackCreateInProgress       StackStatus = "CREATE_IN_PROGRESS"
	StackCreateComplete         StackStatus = "CREATE_COMPLETE"
	StackRollbackComplete       StackStatus = "ROLLBACK_COMPLETE"
	StackUpdateInProgress       StackStatus = "UPDATE_IN_PROGRESS"
	StackUpdateComplete         StackStatus = "UPDATE_COMPLETE"
	StackUpdateRollbackComplete StackStatus = "UPDATE_ROLLBACK_COMPLETE"
)

// InProgress reports whether an apply is running on the stack.
func (s StackStatus) InProgress() bool {
	return s == StackCreateInProgress || s == StackUpdateInProgress
}

// Change set statuses reported in Handle.Status.
const (
	StatusCreateComplete = "CREATE_COMPLETE"
	StatusExecuteFailed  = "EXECUTE_FAILED"
)
