package changeset

import (
	"cdpipeline/internal/apperrors"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Execution is one apply window recorded by MemoryProvisioner.
type Execution struct {
	ChangeSet string
	Started   time.Time
	Finished  time.Time
	Err       error
}

// StackState is a point-in-time view of a stack held by MemoryProvisioner.
type StackState struct {
	ID         string
	Status     StackStatus
	Version    int
	Resources  []string
	ChangeSets []string
}

type memChangeSet struct {
	handle      Handle
	template    *Template
	baseVersion int
}

type memStack struct {
	status     StackStatus
	template   *Template
	version    int
	changeSets map[string]*memChangeSet
	executions []Execution
}

// MemoryOption configures a MemoryProvisioner.
type MemoryOption func(*MemoryProvisioner)

// WithoutStackCreation makes change sets against unknown stacks fail instead of
// creating the stack in review.
func WithoutStackCreation() MemoryOption {
	return func(m *MemoryProvisioner) { m.createStacks = false }
}

// WithChangeSetTTL expires change sets that are not executed within ttl.
func WithChangeSetTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryProvisioner) { m.ttl = ttl }
}

// WithApplyDelay makes every non-empty execute take d.
func WithApplyDelay(d time.Duration) MemoryOption {
	return func(m *MemoryProvisioner) { m.applyDelay = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryProvisioner) { m.now = now }
}

// WithExecuteHook runs hook during every non-empty apply; a returned error fails
// the apply and rolls the stack back.
func WithExecuteHook(hook func(stackID, name string) error) MemoryOption {
	return func(m *MemoryProvisioner) { m.hook = hook }
}

// MemoryProvisioner is an in-process Provisioner with stack and change-set
// semantics close to a real provisioning service. It backs local runs and tests.
type MemoryProvisioner struct {
	mu     sync.Mutex
	stacks map[string]*memStack

	createStacks bool
	ttl          time.Duration
	applyDelay   time.Duration
	now          func() time.Time
	hook         func(stackID, name string) error
}

// NewMemoryProvisioner creates an empty provisioner.
func NewMemoryProvisioner(opts ...MemoryOption) *MemoryProvisioner {
	m := &MemoryProvisioner{
		stacks:       make(map[string]*memStack),
		createStacks: true,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SeedStack creates a stack with template already applied.
func (m *MemoryProvisioner) SeedStack(stackID string, template []byte) error {
	t, err := ParseTemplate(template)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stacks[stackID] = &memStack{
		status:     StackCreateComplete,
		template:   t,
		version:    1,
		changeSets: make(map[string]*memChangeSet),
	}
	return nil
}

// CreateOrReplaceChangeSet implements Provisioner.
func (m *MemoryProvisioner) CreateOrReplaceChangeSet(ctx context.Context, stackID, name string, template []byte) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := ParseTemplate(template)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stacks[stackID]
	if !ok {
		if !m.createStacks {
			return nil, apperrors.NotFound("stack", stackID)
		}
		st = &memStack{status: StackReviewInProgress, changeSets: make(map[string]*memChangeSet)}
		m.stacks[stackID] = st
	}
	if st.status.InProgress() {
		return nil, apperrors.ChangeSetConflict(stackID, name, fmt.Sprintf("stack is %s", st.status))
	}

	if existing := m.lookup(st, name); existing != nil &&
		existing.handle.Status == StatusCreateComplete &&
		existing.baseVersion == st.version &&
		existing.handle.TemplateDigest == t.Digest() {
		h := cloneHandle(existing.handle)
		h.Reused = true
		return &h, nil
	}

	changes := Diff(st.template, t)
	cs := &memChangeSet{
		handle: Handle{
			ID:             uuid.NewString(),
			StackID:        stackID,
			Name:           name,
			Status:         StatusCreateComplete,
			TemplateDigest: t.Digest(),
			Changes:        changes,
			Empty:          len(changes) == 0,
			CreatedAt:      m.now(),
		},
		template:    t,
		baseVersion: st.version,
	}
	st.changeSets[name] = cs

	h := cloneHandle(cs.handle)
	return &h, nil
}

// ExecuteChangeSet implements Provisioner. An empty change set is consumed
// without touching the stack.
func (m *MemoryProvisioner) ExecuteChangeSet(ctx context.Context, stackID, name string) (*ExecuteResult, error) {
	m.mu.Lock()
	st, ok := m.stacks[stackID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.ChangeSetNotFound(stackID, name)
	}
	cs := m.lookup(st, name)
	if cs == nil {
		m.mu.Unlock()
		return nil, apperrors.ChangeSetNotFound(stackID, name)
	}
	if st.status.InProgress() {
		m.mu.Unlock()
		return nil, apperrors.ChangeSetConflict(stackID, name, fmt.Sprintf("stack is %s", st.status))
	}
	if cs.handle.Status == StatusExecuteFailed {
		m.mu.Unlock()
		return nil, apperrors.ChangeSetConflict(stackID, name, "change set already failed to execute; prepare it again")
	}
	if cs.baseVersion != st.version {
		m.mu.Unlock()
		return nil, apperrors.ChangeSetConflict(stackID, name, "stack changed since the change set was prepared")
	}

	result := &ExecuteResult{
		StackID:     stackID,
		ChangeSetID: cs.handle.ID,
		Changes:     slices.Clone(cs.handle.Changes),
	}
	if cs.handle.Empty {
		delete(st.changeSets, name)
		result.NoOp = true
		result.StackStatus = st.status
		result.Version = st.version
		m.mu.Unlock()
		return result, nil
	}

	creating := st.template == nil
	if creating {
		st.status = StackCreateInProgress
	} else {
		st.status = StackUpdateInProgress
	}
	started := m.now()
	m.mu.Unlock()

	err := m.apply(ctx, stackID, name)

	m.mu.Lock()
	defer m.mu.Unlock()
	finished := m.now()
	st.executions = append(st.executions, Execution{ChangeSet: name, Started: started, Finished: finished, Err: err})
	result.Duration = finished.Sub(started)

	if err != nil {
		if creating {
			st.status = StackRollbackComplete
		} else {
			st.status = StackUpdateRollbackComplete
		}
		cs.handle.Status = StatusExecuteFailed
		return nil, fmt.Errorf("execute change set %s on stack %s: %w", name, stackID, err)
	}

	st.template = cs.template
	st.version++
	if creating {
		st.status = StackCreateComplete
	} else {
		st.status = StackUpdateComplete
	}
	delete(st.changeSets, name)

	result.StackStatus = st.status
	result.Version = st.version
	return result, nil
}

func (m *MemoryProvisioner) apply(ctx context.Context, stackID, name string) error {
	if m.applyDelay > 0 {
		timer := time.NewTimer(m.applyDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if m.hook != nil {
		return m.hook(stackID, name)
	}
	return nil
}

// DeleteChangeSet implements Discarder.
func (m *MemoryProvisioner) DeleteChangeSet(_ context.Context, stackID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stacks[stackID]
	if !ok || m.lookup(st, name) == nil {
		return apperrors.ChangeSetNotFound(stackID, name)
	}
	delete(st.changeSets, name)
	return nil
}

// Stack returns the state of a stack.
func (m *MemoryProvisioner) Stack(stackID string) (StackState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stacks[stackID]
	if !ok {
		return StackState{}, false
	}
	s := StackState{
		ID:         stackID,
		Status:     st.status,
		Version:    st.version,
		ChangeSets: slices.Sorted(maps.Keys(st.changeSets)),
	}
	if st.template != nil {
		s.Resources = slices.Sorted(maps.Keys(st.template.Resources))
	}
	return s, true
}

// Executions returns the apply windows recorded for a stack, oldest first.
func (m *MemoryProvisioner) Executions(stackID string) []Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stacks[stackID]; ok {
		return slices.Clone(st.executions)
	}
	return nil
}

// lookup returns a live change set, dropping it if it has expired. Callers hold m.mu.
func (m *MemoryProvisioner) lookup(st *memStack, name string) *memChangeSet {
	cs, ok := st.changeSets[name]
	if !ok {
		return nil
	}
	if m.ttl > 0 && m.now().Sub(cs.handle.CreatedAt) > m.ttl {
		delete(st.changeSets, name)
		return nil
	}
	return cs
}

func cloneHandle(h Handle) Handle {
	h.Changes = slices.Clone(h.Changes)
	return h
}
