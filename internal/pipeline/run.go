package pipeline

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/artifact"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunNotStarted RunState = "NotStarted"
	RunRunning    RunState = "Running"
	RunSucceeded  RunState = "Succeeded"
	RunFailed     RunState = "Failed"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Result is the per-run outcome of a stage or an action.
type Result string

const (
	ResultPending   Result = "Pending"
	ResultRunning   Result = "Running"
	ResultSucceeded Result = "Succeeded"
	ResultFailed    Result = "Failed"
)

// Trigger identifies what started a run.
type Trigger struct {
	Revision string `json:"revision"`
	Reason   string `json:"reason,omitempty"`
}

// ActionRecord is the per-run state of one action.
type ActionRecord struct {
	Name       string              `json:"name"`
	Stage      string              `json:"stage"`
	Kind       ActionKind          `json:"kind"`
	RunOrder   int                 `json:"runOrder"`
	Result     Result              `json:"result"`
	Error      string              `json:"error,omitempty"`
	ErrorKind  string              `json:"errorKind,omitempty"`
	Outputs    []artifact.Artifact `json:"outputs,omitempty"`
	StartedAt  *time.Time          `json:"startedAt,omitempty"`
	FinishedAt *time.Time          `json:"finishedAt,omitempty"`
}

// StageRecord is the per-run state of one stage.
type StageRecord struct {
	Name       string         `json:"name"`
	Result     Result         `json:"result"`
	Actions    []ActionRecord `json:"actions"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// Orphan is a change set that a run prepared but did not consume.
type Orphan struct {
	StackID       string    `json:"stackId"`
	ChangeSetName string    `json:"changeSetName"`
	RunID         string    `json:"runId"`
	Pipeline      string    `json:"pipeline"`
	PreparedBy    string    `json:"preparedBy"`
	Reason        string    `json:"reason"`
	DetectedAt    time.Time `json:"detectedAt"`
}

// NotificationOutcome records the single notification attempt of a run.
type NotificationOutcome struct {
	TopicID   string    `json:"topicId"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Snapshot is an immutable view of a run.
type Snapshot struct {
	ID           string               `json:"id"`
	Pipeline     string               `json:"pipeline"`
	Trigger      Trigger              `json:"trigger"`
	State        RunState             `json:"state"`
	Stages       []StageRecord        `json:"stages"`
	Artifacts    []artifact.Artifact  `json:"artifacts,omitempty"`
	Orphans      []Orphan             `json:"orphans,omitempty"`
	Error        string               `json:"error,omitempty"`
	ErrorKind    string               `json:"errorKind,omitempty"`
	FailedStage  string               `json:"failedStage,omitempty"`
	FailedAction string               `json:"failedAction,omitempty"`
	Notification *NotificationOutcome `json:"notification,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	StartedAt    *time.Time           `json:"startedAt,omitempty"`
	FinishedAt   *time.Time           `json:"finishedAt,omitempty"`
}

type pendingChangeSet struct {
	stackID    string
	name       string
	preparedBy string
}

// Run is one execution of a pipeline for a trigger.
type Run struct {
	id       string
	pipeline *Pipeline
	trigger  Trigger

	mu           sync.RWMutex
	state        RunState
	stages       []StageRecord
	actionIndex  map[string][2]int // action name -> (stage, action) position in stages
	artifacts    map[string]artifact.Artifact
	pending      map[string]pendingChangeSet
	orphans      []Orphan
	err          error
	failedStage  string
	failedAction string
	notification *NotificationOutcome
	createdAt    time.Time
	startedAt    *time.Time
	finishedAt   *time.Time

	done chan struct{}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// NewRun creates a run in state NotStarted with every stage and action Pending.
func NewRun(p *Pipeline, trigger Trigger) *Run {
	r := &Run{
		id:          NewRunID(),
		pipeline:    p,
		trigger:     trigger,
		state:       RunNotStarted,
		stages:      make([]StageRecord, len(p.stages)),
		actionIndex: make(map[string][2]int),
		artifacts:   make(map[string]artifact.Artifact),
		pending:     make(map[string]pendingChangeSet),
		createdAt:   time.Now(),
		done:        make(chan struct{}),
	}
	for i, stage := range p.stages {
		rec := StageRecord{Name: stage.Name, Result: ResultPending, Actions: make([]ActionRecord, len(stage.Actions))}
		for j, a := range stage.Actions {
			rec.Actions[j] = ActionRecord{
				Name:     a.Name,
				Stage:    stage.Name,
				Kind:     a.Spec.Kind(),
				RunOrder: a.RunOrder,
				Result:   ResultPending,
			}
			r.actionIndex[a.Name] = [2]int{i, j}
		}
		r.stages[i] = rec
	}
	return r
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Pipeline returns the topology the run executes.
func (r *Run) Pipeline() *Pipeline { return r.pipeline }

// Trigger returns what started the run.
func (r *Run) Trigger() Trigger { return r.trigger }

// Done is closed once the run is terminal and its notifier has fired.
func (r *Run) Done() <-chan struct{} { return r.done }

// State returns the current state.
func (r *Run) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Err returns the failure cause of a Failed run.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// start moves NotStarted -> Running.
func (r *Run) start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RunNotStarted {
		return apperrors.Conflict("run", r.id, fmt.Sprintf("run %s cannot start from state %s", r.id, r.state))
	}
	now := time.Now()
	r.state = RunRunning
	r.startedAt = &now
	return nil
}

// finish moves Running -> Succeeded (cause nil) or Failed and turns unconsumed
// change sets into orphans.
func (r *Run) finish(cause error) (RunState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RunRunning {
		return r.state, apperrors.Conflict("run", r.id, fmt.Sprintf("run %s cannot finish from state %s", r.id, r.state))
	}

	now := time.Now()
	r.finishedAt = &now
	reason := "prepared but never executed by the run"
	if cause != nil {
		r.state = RunFailed
		r.err = cause
		reason = cause.Error()
	} else {
		r.state = RunSucceeded
	}

	keys := slices.Sorted(maps.Keys(r.pending))
	for _, k := range keys {
		p := r.pending[k]
		r.orphans = append(r.orphans, Orphan{
			StackID:       p.stackID,
			ChangeSetName: p.name,
			RunID:         r.id,
			Pipeline:      r.pipeline.name,
			PreparedBy:    p.preparedBy,
			Reason:        reason,
			DetectedAt:    now,
		})
	}
	return r.state, nil
}

func (r *Run) stageStarted(stage int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.stages[stage].Result = ResultRunning
	r.stages[stage].StartedAt = &now
}

func (r *Run) stageFinished(stage int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.stages[stage].FinishedAt = &now
	if err != nil {
		r.stages[stage].Result = ResultFailed
		if r.failedStage == "" {
			r.failedStage = r.stages[stage].Name
		}
		return
	}
	r.stages[stage].Result = ResultSucceeded
}

func (r *Run) actionStarted(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := r.actionIndex[name]
	now := time.Now()
	rec := &r.stages[pos[0]].Actions[pos[1]]
	rec.Result = ResultRunning
	rec.StartedAt = &now
}

// actionFinished records the outcome and, on success, publishes the outputs to the run.
func (r *Run) actionFinished(name string, outputs []artifact.Artifact, err error) ActionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := r.actionIndex[name]
	now := time.Now()
	rec := &r.stages[pos[0]].Actions[pos[1]]
	rec.FinishedAt = &now
	if err != nil {
		rec.Result = ResultFailed
		rec.Error = err.Error()
		rec.ErrorKind = apperrors.KindOf(err)
		if r.failedAction == "" {
			r.failedAction = name
		}
		return cloneRecord(*rec)
	}
	rec.Result = ResultSucceeded
	rec.Outputs = slices.Clone(outputs)
	for _, a := range outputs {
		r.artifacts[a.Name] = a
	}
	return cloneRecord(*rec)
}

func (r *Run) artifact(name string) (artifact.Artifact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.artifacts[name]
	return a, ok
}

func pendingKey(stackID, name string) string {
	return stackID + "/" + name
}

// markPending records a prepared change set. One reported after the run
// finished can no longer be executed and becomes an orphan directly.
func (r *Run) markPending(stackID, name, preparedBy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		r.orphans = append(r.orphans, Orphan{
			StackID:       stackID,
			ChangeSetName: name,
			RunID:         r.id,
			Pipeline:      r.pipeline.name,
			PreparedBy:    preparedBy,
			Reason:        "prepared after the run finished",
			DetectedAt:    time.Now(),
		})
		return
	}
	r.pending[pendingKey(stackID, name)] = pendingChangeSet{stackID: stackID, name: name, preparedBy: preparedBy}
}

func (r *Run) resolvePending(stackID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, pendingKey(stackID, name))
}

func (r *Run) setNotification(n NotificationOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notification = &n
}

// Orphans returns the change sets left behind by a Failed run.
func (r *Run) Orphans() []Orphan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.orphans)
}

// Snapshot returns a deep copy of the run's current state.
func (r *Run) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		ID:           r.id,
		Pipeline:     r.pipeline.name,
		Trigger:      r.trigger,
		State:        r.state,
		Stages:       make([]StageRecord, len(r.stages)),
		Orphans:      slices.Clone(r.orphans),
		FailedStage:  r.failedStage,
		FailedAction: r.failedAction,
		CreatedAt:    r.createdAt,
		StartedAt:    r.startedAt,
		FinishedAt:   r.finishedAt,
	}
	for i, st := range r.stages {
		st.Actions = slices.Clone(st.Actions)
		for j := range st.Actions {
			st.Actions[j] = cloneRecord(st.Actions[j])
		}
		s.Stages[i] = st
	}
	names := slices.Sorted(maps.Keys(r.artifacts))
	for _, n := range names {
		s.Artifacts = append(s.Artifacts, r.artifacts[n])
	}
	if r.err != nil {
		s.Error = r.err.Error()
		s.ErrorKind = apperrors.KindOf(r.err)
	}
	if r.notification != nil {
		n := *r.notification
		s.Notification = &n
	}
	return s
}

func cloneRecord(rec ActionRecord) ActionRecord {
	rec.Outputs = slices.Clone(rec.Outputs)
	return rec
}
