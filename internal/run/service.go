// Package run triggers pipeline runs, tracks them while they execute and
// answers queries over live and persisted runs.
package run

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/changeset"
	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/runstore"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

// Validation limits
const (
	maxRevisionLength = 128
	maxReasonLength   = 512
)

// revisionPattern allows commit SHAs, tags and branch-like refs.
var revisionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// Defaults for Config.
const (
	DefaultRetention           = time.Hour
	DefaultMaintenanceInterval = time.Minute
)

// Engine drives a run to a terminal state.
type Engine interface {
	Execute(ctx context.Context, run *pipeline.Run) error
}

// Config controls run bookkeeping.
type Config struct {
	// Retention is how long a finished run stays in memory.
	Retention time.Duration
	// MaintenanceInterval is the period of the eviction loop.
	MaintenanceInterval time.Duration
	// HistoryRetention prunes persisted runs older than this. Zero keeps them.
	HistoryRetention time.Duration
	// MaxActiveRuns bounds concurrently executing runs. Zero is unlimited.
	MaxActiveRuns int
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	return c
}

// TriggerRequest starts a run.
type TriggerRequest struct {
	Revision string `json:"revision"`
	Reason   string `json:"reason,omitempty"`
}

// TriggerResponse is returned once a run has been accepted.
type TriggerResponse struct {
	RunID    string            `json:"runId"`
	Pipeline string            `json:"pipeline"`
	Status   pipeline.RunState `json:"status"`
}

// ListResponse wraps run snapshots.
type ListResponse struct {
	Runs []pipeline.Snapshot `json:"runs"`
}

// Service owns the pipeline registry and the runs started in this process.
// Finished runs are served from memory until evicted, then from the store.
type Service struct {
	cfg       Config
	engine    Engine
	pipelines map[string]*pipeline.Pipeline
	store     runstore.Store
	orphans   *changeset.OrphanRegistry
	runs      *runRepo

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	cancelMaintenance context.CancelFunc
	maintenanceDone   chan struct{}
}

// NewService creates a service for the given pipelines. store and orphans may be nil.
func NewService(engine Engine, pipelines []*pipeline.Pipeline, store runstore.Store, orphans *changeset.OrphanRegistry, cfg Config) (*Service, error) {
	if engine == nil {
		return nil, errors.New("run service requires an engine")
	}
	byName := make(map[string]*pipeline.Pipeline, len(pipelines))
	for _, p := range pipelines {
		if _, dup := byName[p.Name()]; dup {
			return nil, apperrors.Validation("pipelines", fmt.Sprintf("duplicate pipeline %q", p.Name()))
		}
		byName[p.Name()] = p
	}

	cfg = cfg.withDefaults()
	maintenanceCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:               cfg,
		engine:            engine,
		pipelines:         byName,
		store:             store,
		orphans:           orphans,
		runs:              newRunRepo(),
		cancelMaintenance: cancel,
		maintenanceDone:   make(chan struct{}),
	}
	go s.runMaintenance(maintenanceCtx, cfg.MaintenanceInterval)
	return s, nil
}

// Pipelines returns the registered pipelines ordered by name.
func (s *Service) Pipelines() []pipeline.Summary {
	names := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]pipeline.Summary, 0, len(names))
	for _, name := range names {
		out = append(out, s.pipelines[name].Summary())
	}
	return out
}

// Pipeline returns a registered pipeline.
func (s *Service) Pipeline(name string) (*pipeline.Pipeline, error) {
	p, ok := s.pipelines[name]
	if !ok {
		return nil, apperrors.NotFound("pipeline", name)
	}
	return p, nil
}

// Trigger validates req and starts a run of the named pipeline in the background.
func (s *Service) Trigger(ctx context.Context, pipelineName string, req *TriggerRequest) (*TriggerResponse, error) {
	p, err := s.Pipeline(pipelineName)
	if err != nil {
		return nil, err
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apperrors.Conflict("pipeline", pipelineName, "service is shutting down")
	}

	r := pipeline.NewRun(p, pipeline.Trigger{Revision: req.Revision, Reason: req.Reason})
	if err := s.runs.reserve(r.ID(), s.cfg.MaxActiveRuns); err != nil {
		return nil, err
	}

	// Runs outlive the request that triggered them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runs.commit(r.ID(), &liveRun{run: r, cancel: cancel})

	logger := slog.With("runId", r.ID(), "pipeline", pipelineName)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.engine.Execute(runCtx, r); err != nil {
			logger.Debug("Run finished with error", "error", err)
		}
	}()

	logger.Info("Run triggered", "revision", req.Revision, "reason", req.Reason)
	return &TriggerResponse{RunID: r.ID(), Pipeline: pipelineName, Status: pipeline.RunRunning}, nil
}

// Get returns the snapshot of a run, live or persisted.
func (s *Service) Get(ctx context.Context, runID string) (*pipeline.Snapshot, error) {
	if lr, ok := s.runs.get(runID); ok && lr != nil {
		snap := lr.run.Snapshot()
		return &snap, nil
	}
	if s.store == nil {
		return nil, apperrors.NotFound("run", runID)
	}
	snap, err := s.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Wait blocks until a live run is terminal and notified, then returns its snapshot.
func (s *Service) Wait(ctx context.Context, runID string) (*pipeline.Snapshot, error) {
	lr, ok := s.runs.get(runID)
	if !ok || lr == nil {
		return s.Get(ctx, runID)
	}
	select {
	case <-lr.run.Done():
		snap := lr.run.Snapshot()
		return &snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List merges live runs with persisted history, newest first.
func (s *Service) List(ctx context.Context, f runstore.Filter) (*ListResponse, error) {
	seen := make(map[string]bool)
	var runs []pipeline.Snapshot
	for _, lr := range s.runs.list() {
		snap := lr.run.Snapshot()
		if f.Matches(snap) {
			runs = append(runs, snap)
			seen[snap.ID] = true
		}
	}

	if s.store != nil {
		stored, err := s.store.List(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, snap := range stored {
			if !seen[snap.ID] {
				runs = append(runs, snap)
			}
		}
	}

	slices.SortFunc(runs, func(a, b pipeline.Snapshot) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit := f.MaxResults(); len(runs) > limit {
		runs = runs[:limit]
	}
	if runs == nil {
		runs = []pipeline.Snapshot{}
	}
	return &ListResponse{Runs: runs}, nil
}

// Cancel stops scheduling further actions of a running run. The run finishes
// Failed with a Cancelled cause once in-flight actions return.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	logger := slog.With("runId", runID)

	lr, ok := s.runs.get(runID)
	if !ok || lr == nil {
		snap, err := s.Get(ctx, runID)
		if err != nil {
			return err
		}
		return apperrors.Conflict("run", runID, fmt.Sprintf("run is already %s", snap.State))
	}
	if state := lr.run.State(); state.Terminal() {
		return apperrors.Conflict("run", runID, fmt.Sprintf("run is already %s", state))
	}

	lr.cancel()
	logger.Info("Run cancellation requested")
	return nil
}

// Orphans returns change sets left behind by runs.
func (s *Service) Orphans() []pipeline.Orphan {
	if s.orphans == nil {
		return []pipeline.Orphan{}
	}
	return s.orphans.List()
}

// Discard deletes an orphaned change set.
func (s *Service) Discard(ctx context.Context, stackID, name string) error {
	if s.orphans == nil {
		return apperrors.NotFound("orphaned change set", stackID+"/"+name)
	}
	return s.orphans.Discard(ctx, stackID, name)
}

// Active returns the number of runs that have not finished.
func (s *Service) Active() int {
	return s.runs.active()
}

// Close stops accepting runs and waits for running ones until ctx is done,
// then cancels whatever is left and waits for it to wind down.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancelMaintenance()
	<-s.maintenanceDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	remaining := 0
	for _, lr := range s.runs.list() {
		if !lr.run.State().Terminal() {
			lr.cancel()
			remaining++
		}
	}
	slog.Warn("Shutdown deadline reached, cancelling runs", "runs", remaining)
	<-done
	return ctx.Err()
}

// runMaintenance periodically evicts finished runs and prunes history.
func (s *Service) runMaintenance(ctx context.Context, interval time.Duration) {
	defer close(s.maintenanceDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpiredRuns(ctx, time.Now())
		}
	}
}

// cleanupExpiredRuns drops runs that finished more than Retention before now
// and deletes persisted runs older than HistoryRetention.
func (s *Service) cleanupExpiredRuns(ctx context.Context, now time.Time) {
	logger := slog.With("component", "maintenance")

	var expired []string
	for _, lr := range s.runs.list() {
		select {
		case <-lr.run.Done():
		default:
			continue
		}
		snap := lr.run.Snapshot()
		if snap.FinishedAt != nil && now.Sub(*snap.FinishedAt) >= s.cfg.Retention {
			expired = append(expired, snap.ID)
		}
	}
	for _, id := range expired {
		s.runs.release(id)
	}

	pruned := 0
	if s.store != nil && s.cfg.HistoryRetention > 0 {
		n, err := s.store.Prune(ctx, now.Add(-s.cfg.HistoryRetention))
		if err != nil {
			logger.Error("Failed to prune run history", "error", err)
		}
		pruned = n
	}

	if len(expired) > 0 || pruned > 0 {
		logger.Info("Maintenance complete", "evicted", len(expired), "pruned", pruned)
	}
}

// validate checks a trigger request. Does not modify the request.
func validate(req *TriggerRequest) error {
	if req == nil {
		return apperrors.Validation("body", "request body is required")
	}
	if req.Revision != "" {
		if len(req.Revision) > maxRevisionLength {
			return apperrors.Validation("revision", fmt.Sprintf("revision exceeds maximum length of %d", maxRevisionLength))
		}
		if !revisionPattern.MatchString(req.Revision) || strings.Contains(req.Revision, "..") {
			return apperrors.Validation("revision", "revision must be a commit SHA, tag or branch name")
		}
	}
	if len(req.Reason) > maxReasonLength {
		return apperrors.Validation("reason", fmt.Sprintf("reason exceeds maximum length of %d", maxReasonLength))
	}
	return nil
}
