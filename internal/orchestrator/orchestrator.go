package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/relay/internal/collab"
	"github.com/ShayCichocki/relay/internal/decompose"
	"github.com/ShayCichocki/relay/internal/exec"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/internal/registry"
	"github.com/ShayCichocki/relay/internal/router"
	"github.com/ShayCichocki/relay/internal/state"
	"github.com/ShayCichocki/relay/pkg/models"
)

var (
	// ErrWorkflowNotFound is returned for workflow IDs the engine and store do not know.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowTerminal is returned when acting on a finished workflow.
	ErrWorkflowTerminal = errors.New("workflow already finished")
	// ErrWorkflowRunning is returned when starting a workflow twice.
	ErrWorkflowRunning = errors.New("workflow already running")
	// ErrNotStarted is returned by Wait for a workflow that was never started.
	ErrNotStarted = errors.New("workflow not started")
)

// Engine drives any number of workflows. Each workflow has its own run loop
// and concurrency limit; all of them share a global execution limit.
type Engine struct {
	cfg       Config
	registry  *registry.Registry
	router    *router.Router
	store     state.Store
	executor  exec.Executor
	builder   *decompose.Builder
	retry     *failure.Manager
	collab    *collab.Protocol
	approver  Approver
	approvals *ApprovalManager
	events    *EventEmitter
	metrics   *Metrics
	sem       *semaphore.Weighted
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu   sync.RWMutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New creates an Engine.
func New(req RequiredConfig, opts ...Option) (*Engine, error) {
	if req.Registry == nil || req.Router == nil || req.Store == nil || req.Executor == nil {
		return nil, errors.New("registry, router, store and executor are required")
	}

	o := &engineOptions{eventsWait: DefaultEventWait}
	for _, opt := range opts {
		opt(o)
	}

	cfg := DefaultConfig()
	if o.config != nil {
		cfg = *o.config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		registry: req.Registry,
		router:   req.Router,
		store:    req.Store,
		executor: req.Executor,
		retry:    o.retry,
		collab:   o.collab,
		metrics:  o.metrics,
		logger:   o.logger,
		now:      o.now,
		newID:    o.newID,
		sem:      semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		runs:     make(map[string]*run),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.retry == nil {
		e.retry = failure.NewManager(failure.DefaultPolicy(), failure.WithLogger(e.logger))
	}

	e.builder = o.builder
	if e.builder == nil {
		bopts := []decompose.Option{
			decompose.WithMaxTasks(cfg.MaxTasks),
			decompose.WithMaxIterations(cfg.MaxIterations),
			decompose.WithClock(e.now),
			decompose.WithLogger(e.logger),
		}
		if o.planner != nil {
			bopts = append(bopts, decompose.WithPlanner(o.planner))
		}
		e.builder = decompose.New(bopts...)
	}

	e.approvals = NewApprovalManager(e.logger)
	e.approver = o.approver
	if e.approver == nil {
		e.approver = e.approvals
	}
	e.events = NewEventEmitter(cfg.EventBuffer, o.eventsWait, e.logger)
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Events returns the engine's event stream. It is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.events.Events()
}

// Approvals returns the built-in approval manager. Its requests are only
// used when no other Approver was configured.
func (e *Engine) Approvals() *ApprovalManager {
	return e.approvals
}

// CreateWorkflow decomposes goal into a task graph and persists the new
// workflow. Explicit specs are used when given; otherwise the planner is
// asked. The workflow does not run until Start or Run is called.
func (e *Engine) CreateWorkflow(ctx context.Context, goal string, cfg models.WorkflowConfig, specs []decompose.TaskSpec) (string, error) {
	if cfg.MaxDuration < 0 || cfg.MaxCostUSD < 0 || cfg.Concurrency < 0 {
		return "", errors.New("workflow limits must not be negative")
	}

	wf := &models.Workflow{
		ID:                   e.newID(),
		Goal:                 goal,
		Status:               models.WorkflowPlanning,
		CreatedAt:            e.now(),
		MaxDuration:          cfg.MaxDuration,
		MaxCostUSD:           cfg.MaxCostUSD,
		RequireHumanApproval: cfg.RequireHumanApproval,
		Concurrency:          cfg.Concurrency,
	}
	if wf.MaxDuration == 0 {
		wf.MaxDuration = e.cfg.MaxDuration
	}
	if wf.MaxCostUSD == 0 {
		wf.MaxCostUSD = e.cfg.MaxCostUSD
	}
	log := e.logger.With("workflow_id", wf.ID)
	log.Info("planning workflow", "goal", goal, "explicit_tasks", len(specs))

	res, err := e.builder.Build(ctx, wf.ID, goal, cfg.Context, specs)
	if err != nil {
		log.Error("planning failed", "error", err)
		return "", err
	}

	wf.Status = models.WorkflowPending
	for _, t := range res.Tasks {
		wf.TaskIDs = append(wf.TaskIDs, t.ID)
	}

	r, err := newRun(e, wf, res.Tasks, nil, false)
	if err != nil {
		return "", err
	}
	if err := r.persist(ctx, "", "created"); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.runs[wf.ID] = r
	e.mu.Unlock()
	log.Info("workflow created", "tasks", len(res.Tasks), "planned", res.Planned)
	return wf.ID, nil
}

// Start launches the run loop of a created or resumed workflow. The loop
// stops when the workflow finishes, when it is cancelled, or when ctx ends;
// ending ctx cancels the workflow.
func (e *Engine) Start(ctx context.Context, workflowID string) error {
	r, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := r.begin(cancel); err != nil {
		cancel()
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		r.loop(runCtx)
	}()
	return nil
}

// Wait blocks until the workflow's run loop ends or ctx is done. It returns
// nil for Completed, a *failure.WorkflowError for Failed and a
// *failure.CancellationError for Cancelled.
func (e *Engine) Wait(ctx context.Context, workflowID string) error {
	r, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	if !r.isStarted() {
		return ErrNotStarted
	}
	select {
	case <-r.done:
		return r.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workflow and waits for it to finish.
func (e *Engine) Run(ctx context.Context, workflowID string) error {
	if err := e.Start(ctx, workflowID); err != nil {
		return err
	}
	return e.Wait(context.WithoutCancel(ctx), workflowID)
}

// Cancel cancels a workflow cooperatively. Undispatched tasks are cancelled
// at once; the workflow reaches Cancelled when no task remains running.
func (e *Engine) Cancel(workflowID string) error {
	r, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	if r.isFinished() {
		return ErrWorkflowTerminal
	}
	if !r.isStarted() {
		// Never started: cancel in place without a loop.
		if err := r.cancelIdle(context.Background()); !errors.Is(err, ErrWorkflowRunning) {
			return err
		}
	}
	r.stop()
	return nil
}

// Pause stops dispatch of new tasks. Running tasks continue to completion.
func (e *Engine) Pause(workflowID string) error {
	r, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	if r.isFinished() {
		return ErrWorkflowTerminal
	}
	r.pause.Pause()
	return nil
}

// Resume resumes dispatch of a paused workflow.
func (e *Engine) Resume(workflowID string) error {
	r, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	if r.isFinished() {
		return ErrWorkflowTerminal
	}
	r.pause.Resume()
	return nil
}

// SubmitApproval delivers a human decision to the built-in approval manager.
func (e *Engine) SubmitApproval(workflowID string, d ApprovalDecision) error {
	return e.approvals.Submit(workflowID, d)
}

// ResumeFromSnapshot reloads a workflow from its latest snapshot so it can
// be started again, typically after a process restart. Tasks recorded as
// running lost their execution and are dispatched again with their retry
// counts kept.
func (e *Engine) ResumeFromSnapshot(ctx context.Context, workflowID string) error {
	e.mu.RLock()
	existing, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if ok && !existing.isFinished() {
		return ErrWorkflowRunning
	}

	snap, err := e.store.Latest(ctx, workflowID)
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	if snap.Workflow == nil {
		return fmt.Errorf("snapshot %s has no workflow", snap.ID)
	}
	if snap.Workflow.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrWorkflowTerminal, workflowID, snap.Workflow.Status)
	}

	r, err := restoreRun(e, snap)
	if err != nil {
		return err
	}
	if err := r.persist(ctx, "", "restored"); err != nil {
		return err
	}

	e.mu.Lock()
	e.runs[workflowID] = r
	e.mu.Unlock()
	e.logger.Info("workflow restored from snapshot",
		"workflow_id", workflowID,
		"snapshot_id", snap.ID,
		"sequence", snap.Sequence)
	return nil
}

// Close cancels every running workflow, waits for the run loops to finish
// and closes the event stream. The store is not closed.
func (e *Engine) Close() error {
	e.mu.RLock()
	for _, r := range e.runs {
		r.stop()
	}
	e.mu.RUnlock()
	e.wg.Wait()
	e.events.Close()
	return nil
}

func (e *Engine) lookup(workflowID string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return r, nil
}

func (e *Engine) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.events.Emit(ev)
}
