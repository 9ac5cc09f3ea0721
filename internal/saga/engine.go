// Package saga is a small durable-execution engine. Each workflow instance
// runs on its own goroutine, journals every command outcome and applied
// signal, and is rebuilt after a restart by replaying that history.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"trellis/internal/reliability"
)

// Workflow is the deterministic body of a saga. Run and HandleSignal are
// only ever called from the instance goroutine.
type Workflow interface {
	Run(c *Context) (string, error)
	HandleSignal(sig Signal) error
	Snapshot() any
}

// Factory builds a fresh workflow from its start input.
type Factory func(input json.RawMessage) (Workflow, error)

// Handle identifies one run of an instance.
type Handle struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// Description is the externally visible state of a run.
type Description struct {
	WorkflowID string          `json:"workflow_id"`
	RunID      string          `json:"run_id"`
	Type       string          `json:"type"`
	Status     Status          `json:"status"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
}

// Update is emitted whenever an instance publishes a new snapshot.
type Update struct {
	WorkflowID string          `json:"workflow_id"`
	RunID      string          `json:"run_id"`
	Type       string          `json:"type"`
	Status     Status          `json:"status"`
	Snapshot   json.RawMessage `json:"snapshot"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}

// ActivityReport describes one finished activity call.
type ActivityReport struct {
	WorkflowType string
	Activity     string
	Attempts     int
	Duration     time.Duration
	Err          error
}

// Hooks observe engine events. They run on engine goroutines and must not block.
type Hooks struct {
	OnUpdate   func(Update)
	OnActivity func(ActivityReport)
	OnRetry    func(workflowType, activity string, attempt int, delay time.Duration, err error)
	OnFinish   func(workflowType string, status Status, d time.Duration)
}

// Options configures an Engine.
type Options struct {
	Journal        Journal
	Logger         *slog.Logger
	ActivityPolicy reliability.RetryPolicy
	Hooks          Hooks
	NewRunID       func() string
	Now            func() time.Time
}

// Engine hosts saga instances.
type Engine struct {
	journal  Journal
	logger   *slog.Logger
	policy   reliability.RetryPolicy
	hooks    Hooks
	newRunID func() string
	now      func() time.Time
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]*instance
	starting  map[string]struct{}
	closed    bool
}

// StartOption tunes a single run.
type StartOption func(*startOptions)

type startOptions struct {
	executionTimeout time.Duration
}

// WithExecutionTimeout bounds the whole run. The deadline is journaled with
// the run, survives restarts, and fails the run with ErrExecutionTimeout when
// it passes. Zero or negative means no deadline.
func WithExecutionTimeout(d time.Duration) StartOption {
	return func(o *startOptions) { o.executionTimeout = d }
}

// New constructs an Engine. A nil journal keeps history in memory.
func New(opts Options) *Engine {
	if opts.Journal == nil {
		opts.Journal = NewMemoryJournal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ActivityPolicy.MaxAttempts == 0 {
		opts.ActivityPolicy = reliability.DefaultActivityPolicy()
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		journal:   opts.Journal,
		logger:    opts.Logger,
		policy:    opts.ActivityPolicy,
		hooks:     opts.Hooks,
		newRunID:  opts.NewRunID,
		now:       opts.Now,
		tracer:    otel.Tracer("trellis/internal/saga"),
		ctx:       ctx,
		cancel:    cancel,
		factories: make(map[string]Factory),
		instances: make(map[string]*instance),
		starting:  make(map[string]struct{}),
	}
}

// Register binds a workflow type name to its factory.
func (e *Engine) Register(workflowType string, factory Factory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.factories[workflowType] = factory
}

// Start creates a new run of workflowType under id and begins executing it.
func (e *Engine) Start(ctx context.Context, workflowType, id string, input any, opts ...StartOption) (Handle, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return Handle{}, fmt.Errorf("encode %s input: %w", workflowType, err)
	}
	var deadline time.Time
	if o.executionTimeout > 0 {
		deadline = e.now().Add(o.executionTimeout)
	}
	inst, err := e.start(ctx, workflowType, id, raw, "", "", deadline)
	if err != nil {
		return Handle{}, err
	}
	return Handle{WorkflowID: inst.id, RunID: inst.runID}, nil
}

func (e *Engine) start(ctx context.Context, workflowType, id string, input json.RawMessage, parentID, parentRunID string, deadline time.Time) (*instance, error) {
	factory, err := e.reserve(workflowType, id)
	if err != nil {
		return nil, err
	}
	// The id stays reserved until the instance is registered or the start fails.
	registered := false
	defer func() {
		if !registered {
			e.mu.Lock()
			delete(e.starting, id)
			e.mu.Unlock()
		}
	}()

	wf, err := factory(input)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", workflowType, err)
	}
	snapshot, err := json.Marshal(wf.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("encode %s snapshot: %w", workflowType, err)
	}

	runID := e.newRunID()
	err = e.journal.Create(ctx, Instance{
		ID:          id,
		RunID:       runID,
		Type:        workflowType,
		Input:       input,
		Status:      StatusRunning,
		Snapshot:    snapshot,
		ParentID:    parentID,
		ParentRunID: parentRunID,
		Deadline:    deadline,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyStarted) {
			return nil, fmt.Errorf("%s: %w", id, ErrAlreadyStarted)
		}
		return nil, fmt.Errorf("create %s: %w", id, err)
	}
	if _, err := e.journal.Append(ctx, Record{InstanceID: id, RunID: runID, Kind: KindStarted, Name: workflowType, Payload: input}); err != nil {
		return nil, fmt.Errorf("journal start of %s: %w", id, err)
	}

	inst := e.newInstance(id, runID, workflowType, parentID, parentRunID, wf)
	inst.snapshot = snapshot
	inst.deadline = deadline

	e.mu.Lock()
	delete(e.starting, id)
	registered = true
	if e.closed {
		// The journaled run resumes on the next Recover.
		e.mu.Unlock()
		return nil, ErrShutdown
	}
	e.instances[id] = inst
	e.wg.Add(1)
	go inst.run()
	e.mu.Unlock()

	inst.log.Info("saga started", "parent_id", parentID, "deadline", deadline)
	e.emit(inst, snapshot, StatusRunning, "", "")
	return inst, nil
}

// reserve claims id for a new run so concurrent starts of the same id fail
// fast while the journal is written outside the engine lock.
func (e *Engine) reserve(workflowType, id string) (Factory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrShutdown
	}
	factory, ok := e.factories[workflowType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowType)
	}
	if _, busy := e.starting[id]; busy {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyStarted)
	}
	if existing := e.instances[id]; existing != nil && !existing.terminal() {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyStarted)
	}
	e.starting[id] = struct{}{}
	return factory, nil
}

// Signal journals sig and queues it for the instance. Signals to a finished
// instance are accepted and ignored.
func (e *Engine) Signal(ctx context.Context, id string, sig Signal) error {
	e.mu.RLock()
	closed := e.closed
	inst := e.instances[id]
	e.mu.RUnlock()
	if closed {
		return ErrShutdown
	}
	if inst == nil {
		rec, err := e.journal.Load(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: %s is not hosted by this engine", ErrInstanceNotFound, id)
	}
	return inst.deliver(ctx, sig)
}

// Query returns the instance's latest published snapshot. It never blocks
// on the instance goroutine.
func (e *Engine) Query(ctx context.Context, id string) (json.RawMessage, error) {
	desc, err := e.Describe(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(desc.Snapshot) == 0 || string(desc.Snapshot) == "null" {
		return nil, ErrNoStatus
	}
	return desc.Snapshot, nil
}

// Describe reports status, outcome and snapshot of the latest run of id.
func (e *Engine) Describe(ctx context.Context, id string) (Description, error) {
	if inst := e.lookup(id); inst != nil {
		return inst.describe(), nil
	}
	rec, err := e.journal.Load(ctx, id)
	if err != nil {
		return Description{}, err
	}
	return Description{
		WorkflowID: rec.ID,
		RunID:      rec.RunID,
		Type:       rec.Type,
		Status:     rec.Status,
		Result:     rec.Result,
		Error:      rec.Error,
		Snapshot:   rec.Snapshot,
	}, nil
}

// Await blocks until the run ends or ctx is done and returns its outcome.
func (e *Engine) Await(ctx context.Context, id string) (string, error) {
	inst := e.lookup(id)
	if inst == nil {
		rec, err := e.journal.Load(ctx, id)
		if err != nil {
			return "", err
		}
		if !rec.Status.Terminal() {
			return "", fmt.Errorf("%w: %s is not hosted by this engine", ErrInstanceNotFound, id)
		}
		return rec.Result, recordedError(rec.Error)
	}
	select {
	case <-inst.done:
		return inst.outcome()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Recover reloads every running instance from the journal and resumes it by
// replaying its history. All instances are registered before any resumes so
// parents and children can find each other.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	running, err := e.journal.Running(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running sagas: %w", err)
	}
	sort.SliceStable(running, func(a, b int) bool { return running[a].CreatedAt.Before(running[b].CreatedAt) })

	var resumed []*instance
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrShutdown
	}
	for _, rec := range running {
		if existing := e.instances[rec.ID]; existing != nil {
			continue
		}
		if _, busy := e.starting[rec.ID]; busy {
			continue
		}
		inst, err := e.rebuild(ctx, rec)
		if err != nil {
			e.logger.Error("saga recovery failed", "workflow_id", rec.ID, "run_id", rec.RunID, "error", err)
			if ferr := e.journal.Finish(ctx, rec.ID, rec.RunID, StatusFailed, "", err.Error()); ferr != nil {
				e.logger.Error("mark unrecoverable saga failed", "workflow_id", rec.ID, "error", ferr)
			}
			continue
		}
		e.instances[rec.ID] = inst
		resumed = append(resumed, inst)
	}
	// History is released by the instance goroutine once replay ends, so
	// log before any of them starts.
	for _, inst := range resumed {
		inst.log.Info("saga recovered", "history", len(inst.history), "requeued", inst.box.len(), "deadline", inst.deadline)
	}
	for _, inst := range resumed {
		e.wg.Add(1)
		go inst.run()
	}
	e.mu.Unlock()
	return len(resumed), nil
}

func (e *Engine) rebuild(ctx context.Context, rec Instance) (*instance, error) {
	factory, ok := e.factories[rec.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, rec.Type)
	}
	wf, err := factory(rec.Input)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", rec.Type, err)
	}
	history, err := e.journal.History(ctx, rec.ID, rec.RunID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	inst := e.newInstance(rec.ID, rec.RunID, rec.Type, rec.ParentID, rec.ParentRunID, wf)
	inst.snapshot = rec.Snapshot
	inst.deadline = rec.Deadline
	inst.history = history
	inst.replaying = true

	applied := make(map[int64]bool)
	for _, r := range history {
		if r.Kind == KindSignal {
			applied[r.Ref] = true
		}
	}
	for _, r := range history {
		if r.Kind == KindSignalReceived && !applied[r.Seq] {
			inst.box.post(letter{seq: r.Seq, signal: Signal{Name: r.Name, Payload: r.Payload}})
		}
	}
	return inst, nil
}

// Active returns the number of instances still executing.
func (e *Engine) Active() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, inst := range e.instances {
		if !inst.terminal() {
			n++
		}
	}
	return n
}

// Shutdown stops every instance goroutine. Running instances stay running
// in the journal and resume on the next Recover.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) lookup(id string) *instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instances[id]
}

func (e *Engine) emit(inst *instance, snapshot json.RawMessage, status Status, result, errMsg string) {
	if e.hooks.OnUpdate == nil {
		return
	}
	e.hooks.OnUpdate(Update{
		WorkflowID: inst.id,
		RunID:      inst.runID,
		Type:       inst.typ,
		Status:     status,
		Snapshot:   snapshot,
		Result:     result,
		Error:      errMsg,
		At:         e.now(),
	})
}

// NewSignal builds a signal with a JSON-encoded payload. A nil payload
// produces a signal without one.
func NewSignal(name string, payload any) (Signal, error) {
	if payload == nil {
		return Signal{Name: name}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Signal{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Signal{Name: name, Payload: raw}, nil
}
