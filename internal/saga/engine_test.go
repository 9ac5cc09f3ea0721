package saga

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"trellis/internal/reliability"
)

type gateState struct {
	Step     string   `json:"step"`
	Approved bool     `json:"approved"`
	Notes    []string `json:"notes"`
}

type gateInput struct {
	FailTimes int           `json:"fail_times"`
	Timeout   time.Duration `json:"timeout"`
}

// gateFlow runs activity "a", waits for approve, then runs activity "b".
type gateFlow struct {
	in    gateInput
	calls *callLog
	state gateState
}

type callLog struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCallLog() *callLog { return &callLog{calls: make(map[string]int)} }

func (l *callLog) inc(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[name]++
	return l.calls[name]
}

func (l *callLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[name]
}

func (f *gateFlow) Run(c *Context) (string, error) {
	f.state.Step = "a"
	out, err := ExecuteActivity(c, "a", func(ctx context.Context) (string, error) {
		n := f.calls.inc("a")
		if n <= f.in.FailTimes {
			return "", errors.New("flaky")
		}
		return "A", nil
	})
	if err != nil {
		return "", err
	}
	f.state.Step = "gate"
	ok, err := c.Await("gate", f.in.Timeout, func() bool { return f.state.Approved })
	if err != nil {
		return "", err
	}
	if !ok {
		return "timed out", nil
	}
	f.state.Step = "b"
	more, err := ExecuteActivity(c, "b", func(ctx context.Context) (string, error) {
		f.calls.inc("b")
		return "B", nil
	})
	if err != nil {
		return "", err
	}
	f.state.Step = "done"
	return out + more, nil
}

func (f *gateFlow) HandleSignal(sig Signal) error {
	switch sig.Name {
	case "approve":
		f.state.Approved = true
	case "note":
		var note string
		if err := json.Unmarshal(sig.Payload, &note); err != nil {
			return err
		}
		f.state.Notes = append(f.state.Notes, note)
	default:
		return errors.New("unknown signal " + sig.Name)
	}
	return nil
}

func (f *gateFlow) Snapshot() any { return f.state }

func fastPolicy() reliability.RetryPolicy {
	return reliability.RetryPolicy{
		InitialInterval:        time.Millisecond,
		BackoffCoefficient:     2,
		MaxInterval:            5 * time.Millisecond,
		MaxAttempts:            3,
		StartToCloseTimeout:    500 * time.Millisecond,
		ScheduleToCloseTimeout: 2 * time.Second,
	}
}

func newTestEngine(t *testing.T, journal Journal, calls *callLog) *Engine {
	t.Helper()
	e := New(Options{
		Journal:        journal,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		ActivityPolicy: fastPolicy(),
	})
	e.Register("gate", func(input json.RawMessage) (Workflow, error) {
		f := &gateFlow{calls: calls}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &f.in); err != nil {
				return nil, err
			}
		}
		return f, nil
	})
	return e
}

func stopEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func awaitResult(t *testing.T, e *Engine, id string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return e.Await(ctx, id)
}

func waitForStep(t *testing.T, e *Engine, id, step string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		raw, err := e.Query(context.Background(), id)
		if err == nil {
			var st gateState
			if err := json.Unmarshal(raw, &st); err == nil && st.Step == step {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached step %q", id, step)
}

func signal(t *testing.T, e *Engine, id, name string, payload any) {
	t.Helper()
	sig, err := NewSignal(name, payload)
	if err != nil {
		t.Fatalf("build signal: %v", err)
	}
	if err := e.Signal(context.Background(), id, sig); err != nil {
		t.Fatalf("signal %s: %v", name, err)
	}
}

func TestEngine_RunsToCompletion(t *testing.T) {
	calls := newCallLog()
	e := newTestEngine(t, nil, calls)
	defer stopEngine(t, e)

	h, err := e.Start(context.Background(), "gate", "w1", gateInput{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.WorkflowID != "w1" || h.RunID == "" {
		t.Fatalf("unexpected handle %+v", h)
	}
	signal(t, e, "w1", "approve", nil)

	got, err := awaitResult(t, e, "w1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got != "AB" {
		t.Fatalf("expected AB, got %q", got)
	}
	desc, err := e.Describe(context.Background(), "w1")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if desc.Status != StatusCompleted || desc.Result != "AB" {
		t.Fatalf("unexpected description %+v", desc)
	}
	var st gateState
	if err := json.Unmarshal(desc.Snapshot, &st); err != nil || st.Step != "done" {
		t.Fatalf("expected final snapshot at done, got %s (%v)", desc.Snapshot, err)
	}
}

func TestEngine_StartRejectsActiveInstance(t *testing.T) {
	calls := newCallLog()
	e := newTestEngine(t, nil, calls)
	defer stopEngine(t, e)

	first, err := e.Start(context.Background(), "gate", "w1", gateInput{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.Start(context.Background(), "gate", "w1", gateInput{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	signal(t, e, "w1", "approve", nil)
	if _, err := awaitResult(t, e, "w1"); err != nil {
		t.Fatalf("await: %v", err)
	}
	second, err := e.Start(context.Background(), "gate", "w1", gateInput{})
	if err != nil {
		t.Fatalf("restart after completion: %v", err)
	}
	if second.RunID == first.RunID {
		t.Fatalf("expected a new run id")
	}
}

func TestEngine_UnknownInstance(t *testing.T) {
	e := newTestEngine(t, nil, newCallLog())
	defer stopEngine(t, e)

	if err := e.Signal(context.Background(), "missing", Signal{Name: "approve"}); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound from signal, got %v", err)
	}
	if _, err := e.Query(context.Background(), "missing"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound from query, got %v", err)
	}
	if _, err := e.Start(context.Background(), "nope", "w1", nil); !errors.Is(err, ErrUnknownWorkflow) {
		t.Fatalf("expected ErrUnknownWorkflow, got %v", err)
	}
}

func TestEngine_SignalsAfterCompletionAreIgnored(t *testing.T) {
	e := newTestEngine(t, nil, newCallLog())
	defer stopEngine(t, e)

	if _, err := e.Start(context.Background(), "gate", "w1", gateInput{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	signal(t, e, "w1", "approve", nil)
	if _, err := awaitResult(t, e, "w1"); err != nil {
		t.Fatalf("await: %v", err)
	}
	signal(t, e, "w1", "note", "late")

	raw, err := e.Query(context.Background(), "w1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var st gateState
	_ = json.Unmarshal(raw, &st)
	if len(st.Notes) != 0 {
		t.Fatalf("expected late signal to be a no-op, got %+v", st.Notes)
	}
}

func TestEngine_SignalsApplyInArrivalOrder(t *testing.T) {
	e := newTestEngine(t, nil, newCallLog())
	defer stopEngine(t, e)

	if _, err := e.Start(context.Background(), "gate", "w1", gateInput{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	signal(t, e, "w1", "note", "first")
	signal(t, e, "w1", "note", "second")
	waitForStep(t, e, "w1", "gate")
	signal(t, e, "w1", "note", "third")
	signal(t, e, "w1", "approve", nil)
	if _, err := awaitResult(t, e, "w1"); err != nil {
		t.Fatalf("await: %v", err)
	}

	raw, _ := e.Query(context.Background(), "w1")
	var st gateState
	_ = json.Unmarshal(raw, &st)
	want := []string{"first", "second", "third"}
	if len(st.Notes) != len(want) {
		t.Fatalf("expected %v, got %v", want, st.Notes)
	}
	for i := range want {
		if st.Notes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, st.Notes)
		}
	}
}

func TestEngine_AwaitTimeout(t *testing.T) {
	e := newTestEngine(t, nil, newCallLog())
	defer stopEngine(t, e)

	if _, err := e.Start(context.Background(), "gate", "w1", gateInput{Timeout: 20 * time.Millisecond}); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := awaitResult(t, e, "w1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got != "timed out" {
		t.Fatalf("expected timeout result, got %q", got)
	}
}

func TestEngine_ActivityRetriesThenSucceeds(t *testing.T) {
	calls := newCallLog()
	var reports []ActivityReport
	var mu sync.Mutex
	e := New(Options{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		ActivityPolicy: fastPolicy(),
		Hooks: Hooks{OnActivity: func(r ActivityReport) {
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
		}},
	})
	e.Register("gate", func(input json.RawMessage) (Workflow, error) {
		f := &gateFlow{calls: calls}
		return f, json.Unmarshal(input, &f.in)
	})
	defer stopEngine(t, e)

	if _, err := e.Start(context.Background(), "gate", "w1", gateInput{FailTimes: 2}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStep(t, e, "w1", "gate")
	if calls.count("a") != 3 {
		t.Fatalf("expected 3 attempts of a, got %d", calls.count("a"))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 || reports[0].Attempts != 3 || reports[0].Err != nil {
		t.Fatalf("unexpected reports %+v", reports)
	}
}

func TestEngine_ActivityExhaustionFailsRun(t *testing.T) {
	calls := newCallLog()
	e := newTestEngine(t, nil, calls)
	defer stopEngine(t, e)

	if _, err := e.Start(context.Background(), "gate", "w1", gateInput{FailTimes: 10}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := awaitResult(t, e, "w1")
	var actErr *ActivityError
	if !errors.As(err, &actErr) || actErr.Activity != "a" {
		t.Fatalf("expected ActivityError for a, got %v", err)
	}
	var attemptErr *reliability.AttemptError
	if !errors.As(err, &attemptErr) || attemptErr.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %v", err)
	}
	if calls.count("a") != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls.count("a"))
	}

	desc, _ := e.Describe(context.Background(), "w1")
	if desc.Status != StatusFailed || desc.Error == "" {
		t.Fatalf("expected failed description, got %+v", desc)
	}
	if _, err := e.Query(context.Background(), "w1"); err != nil {
		t.Fatalf("status must stay queryable after failure: %v", err)
	}
}

func TestEngine_RecoverReplaysWithoutRerunningActivities(t *testing.T) {
	journal := NewMemoryJournal()
	calls := newCallLog()

	first := newTestEngine(t, journal, calls)
	if _, err := first.Start(context.Background(), "gate", "w1", gateInput{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	signal(t, first, "w1", "note", "before")
	waitForStep(t, first, "w1", "gate")
	stopEngine(t, first)

	inst, err := journal.Load(context.Background(), "w1")
	if err != nil || inst.Status != StatusRunning {
		t.Fatalf("expected instance to stay running across shutdown, got %+v %v", inst, err)
	}
	// A signal journaled but never applied before the crash.
	if _, err := journal.Append(context.Background(), Record{InstanceID: "w1", RunID: inst.RunID, Kind: KindSignalReceived, Name: "note", Payload: json.RawMessage(`"queued"`)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	second := newTestEngine(t, journal, calls)
	defer stopEngine(t, second)
	n, err := second.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one recovered instance, got %d", n)
	}
	signal(t, second, "w1", "approve", nil)

	got, err := awaitResult(t, second, "w1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got != "AB" {
		t.Fatalf("expected AB, got %q", got)
	}
	if calls.count("a") != 1 || calls.count("b") != 1 {
		t.Fatalf("expected each activity once, got a=%d b=%d", calls.count("a"), calls.count("b"))
	}

	raw, _ := second.Query(context.Background(), "w1")
	var st gateState
	_ = json.Unmarshal(raw, &st)
	if len(st.Notes) != 2 || st.Notes[0] != "before" || st.Notes[1] != "queued" {
		t.Fatalf("expected replayed and requeued notes, got %v", st.Notes)
	}
}

func TestEngine_RecoverDetectsDivergedHistory(t *testing.T) {
	journal := NewMemoryJournal()
	ctx := context.Background()
	if err := journal.Create(ctx, Instance{ID: "w1", RunID: "r1", Type: "gate", Input: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := journal.Append(ctx, Record{InstanceID: "w1", RunID: "r1", Kind: KindActivity, Name: "other", Payload: json.RawMessage(`"x"`)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	e := newTestEngine(t, journal, newCallLog())
	defer stopEngine(t, e)
	if _, err := e.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := awaitResult(t, e, "w1"); !errors.Is(err, ErrNondeterministic) {
		t.Fatalf("expected ErrNondeterministic, got %v", err)
	}
}

// relayFlow starts a gate child that reports back before failing.
type relayFlow struct {
	state struct {
		Step   string `json:"step"`
		Reason string `json:"reason"`
	}
}

func (f *relayFlow) Run(c *Context) (string, error) {
	f.state.Step = "child"
	return ExecuteChild(c, "reporter", "child-"+c.WorkflowID(), nil)
}

func (f *relayFlow) HandleSignal(sig Signal) error {
	if sig.Name == "reason" && f.state.Reason == "" {
		return json.Unmarshal(sig.Payload, &f.state.Reason)
	}
	return nil
}

func (f *relayFlow) Snapshot() any { return f.state }

type reporterFlow struct{}

func (reporterFlow) Run(c *Context) (string, error) {
	sig, _ := NewSignal("reason", "carrier down")
	_ = c.SignalExternal("p1", sig)
	_ = c.SignalExternal("nobody", sig)
	return "", errors.New("dispatch failed")
}

func (reporterFlow) HandleSignal(Signal) error { return nil }
func (reporterFlow) Snapshot() any            { return map[string]string{} }

func TestEngine_ChildFailurePropagatesAfterSignal(t *testing.T) {
	e := New(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), ActivityPolicy: fastPolicy()})
	e.Register("relay", func(json.RawMessage) (Workflow, error) { return &relayFlow{}, nil })
	e.Register("reporter", func(json.RawMessage) (Workflow, error) { return reporterFlow{}, nil })
	defer stopEngine(t, e)

	if _, err := e.Start(context.Background(), "relay", "p1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := awaitResult(t, e, "p1")
	var childErr *ChildError
	if !errors.As(err, &childErr) || childErr.ChildID != "child-p1" {
		t.Fatalf("expected ChildError, got %v", err)
	}

	raw, err := e.Query(context.Background(), "p1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var st struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(raw, &st)
	if st.Reason != "carrier down" {
		t.Fatalf("expected parent to observe the child's reason, got %q", st.Reason)
	}

	child, err := e.Describe(context.Background(), "child-p1")
	if err != nil || child.Status != StatusFailed {
		t.Fatalf("expected failed child, got %+v %v", child, err)
	}
}

func TestEngine_ExecutionTimeoutFailsRun(t *testing.T) {
	e := newTestEngine(t, nil, newCallLog())
	defer stopEngine(t, e)

	if _, err := e.Start(context.Background(), "gate", "w1", gateInput{}, WithExecutionTimeout(30*time.Millisecond)); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := awaitResult(t, e, "w1")
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("expected ErrExecutionTimeout, got %v", err)
	}
	desc, err := e.Describe(context.Background(), "w1")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if desc.Status != StatusFailed || desc.Error == "" {
		t.Fatalf("expected failed run with error, got %+v", desc)
	}

	// Runs without the option are not bounded.
	if _, err := e.Start(context.Background(), "gate", "w2", gateInput{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStep(t, e, "w2", "gate")
	time.Sleep(50 * time.Millisecond)
	if desc, _ := e.Describe(context.Background(), "w2"); desc.Status != StatusRunning {
		t.Fatalf("expected unbounded run to keep running, got %s", desc.Status)
	}
}

func TestEngine_ExecutionDeadlineSurvivesRecovery(t *testing.T) {
	journal := NewMemoryJournal()
	calls := newCallLog()

	first := newTestEngine(t, journal, calls)
	if _, err := first.Start(context.Background(), "gate", "w1", gateInput{}, WithExecutionTimeout(150*time.Millisecond)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStep(t, first, "w1", "gate")
	stopEngine(t, first)

	inst, err := journal.Load(context.Background(), "w1")
	if err != nil || inst.Deadline.IsZero() {
		t.Fatalf("expected a journaled deadline, got %+v %v", inst, err)
	}

	second := newTestEngine(t, journal, calls)
	defer stopEngine(t, second)
	if _, err := second.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := awaitResult(t, second, "w1"); !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("expected recovered run to hit its deadline, got %v", err)
	}
	if calls.count("a") != 1 {
		t.Fatalf("expected activity a once, got %d", calls.count("a"))
	}
}

func TestEngine_RecoverManyInstances(t *testing.T) {
	journal := NewMemoryJournal()
	calls := newCallLog()
	ids := []string{"w1", "w2", "w3", "w4"}

	first := newTestEngine(t, journal, calls)
	for _, id := range ids {
		if _, err := first.Start(context.Background(), "gate", id, gateInput{}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		waitForStep(t, first, id, "gate")
	}
	stopEngine(t, first)

	second := newTestEngine(t, journal, calls)
	defer stopEngine(t, second)
	n, err := second.Recover(context.Background())
	if err != nil || n != len(ids) {
		t.Fatalf("expected %d recovered, got %d %v", len(ids), n, err)
	}
	for _, id := range ids {
		signal(t, second, id, "approve", nil)
	}
	for _, id := range ids {
		if got, err := awaitResult(t, second, id); err != nil || got != "AB" {
			t.Fatalf("%s: expected AB, got %q %v", id, got, err)
		}
	}
	if calls.count("a") != len(ids) {
		t.Fatalf("expected activity a once per instance, got %d", calls.count("a"))
	}
}

// slowJournal blocks Create and signal_received appends until released.
type slowJournal struct {
	*MemoryJournal
	hold    chan struct{}
	entered chan string
}

func (j *slowJournal) Create(ctx context.Context, inst Instance) error {
	if inst.ID == "slow" {
		j.entered <- "create"
		<-j.hold
	}
	return j.MemoryJournal.Create(ctx, inst)
}

func (j *slowJournal) Append(ctx context.Context, rec Record) (int64, error) {
	if rec.Kind == KindSignalReceived && rec.Name == "note" {
		j.entered <- "signal"
		<-j.hold
	}
	return j.MemoryJournal.Append(ctx, rec)
}

func TestEngine_QueriesDoNotWaitOnJournalWrites(t *testing.T) {
	journal := &slowJournal{MemoryJournal: NewMemoryJournal(), hold: make(chan struct{}), entered: make(chan string, 2)}
	e := newTestEngine(t, journal, newCallLog())
	defer stopEngine(t, e)

	if _, err := e.Start(context.Background(), "gate", "w1", gateInput{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStep(t, e, "w1", "gate")

	errs := make(chan error, 2)
	go func() {
		_, err := e.Start(context.Background(), "gate", "slow", gateInput{})
		errs <- err
	}()
	go func() {
		errs <- e.Signal(context.Background(), "w1", Signal{Name: "note", Payload: json.RawMessage(`"n"`)})
	}()
	for i := 0; i < 2; i++ {
		select {
		case <-journal.entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("journal writes never started")
		}
	}

	queried := make(chan error, 1)
	go func() {
		_, err := e.Query(context.Background(), "w1")
		queried <- err
	}()
	select {
	case err := <-queried:
		if err != nil {
			t.Fatalf("query: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("query blocked behind journal writes")
	}
	if _, err := e.Start(context.Background(), "gate", "slow", gateInput{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected concurrent start of a reserved id to fail, got %v", err)
	}

	close(journal.hold)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("blocked call: %v", err)
		}
	}
}
