package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instance is one hosted run. Fields below mu are shared with callers of
// Query/Signal/Await; everything else belongs to the instance goroutine.
// gate orders signal delivery against finish and is taken before mu.
type instance struct {
	engine      *Engine
	id          string
	runID       string
	typ         string
	parentID    string
	parentRunID string
	wf          Workflow
	box         *mailbox
	log         *slog.Logger
	ctx         context.Context
	startedAt   time.Time
	deadline    time.Time

	history   []Record
	pos       int
	replaying bool

	gate sync.Mutex

	mu       sync.Mutex
	snapshot json.RawMessage
	status   Status
	result   string
	err      error
	done     chan struct{}
}

func (e *Engine) newInstance(id, runID, typ, parentID, parentRunID string, wf Workflow) *instance {
	return &instance{
		engine:      e,
		id:          id,
		runID:       runID,
		typ:         typ,
		parentID:    parentID,
		parentRunID: parentRunID,
		wf:          wf,
		box:         newMailbox(),
		log:         e.logger.With("workflow_id", id, "run_id", runID, "workflow_type", typ),
		ctx:         e.ctx,
		startedAt:   e.now(),
		status:      StatusRunning,
		done:        make(chan struct{}),
	}
}

func (i *instance) run() {
	defer i.engine.wg.Done()

	ctx, span := i.engine.tracer.Start(i.engine.ctx, "saga "+i.typ, trace.WithAttributes(
		attribute.String("saga.workflow_id", i.id),
		attribute.String("saga.run_id", i.runID),
		attribute.Bool("saga.recovered", i.replaying),
	))
	if !i.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, i.deadline)
		defer cancel()
	}
	i.ctx = ctx
	defer span.End()

	result, err := i.execute(&Context{inst: i})
	if i.engine.ctx.Err() != nil {
		i.abandon()
		return
	}
	if err != nil && ctx.Err() != nil {
		i.log.Warn("saga passed its execution deadline", "deadline", i.deadline, "error", err)
		err = fmt.Errorf("%w at %s", ErrExecutionTimeout, i.deadline.UTC().Format(time.RFC3339))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	i.finish(result, err)
}

func (i *instance) execute(c *Context) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return i.wf.Run(c)
}

// finish journals the outcome, then flips the instance terminal so later
// signals become no-ops.
func (i *instance) finish(result string, runErr error) {
	status := StatusCompleted
	kind := KindCompleted
	errMsg := ""
	if runErr != nil {
		status = StatusFailed
		kind = KindFailed
		errMsg = runErr.Error()
		result = ""
	}

	jctx := i.journalContext()
	payload, _ := json.Marshal(result)
	if _, err := i.engine.journal.Append(jctx, Record{InstanceID: i.id, RunID: i.runID, Kind: kind, Payload: payload, Error: errMsg}); err != nil {
		i.log.Error("journal saga outcome", "error", err)
	}
	if err := i.engine.journal.Finish(jctx, i.id, i.runID, status, result, errMsg); err != nil {
		i.log.Error("finish saga", "error", err)
	}

	snapshot := i.marshalSnapshot()
	i.gate.Lock()
	i.mu.Lock()
	if snapshot != nil {
		i.snapshot = snapshot
	}
	i.status = status
	i.result = result
	i.err = runErr
	snapshot = i.snapshot
	i.box.close()
	i.mu.Unlock()
	i.gate.Unlock()

	if snapshot != nil {
		if err := i.engine.journal.SaveSnapshot(jctx, i.id, i.runID, snapshot); err != nil {
			i.log.Warn("persist final snapshot", "error", err)
		}
	}
	i.engine.emit(i, snapshot, status, result, errMsg)
	if i.engine.hooks.OnFinish != nil {
		i.engine.hooks.OnFinish(i.typ, status, i.engine.now().Sub(i.startedAt))
	}
	if runErr != nil {
		i.log.Warn("saga failed", "error", runErr)
	} else {
		i.log.Info("saga completed", "result", result)
	}
	close(i.done)
}

// abandon releases waiters without touching the journal; the run resumes
// on the next recovery.
func (i *instance) abandon() {
	i.mu.Lock()
	i.err = ErrShutdown
	i.mu.Unlock()
	i.log.Info("saga suspended for shutdown")
	close(i.done)
}

// haltErr explains why the run's context ended.
func (i *instance) haltErr() error {
	if i.engine.ctx.Err() != nil {
		return ErrShutdown
	}
	return ErrExecutionTimeout
}

func (i *instance) terminal() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status.Terminal()
}

func (i *instance) outcome() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result, i.err
}

func (i *instance) describe() Description {
	i.mu.Lock()
	defer i.mu.Unlock()
	d := Description{
		WorkflowID: i.id,
		RunID:      i.runID,
		Type:       i.typ,
		Status:     i.status,
		Result:     i.result,
		Snapshot:   i.snapshot,
	}
	if i.err != nil && i.status.Terminal() {
		d.Error = i.err.Error()
	}
	return d
}

// deliver journals the signal's arrival and queues it. Holding gate orders
// it against finish, so a signal is either queued before the run ends or
// dropped. Queries only take mu and never wait on the journal write.
func (i *instance) deliver(ctx context.Context, sig Signal) error {
	i.gate.Lock()
	defer i.gate.Unlock()
	if i.terminal() {
		return nil
	}
	seq, err := i.engine.journal.Append(ctx, Record{
		InstanceID: i.id,
		RunID:      i.runID,
		Kind:       KindSignalReceived,
		Name:       sig.Name,
		Payload:    sig.Payload,
	})
	if err != nil {
		return fmt.Errorf("journal signal %s: %w", sig.Name, err)
	}
	i.box.post(letter{seq: seq, signal: sig})
	return nil
}

// next consumes history up to the next command. It applies recorded signals
// on the way and returns the command record when one is left to replay.
func (i *instance) next(kind RecordKind, name string) (Record, bool, error) {
	for i.replaying && i.pos < len(i.history) {
		rec := i.history[i.pos]
		i.pos++
		switch {
		case rec.Kind == KindSignal:
			if err := i.wf.HandleSignal(Signal{Name: rec.Name, Payload: rec.Payload}); err != nil {
				i.log.Debug("replayed signal rejected", "signal", rec.Name, "error", err)
			}
		case rec.Kind.command():
			if rec.Kind != kind || rec.Name != name {
				return Record{}, false, fmt.Errorf("%w: want %s %q, history has %s %q at seq %d",
					ErrNondeterministic, kind, name, rec.Kind, rec.Name, rec.Seq)
			}
			return rec, true, nil
		}
	}
	if i.replaying {
		i.replaying = false
		i.history = nil
		i.log.Info("saga replay complete")
	}
	i.publish()
	return Record{}, false, nil
}

// apply runs one queued signal through the workflow and journals it.
func (i *instance) apply(l letter) {
	rec := Record{
		InstanceID: i.id,
		RunID:      i.runID,
		Kind:       KindSignal,
		Name:       l.signal.Name,
		Payload:    l.signal.Payload,
		Ref:        l.seq,
	}
	if err := i.wf.HandleSignal(l.signal); err != nil {
		rec.Error = err.Error()
		i.log.Warn("signal rejected", "signal", l.signal.Name, "error", err)
	} else {
		i.log.Debug("signal applied", "signal", l.signal.Name)
	}
	if _, err := i.engine.journal.Append(i.journalContext(), rec); err != nil {
		i.log.Error("journal applied signal", "signal", l.signal.Name, "error", err)
	}
	i.publish()
}

func (i *instance) drain() {
	for {
		l, ok := i.box.take()
		if !ok {
			return
		}
		i.apply(l)
	}
}

// await keeps applying signals until done closes.
func (i *instance) await(done <-chan struct{}) error {
	for {
		if l, ok := i.box.take(); ok {
			i.apply(l)
			continue
		}
		select {
		case <-done:
			if i.engine.ctx.Err() != nil {
				return ErrShutdown
			}
			i.drain()
			return nil
		case <-i.box.wait():
		case <-i.ctx.Done():
			return i.haltErr()
		}
	}
}

// record appends a command outcome to the history.
func (i *instance) record(kind RecordKind, name string, payload json.RawMessage, errMsg string) error {
	_, err := i.engine.journal.Append(i.journalContext(), Record{
		InstanceID: i.id,
		RunID:      i.runID,
		Kind:       kind,
		Name:       name,
		Payload:    payload,
		Error:      errMsg,
	})
	if err != nil {
		return fmt.Errorf("journal %s %s: %w", kind, name, err)
	}
	return nil
}

// publish refreshes the queryable snapshot. While replaying it only
// updates memory; the journal already holds a newer one.
func (i *instance) publish() {
	snapshot := i.marshalSnapshot()
	if snapshot == nil {
		return
	}
	i.mu.Lock()
	changed := string(i.snapshot) != string(snapshot)
	i.snapshot = snapshot
	i.mu.Unlock()
	if i.replaying || !changed {
		return
	}
	if err := i.engine.journal.SaveSnapshot(i.journalContext(), i.id, i.runID, snapshot); err != nil {
		i.log.Warn("persist snapshot", "error", err)
	}
	i.engine.emit(i, snapshot, StatusRunning, "", "")
}

func (i *instance) marshalSnapshot() json.RawMessage {
	raw, err := json.Marshal(i.wf.Snapshot())
	if err != nil {
		i.log.Error("encode snapshot", "error", err)
		return nil
	}
	return raw
}

// journalContext outlives engine shutdown so in-flight bookkeeping completes.
func (i *instance) journalContext() context.Context {
	return context.WithoutCancel(i.ctx)
}
