package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Context is handed to Workflow.Run. Every blocking call a workflow makes
// goes through it so the outcome is journaled and replayable.
type Context struct {
	inst *instance
}

func (c *Context) WorkflowID() string { return c.inst.id }

func (c *Context) RunID() string { return c.inst.runID }

func (c *Context) Logger() *slog.Logger { return c.inst.log }

// Replaying reports whether the workflow is re-executing recorded history.
func (c *Context) Replaying() bool { return c.inst.replaying }

// Checkpoint publishes the workflow's current snapshot.
func (c *Context) Checkpoint() {
	c.inst.publish()
}

// ExecuteActivity runs fn under the engine's retry policy on a helper
// goroutine while the instance keeps applying signals. The result is
// journaled as JSON; on replay the recorded outcome is returned instead.
func ExecuteActivity[T any](c *Context, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	i := c.inst
	rec, replayed, err := i.next(KindActivity, name)
	if err != nil {
		return zero, err
	}
	if replayed {
		if rec.Error != "" {
			return zero, &ActivityError{Activity: name, Err: recordedError(rec.Error)}
		}
		var out T
		if len(rec.Payload) > 0 {
			if err := json.Unmarshal(rec.Payload, &out); err != nil {
				return zero, fmt.Errorf("decode recorded %s result: %w", name, err)
			}
		}
		return out, nil
	}

	var (
		mu     sync.Mutex
		out    T
		actErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := i.engine.runActivity(i, name, func(ctx context.Context) error {
			v, err := fn(ctx)
			if err == nil {
				mu.Lock()
				out = v
				mu.Unlock()
			}
			return err
		})
		mu.Lock()
		actErr = err
		mu.Unlock()
	}()
	if err := i.await(done); err != nil {
		return zero, err
	}

	mu.Lock()
	result, failure := out, actErr
	mu.Unlock()

	if failure != nil {
		if err := i.record(KindActivity, name, nil, failure.Error()); err != nil {
			return zero, err
		}
		return zero, &ActivityError{Activity: name, Err: failure}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("encode %s result: %w", name, err)
	}
	if err := i.record(KindActivity, name, payload, ""); err != nil {
		return zero, err
	}
	return result, nil
}

func (e *Engine) runActivity(i *instance, name string, call func(context.Context) error) error {
	ctx, span := e.tracer.Start(i.ctx, "activity "+name, trace.WithAttributes(
		attribute.String("saga.workflow_id", i.id),
		attribute.String("saga.activity", name),
	))
	defer span.End()

	var attempts atomic.Int32
	policy := e.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		i.log.WarnContext(ctx, "activity attempt failed", "activity", name, "attempt", attempt, "retry_in", delay, "error", err)
		if e.hooks.OnRetry != nil {
			e.hooks.OnRetry(i.typ, name, attempt, delay, err)
		}
	}

	start := e.now()
	err := policy.Do(ctx, func(ctx context.Context) error {
		attempts.Add(1)
		return call(ctx)
	})
	elapsed := e.now().Sub(start)
	span.SetAttributes(attribute.Int("saga.attempts", int(attempts.Load())))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.log.WarnContext(ctx, "activity gave up", "activity", name, "attempts", attempts.Load(), "error", err)
	} else {
		i.log.DebugContext(ctx, "activity completed", "activity", name, "attempts", attempts.Load(), "duration", elapsed)
	}
	if e.hooks.OnActivity != nil {
		e.hooks.OnActivity(ActivityReport{
			WorkflowType: i.typ,
			Activity:     name,
			Attempts:     int(attempts.Load()),
			Duration:     elapsed,
			Err:          err,
		})
	}
	return err
}

type waitOutcome struct {
	Satisfied bool `json:"satisfied"`
}

// Await suspends until cond holds or timeout elapses. Every queued signal is
// applied before cond is evaluated, so signals that arrived together are all
// seen by the same check. A non-positive timeout waits indefinitely. It
// reports whether cond was satisfied.
func (c *Context) Await(name string, timeout time.Duration, cond func() bool) (bool, error) {
	i := c.inst
	rec, replayed, err := i.next(KindWait, name)
	if err != nil {
		return false, err
	}
	if replayed {
		var out waitOutcome
		if err := json.Unmarshal(rec.Payload, &out); err != nil {
			return false, fmt.Errorf("decode recorded wait %s: %w", name, err)
		}
		return out.Satisfied, nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	satisfied := false
wait:
	for {
		i.drain()
		if cond() {
			satisfied = true
			break
		}
		select {
		case <-i.box.wait():
		case <-expired:
			break wait
		case <-i.ctx.Done():
			return false, i.haltErr()
		}
	}

	payload, _ := json.Marshal(waitOutcome{Satisfied: satisfied})
	if err := i.record(KindWait, name, payload, ""); err != nil {
		return false, err
	}
	return satisfied, nil
}

// ExecuteChild starts workflowType under childID as a child of this run and
// blocks until it ends. A child already started by this run, for example
// before a restart, is awaited instead of started again.
func ExecuteChild(c *Context, workflowType, childID string, input any) (string, error) {
	i := c.inst
	rec, replayed, err := i.next(KindChild, childID)
	if err != nil {
		return "", err
	}
	if replayed {
		if rec.Error != "" {
			return "", &ChildError{ChildID: childID, Err: recordedError(rec.Error)}
		}
		var result string
		if len(rec.Payload) > 0 {
			if err := json.Unmarshal(rec.Payload, &result); err != nil {
				return "", fmt.Errorf("decode recorded child %s: %w", childID, err)
			}
		}
		return result, nil
	}

	child, err := i.engine.attachChild(i, workflowType, childID, input)
	if err != nil {
		if errors.Is(err, ErrShutdown) {
			return "", err
		}
		if rerr := i.record(KindChild, childID, nil, err.Error()); rerr != nil {
			return "", rerr
		}
		return "", &ChildError{ChildID: childID, Err: err}
	}
	if err := i.await(child.done); err != nil {
		return "", err
	}

	result, childErr := child.outcome()
	if childErr != nil {
		if err := i.record(KindChild, childID, nil, childErr.Error()); err != nil {
			return "", err
		}
		return "", &ChildError{ChildID: childID, Err: childErr}
	}
	payload, _ := json.Marshal(result)
	if err := i.record(KindChild, childID, payload, ""); err != nil {
		return "", err
	}
	return result, nil
}

// childRun is the parent's view of a child: a completion channel and its outcome.
type childRun struct {
	done    <-chan struct{}
	outcome func() (string, error)
}

func (e *Engine) attachChild(parent *instance, workflowType, childID string, input any) (childRun, error) {
	if existing := e.lookup(childID); existing != nil && existing.parentRunID == parent.runID {
		return childRun{done: existing.done, outcome: existing.outcome}, nil
	}
	rec, err := e.journal.Load(parent.journalContext(), childID)
	if err == nil && rec.ParentRunID == parent.runID && rec.Status.Terminal() {
		closed := make(chan struct{})
		close(closed)
		return childRun{done: closed, outcome: func() (string, error) {
			return rec.Result, recordedError(rec.Error)
		}}, nil
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return childRun{}, fmt.Errorf("encode child input: %w", err)
	}
	child, err := e.start(parent.journalContext(), workflowType, childID, raw, parent.id, parent.runID, time.Time{})
	if err != nil {
		return childRun{}, err
	}
	return childRun{done: child.done, outcome: child.outcome}, nil
}

// SignalExternal sends a signal to another instance. Delivery is best
// effort: the returned error is informational and is journaled so replay
// reports the same outcome without sending again.
func (c *Context) SignalExternal(targetID string, sig Signal) error {
	i := c.inst
	name := targetID + ":" + sig.Name
	rec, replayed, err := i.next(KindSignalSent, name)
	if err != nil {
		return err
	}
	if replayed {
		return recordedError(rec.Error)
	}

	sendErr := i.engine.Signal(i.journalContext(), targetID, sig)
	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
		i.log.Warn("external signal not delivered", "target", targetID, "signal", sig.Name, "error", sendErr)
	}
	if err := i.record(KindSignalSent, name, sig.Payload, errMsg); err != nil {
		return err
	}
	return sendErr
}
