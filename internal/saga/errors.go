package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceNotFound means no saga instance exists for the id.
	ErrInstanceNotFound = errors.New("saga instance not found")
	// ErrAlreadyStarted means a run for the id is still active.
	ErrAlreadyStarted = errors.New("saga instance already started")
	// ErrNoStatus means the instance has not published a snapshot yet.
	ErrNoStatus = errors.New("saga instance has no status")
	// ErrUnknownWorkflow means no factory is registered for the workflow type.
	ErrUnknownWorkflow = errors.New("unknown workflow type")
	// ErrNondeterministic means workflow code diverged from its recorded history.
	ErrNondeterministic = errors.New("workflow diverged from history")
	// ErrShutdown is returned to workflow commands when the engine stops.
	ErrShutdown = errors.New("saga engine shutting down")
	// ErrExecutionTimeout fails a run that outlived its execution deadline.
	ErrExecutionTimeout = errors.New("saga execution timed out")
)

// ActivityError is returned by ExecuteActivity when the activity gave up.
type ActivityError struct {
	Activity string
	Err      error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s: %v", e.Activity, e.Err)
}

func (e *ActivityError) Unwrap() error { return e.Err }

// ChildError is returned by ExecuteChild when the child run failed.
type ChildError struct {
	ChildID string
	Err     error
}

func (e *ChildError) Error() string {
	return fmt.Sprintf("child %s failed: %v", e.ChildID, e.Err)
}

func (e *ChildError) Unwrap() error { return e.Err }

// recordedError restores an error from its journaled message.
func recordedError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
