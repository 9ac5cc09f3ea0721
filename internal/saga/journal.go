package saga

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a saga run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the run has ended.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RecordKind names a history entry.
type RecordKind string

const (
	KindStarted        RecordKind = "started"
	KindSignalReceived RecordKind = "signal_received"
	KindSignal         RecordKind = "signal"
	KindActivity       RecordKind = "activity"
	KindWait           RecordKind = "wait"
	KindChild          RecordKind = "child"
	KindSignalSent     RecordKind = "signal_sent"
	KindCompleted      RecordKind = "completed"
	KindFailed         RecordKind = "failed"
)

// command reports whether replay consumes the record as a workflow command.
func (k RecordKind) command() bool {
	switch k {
	case KindActivity, KindWait, KindChild, KindSignalSent:
		return true
	default:
		return false
	}
}

// Instance is the persisted row of one saga run.
type Instance struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Type        string          `json:"type"`
	Input       json.RawMessage `json:"input"`
	Status      Status          `json:"status"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	ParentRunID string          `json:"parent_run_id,omitempty"`
	Deadline    time.Time       `json:"deadline,omitzero"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Record is one append-only history entry of a run. Ref links an applied
// signal to the signal_received record it consumed.
type Record struct {
	Seq        int64           `json:"seq"`
	InstanceID string          `json:"instance_id"`
	RunID      string          `json:"run_id"`
	Kind       RecordKind      `json:"kind"`
	Name       string          `json:"name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	Ref        int64           `json:"ref,omitempty"`
	At         time.Time       `json:"at"`
}

// Journal persists saga instances and their history.
// Implementations must be safe for concurrent use.
type Journal interface {
	// Create stores a new run. It returns ErrAlreadyStarted when a run with
	// the same id is still running; a terminal run is replaced.
	Create(ctx context.Context, inst Instance) error
	// Append adds a history record and returns its sequence number.
	Append(ctx context.Context, rec Record) (int64, error)
	// History returns the run's records in sequence order.
	History(ctx context.Context, id, runID string) ([]Record, error)
	SaveSnapshot(ctx context.Context, id, runID string, snapshot json.RawMessage) error
	Finish(ctx context.Context, id, runID string, status Status, result, errMsg string) error
	// Load returns the latest run for id or ErrInstanceNotFound.
	Load(ctx context.Context, id string) (Instance, error)
	Running(ctx context.Context) ([]Instance, error)
	Close() error
}

// MemoryJournal is a process-local Journal used by tests and local runs.
type MemoryJournal struct {
	mu        sync.Mutex
	seq       int64
	now       func() time.Time
	instances map[string]Instance
	history   map[string][]Record
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		now:       time.Now,
		instances: make(map[string]Instance),
		history:   make(map[string][]Record),
	}
}

func (j *MemoryJournal) Create(ctx context.Context, inst Instance) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if existing, ok := j.instances[inst.ID]; ok && existing.Status == StatusRunning {
		return ErrAlreadyStarted
	}
	now := j.now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	if inst.Status == "" {
		inst.Status = StatusRunning
	}
	j.instances[inst.ID] = inst
	return nil
}

func (j *MemoryJournal) Append(ctx context.Context, rec Record) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	rec.Seq = j.seq
	if rec.At.IsZero() {
		rec.At = j.now()
	}
	key := historyKey(rec.InstanceID, rec.RunID)
	j.history[key] = append(j.history[key], rec)
	return rec.Seq, nil
}

func (j *MemoryJournal) History(ctx context.Context, id, runID string) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	recs := append([]Record(nil), j.history[historyKey(id, runID)]...)
	sort.Slice(recs, func(a, b int) bool { return recs[a].Seq < recs[b].Seq })
	return recs, nil
}

func (j *MemoryJournal) SaveSnapshot(ctx context.Context, id, runID string, snapshot json.RawMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	inst, ok := j.instances[id]
	if !ok || inst.RunID != runID {
		return ErrInstanceNotFound
	}
	inst.Snapshot = append(json.RawMessage(nil), snapshot...)
	inst.UpdatedAt = j.now()
	j.instances[id] = inst
	return nil
}

func (j *MemoryJournal) Finish(ctx context.Context, id, runID string, status Status, result, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	inst, ok := j.instances[id]
	if !ok || inst.RunID != runID {
		return ErrInstanceNotFound
	}
	inst.Status = status
	inst.Result = result
	inst.Error = errMsg
	inst.UpdatedAt = j.now()
	j.instances[id] = inst
	return nil
}

func (j *MemoryJournal) Load(ctx context.Context, id string) (Instance, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	inst, ok := j.instances[id]
	if !ok {
		return Instance{}, ErrInstanceNotFound
	}
	return inst, nil
}

func (j *MemoryJournal) Running(ctx context.Context) ([]Instance, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Instance
	for _, inst := range j.instances {
		if inst.Status == StatusRunning {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (j *MemoryJournal) Close() error { return nil }

func historyKey(id, runID string) string {
	return id + "/" + runID
}
