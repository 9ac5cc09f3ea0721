package observability

import (
	"time"

	"trellis/internal/saga"
)

type ActivitySnapshot struct {
	Calls        int64   `json:"calls"`
	Failures     int64   `json:"failures"`
	Attempts     int64   `json:"attempts"`
	Retries      int64   `json:"retries"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
}

type SagaSnapshot struct {
	Completed    int64   `json:"completed"`
	Failed       int64   `json:"failed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type activityStats struct {
	calls        int64
	failures     int64
	attempts     int64
	retries      int64
	totalLatency time.Duration
	maxLatency   time.Duration
}

type sagaStats struct {
	completed    int64
	failed       int64
	totalLatency time.Duration
}

// ObserveActivity records one finished activity call, keyed "<workflow>/<activity>".
func (m *Metrics) ObserveActivity(r saga.ActivityReport) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.ensureActivity(r.WorkflowType, r.Activity)
	stats.calls++
	stats.attempts += int64(r.Attempts)
	if r.Err != nil {
		stats.failures++
	}
	stats.totalLatency += r.Duration
	if r.Duration > stats.maxLatency {
		stats.maxLatency = r.Duration
	}
}

// AddRetry counts a retried activity attempt.
func (m *Metrics) AddRetry(workflowType, activity string, _ int, _ time.Duration, _ error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ensureActivity(workflowType, activity).retries++
	m.mu.Unlock()
}

// ObserveSaga records a saga run reaching a terminal status.
func (m *Metrics) ObserveSaga(workflowType string, status saga.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.sagas[workflowType]
	if !ok {
		stats = &sagaStats{}
		m.sagas[workflowType] = stats
	}
	switch status {
	case saga.StatusCompleted:
		stats.completed++
	case saga.StatusFailed:
		stats.failed++
	default:
		return
	}
	stats.totalLatency += d
}

// TrackDroppedUpdates exposes a dropped-update counter in snapshots.
func (m *Metrics) TrackDroppedUpdates(fn func() int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.droppedUpdates = fn
	m.mu.Unlock()
}

// SagaHooks returns engine hooks feeding m. onUpdate may be nil.
func (m *Metrics) SagaHooks(onUpdate func(saga.Update)) saga.Hooks {
	return saga.Hooks{
		OnUpdate:   onUpdate,
		OnActivity: m.ObserveActivity,
		OnRetry:    m.AddRetry,
		OnFinish:   m.ObserveSaga,
	}
}

func (m *Metrics) ensureActivity(workflowType, activity string) *activityStats {
	key := workflowType + "/" + activity
	stats, ok := m.activities[key]
	if !ok {
		stats = &activityStats{}
		m.activities[key] = stats
	}
	return stats
}

func (m *Metrics) activitySnapshots() map[string]ActivitySnapshot {
	out := make(map[string]ActivitySnapshot, len(m.activities))
	for key, stats := range m.activities {
		avg := 0.0
		if stats.calls > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.calls)
		}
		out[key] = ActivitySnapshot{
			Calls:        stats.calls,
			Failures:     stats.failures,
			Attempts:     stats.attempts,
			Retries:      stats.retries,
			AvgLatencyMs: avg,
			MaxLatencyMs: float64(stats.maxLatency.Milliseconds()),
		}
	}
	return out
}

func (m *Metrics) sagaSnapshots() map[string]SagaSnapshot {
	out := make(map[string]SagaSnapshot, len(m.sagas))
	for typ, stats := range m.sagas {
		avg := 0.0
		if n := stats.completed + stats.failed; n > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(n)
		}
		out[typ] = SagaSnapshot{
			Completed:    stats.completed,
			Failed:       stats.failed,
			AvgLatencyMs: avg,
		}
	}
	return out
}
