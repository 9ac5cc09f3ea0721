package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trellis/internal/saga"
	"trellis/internal/sharding"
)

// Publisher receives saga updates.
type Publisher interface {
	Publish(ctx context.Context, u saga.Update) error
}

// Fanout forwards saga updates to every publisher from worker goroutines, so
// engine hooks never wait on Redis or sockets. Each workflow is pinned to one
// worker, keeping its updates in order. Updates that do not fit in their
// worker's queue are dropped and counted.
type Fanout struct {
	publishers []Publisher
	queues     []chan saga.Update
	timeout    time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	dropped int64
	closed  bool
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewFanout starts a single worker. Call Close to drain and stop it.
func NewFanout(logger *slog.Logger, buffer int, publishers ...Publisher) *Fanout {
	return NewShardedFanout(logger, 1, buffer, publishers...)
}

// NewShardedFanout starts shards workers, each with its own queue of buffer
// updates.
func NewShardedFanout(logger *slog.Logger, shards, buffer int, publishers ...Publisher) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	if shards <= 0 {
		shards = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	f := &Fanout{
		publishers: publishers,
		queues:     make([]chan saga.Update, shards),
		timeout:    2 * time.Second,
		logger:     logger,
		done:       make(chan struct{}),
	}
	for i := range f.queues {
		f.queues[i] = make(chan saga.Update, buffer)
		f.wg.Add(1)
		go f.loop(f.queues[i])
	}
	go func() {
		f.wg.Wait()
		close(f.done)
	}()
	return f
}

// OnUpdate enqueues u. It has the shape of saga.Hooks.OnUpdate.
func (f *Fanout) OnUpdate(u saga.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.queues[sharding.ShardFor(u.WorkflowID, len(f.queues))] <- u:
	default:
		f.dropped++
	}
}

// Dropped reports how many updates were discarded on a full queue.
func (f *Fanout) Dropped() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close stops accepting updates and waits until queued ones are delivered or
// ctx expires.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		for _, q := range f.queues {
			close(q)
		}
	}
	f.mu.Unlock()
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fanout) loop(queue <-chan saga.Update) {
	defer f.wg.Done()
	for u := range queue {
		for _, p := range f.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			if err := p.Publish(ctx, u); err != nil {
				f.logger.Warn("status publish failed",
					"workflow_id", u.WorkflowID,
					"status", u.Status,
					"err", err,
				)
			}
			cancel()
		}
	}
}
