package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trellis/internal/saga"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []saga.Update
	err     error
	block   chan struct{}
}

func (r *recordingPublisher) Publish(_ context.Context, u saga.Update) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return r.err
}

func (r *recordingPublisher) seen() []saga.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]saga.Update(nil), r.updates...)
}

func TestFanout_DeliversToEveryPublisherInOrder(t *testing.T) {
	t.Parallel()

	failing := &recordingPublisher{err: errors.New("boom")}
	ok := &recordingPublisher{}
	f := NewFanout(quietLogger(), 8, failing, ok)

	f.OnUpdate(saga.Update{WorkflowID: "a", Status: saga.StatusRunning})
	f.OnUpdate(saga.Update{WorkflowID: "a", Status: saga.StatusCompleted})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, p := range []*recordingPublisher{failing, ok} {
		got := p.seen()
		if len(got) != 2 || got[0].Status != saga.StatusRunning || got[1].Status != saga.StatusCompleted {
			t.Fatalf("unexpected updates %+v", got)
		}
	}

	f.OnUpdate(saga.Update{WorkflowID: "late"})
	if len(ok.seen()) != 2 {
		t.Fatalf("updates after close must be ignored")
	}
}

func TestFanout_DropsWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	slow := &recordingPublisher{block: make(chan struct{})}
	f := NewFanout(quietLogger(), 1, slow)

	for i := 0; i < 10; i++ {
		f.OnUpdate(saga.Update{WorkflowID: "x"})
	}
	if f.Dropped() == 0 {
		t.Fatalf("expected dropped updates with a blocked publisher")
	}
	close(slow.block)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestShardedFanout_KeepsPerWorkflowOrder(t *testing.T) {
	t.Parallel()

	rec := &recordingPublisher{}
	f := NewShardedFanout(quietLogger(), 4, 64, rec)

	ids := []string{"o-1", "o-2", "o-3", "o-4", "o-5"}
	for seq := 0; seq < 5; seq++ {
		for _, id := range ids {
			f.OnUpdate(saga.Update{WorkflowID: id, RunID: string(rune('a' + seq))})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := rec.seen()
	if len(got) != len(ids)*5 {
		t.Fatalf("expected %d updates, got %d", len(ids)*5, len(got))
	}
	last := make(map[string]string)
	for _, u := range got {
		if prev, ok := last[u.WorkflowID]; ok && u.RunID <= prev {
			t.Fatalf("workflow %s out of order: %s after %s", u.WorkflowID, u.RunID, prev)
		}
		last[u.WorkflowID] = u.RunID
	}
	if f.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", f.Dropped())
	}
}
