package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bc-dunia/inferharness/internal/types"
)

type fakeQueue struct {
	mu    sync.Mutex
	items []types.ScheduledRequest
}

func (q *fakeQueue) Get(ctx context.Context, channelID int) (types.ScheduledRequest, bool) {
	q.mu.Lock()
	if len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return item, true
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return types.ScheduledRequest{}, false
	case <-time.After(5 * time.Millisecond):
		return types.ScheduledRequest{}, false
	}
}

func (q *fakeQueue) Done(channelID int) {}

type fakeAdapter struct {
	calls atomic64
}

func (a *fakeAdapter) Do(ctx context.Context, sreq types.ScheduledRequest, startTs float64) types.LifecycleRecord {
	a.calls.add(1)
	return types.LifecycleRecord{StageID: sreq.StageID, StartTs: startTs, EndTs: startTs}
}

type atomic64 struct {
	mu sync.Mutex
	n  int
}

func (a *atomic64) add(d int) {
	a.mu.Lock()
	a.n += d
	a.mu.Unlock()
}

func (a *atomic64) load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

type fakeSink struct {
	mu      sync.Mutex
	records []types.LifecycleRecord
}

func (s *fakeSink) Emit(r types.LifecycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestWorkerRunProcessesQueuedRequests(t *testing.T) {
	q := &fakeQueue{items: []types.ScheduledRequest{{StageID: 1}, {StageID: 1}, {StageID: 1}}}
	adapter := &fakeAdapter{}
	sink := &fakeSink{}
	counters := &Counters{}
	sem := NewSemaphore(2)

	w := NewWorker(0, q, adapter, sink, sem, counters, func() float64 { return 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if sink.count() != 3 {
		t.Fatalf("expected 3 records emitted, got %d", sink.count())
	}
	if counters.Finished.Load() != 3 {
		t.Fatalf("expected Finished counter == 3, got %d", counters.Finished.Load())
	}
	if counters.Active.Load() != 0 {
		t.Fatalf("expected Active counter to return to 0, got %d", counters.Active.Load())
	}
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	q := &fakeQueue{}
	adapter := &fakeAdapter{}
	sink := &fakeSink{}
	counters := &Counters{}
	sem := NewSemaphore(1)

	w := NewWorker(0, q, adapter, sink, sem, counters, func() float64 { return 0 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
