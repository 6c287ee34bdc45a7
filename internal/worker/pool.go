package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/inferharness/internal/httpclient"
	"github.com/bc-dunia/inferharness/internal/types"
)

// Adapter issues one HTTP call for a scheduled request and returns the
// resulting lifecycle record. Implemented by internal/httpclient.
type Adapter interface {
	Do(ctx context.Context, sreq types.ScheduledRequest, startTs float64) types.LifecycleRecord
}

// Sink receives a LifecycleRecord emitted by a worker. Implemented by
// internal/collector. Per spec.md §4.5, every record produced by a worker
// must either reach the sink or the run aborts -- Emit must not return an
// error for a transient reason a worker could reasonably recover from.
type Sink interface {
	Emit(types.LifecycleRecord) error
}

// Counters are the shared atomic counters spec.md §9 requires to live as
// plain sync/atomic fields in a shared struct, never behind a mutex --
// the hot path is the semaphore, not the counter.
type Counters struct {
	Active   atomic.Int64
	Finished atomic.Int64
}

// QueueSource is the subset of *queue.Queue a worker pulls from.
type QueueSource interface {
	Get(ctx context.Context, channelID int) (types.ScheduledRequest, bool)
	Done(channelID int)
}

// Worker runs one cooperative single-threaded event loop: loop acquiring
// the semaphore then pulling from its channel, and spawn a task per
// request that sleeps until scheduled_ts, calls the adapter, and emits a
// record. There is no separate request-phase signal: Run starts pulling
// as soon as it is called. Modeled directly on the teacher's
// VU executor loop (internal/vu/executor.go Run), generalized from an MCP
// session lifecycle to a stateless per-request HTTP call.
type Worker struct {
	ID       int
	Queue    QueueSource
	Adapter  Adapter
	Sink     Sink
	Sem      *Semaphore
	Counters *Counters
	Now      func() float64 // monotonic seconds; overridable for tests

	wg sync.WaitGroup
}

// NewWorker constructs a Worker. now defaults to a monotonic clock based
// on time.Now() if nil.
func NewWorker(id int, q QueueSource, adapter Adapter, sink Sink, sem *Semaphore, counters *Counters, now func() float64) *Worker {
	if now == nil {
		start := time.Now()
		now = func() float64 { return time.Since(start).Seconds() }
	}
	return &Worker{ID: id, Queue: q, Adapter: adapter, Sink: sink, Sem: sem, Counters: counters, Now: now}
}

// Run executes the worker's cooperative loop until ctx is cancelled. It
// returns once every spawned in-flight task has drained.
//
// Cancellation semantics match spec.md §5: cancelled in-flight attempts
// are abandoned cooperatively and intentionally produce no LifecycleRecord
// (lost, not reported); a request already past a point where it could be
// cancelled simply completes and is recorded normally.
func (w *Worker) Run(ctx context.Context) {
	defer w.wg.Wait()

	for {
		if ctx.Err() != nil {
			return
		}

		if !w.Sem.Acquire(ctx) {
			return
		}

		getCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		sreq, ok := w.Queue.Get(getCtx, w.ID)
		cancel()
		if !ok {
			w.Sem.Release()
			if ctx.Err() != nil {
				return
			}
			continue
		}

		w.wg.Add(1)
		go w.runOne(ctx, sreq)
	}
}

func (w *Worker) runOne(ctx context.Context, sreq types.ScheduledRequest) {
	defer w.wg.Done()
	defer w.Queue.Done(w.ID)
	defer w.Sem.Release()

	// Sleep until scheduled_ts; do not skip if already past -- run
	// immediately and let the scheduling error show up in start_ts.
	if wait := sreq.ScheduledTs - w.Now(); wait > 0 {
		t := time.NewTimer(time.Duration(wait * float64(time.Second)))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	if ctx.Err() != nil {
		return
	}

	w.Counters.Active.Add(1)
	startTs := w.Now()
	record := w.Adapter.Do(ctx, sreq, startTs)
	w.Counters.Active.Add(-1)
	w.Counters.Finished.Add(1)

	// An attempt cancelled while the adapter call was in flight produces no
	// record; a per-request timeout still emits its "timeout" record.
	if ctx.Err() != nil && record.Error != nil && record.Error.Kind == httpclient.KindCancelled {
		return
	}
	_ = w.Sink.Emit(record)
}
