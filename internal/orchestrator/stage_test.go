package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/bc-dunia/inferharness/internal/breaker"
	"github.com/bc-dunia/inferharness/internal/harnessevents"
	"github.com/bc-dunia/inferharness/internal/queue"
	"github.com/bc-dunia/inferharness/internal/types"
	"github.com/bc-dunia/inferharness/internal/worker"
)

// fakeIterator is a fixed-size dataset.Iterator for tests that need a
// known num_requests without depending on dataset.Mock's always-repeating
// Count() == -1 semantics.
type fakeIterator struct {
	n int
}

func (f fakeIterator) Next() types.RequestSpec { return types.RequestSpec{API: types.APICompletion, Prompt: "x"} }
func (f fakeIterator) Count() int              { return f.n }

// drainQueue simulates a worker pool: it pulls every item off shard 0 and
// immediately marks the stage's request finished.
func drainQueue(ctx context.Context, q *queue.Queue, counters *worker.Counters) {
	for {
		_, ok := q.Get(ctx, 0)
		if !ok {
			return
		}
		counters.Finished.Add(1)
		q.Done(0)
	}
}

func TestRunStageCompletesWhenAllRequestsFinish(t *testing.T) {
	q := queue.New(1)
	defer q.Close()
	counters := &worker.Counters{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drainQueue(ctx, q, counters)

	deps := Deps{
		Queue:    q,
		Breakers: breaker.Group{},
		Dataset:  fakeIterator{n: 5},
		Now:      func() float64 { return 0 },
		Events:   harnessevents.Noop(),
	}

	cfg := StageConfig{ID: 1, LoadType: LoadConstant, Rate: 1000, NumRequests: 5}
	result := RunStage(ctx, cfg, deps, counters)

	if result.Info.Status != types.StageCompleted {
		t.Fatalf("expected stage to complete, got status %q", result.Info.Status)
	}
}

func TestRunStageFailsOnBreakerOpen(t *testing.T) {
	q := queue.New(1)
	defer q.Close()
	counters := &worker.Counters{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Nothing drains the queue, so the stage can only end via the breaker.

	b2, err := breaker.New(breaker.Config{
		Name:     "immediate",
		Triggers: []breaker.TriggerSpec{{Kind: breaker.TriggerConsecutive, N: 1}},
	}, nil)
	if err != nil {
		t.Fatalf("breaker.New: %v", err)
	}
	b2.Observe(types.LifecycleRecord{})

	deps := Deps{
		Queue:    q,
		Breakers: breaker.Group{Breakers: []*breaker.Breaker{b2}},
		Dataset:  fakeIterator{n: 5},
		Now:      func() float64 { return 0 },
		Events:   harnessevents.Noop(),
	}

	cfg := StageConfig{ID: 2, LoadType: LoadConstant, Rate: 1000, NumRequests: 5}
	result := RunStage(ctx, cfg, deps, counters)

	if result.Info.Status != types.StageFailed {
		t.Fatalf("expected stage to fail on breaker trip, got status %q", result.Info.Status)
	}
}

func TestRunStageFailsOnContextCancellation(t *testing.T) {
	q := queue.New(1)
	defer q.Close()
	counters := &worker.Counters{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	deps := Deps{
		Queue:    q,
		Breakers: breaker.Group{},
		Dataset:  fakeIterator{n: 5},
		Now:      func() float64 { return 0 },
		Events:   harnessevents.Noop(),
	}

	cfg := StageConfig{ID: 3, LoadType: LoadConstant, Rate: 1000, NumRequests: 5}
	result := RunStage(ctx, cfg, deps, counters)

	if result.Info.Status != types.StageFailed {
		t.Fatalf("expected stage to fail on context cancellation, got status %q", result.Info.Status)
	}
}

func TestRunStageResetsFinishedCounterAcrossStages(t *testing.T) {
	q := queue.New(1)
	defer q.Close()
	counters := &worker.Counters{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drainQueue(ctx, q, counters)

	deps := Deps{
		Queue:    q,
		Breakers: breaker.Group{},
		Dataset:  fakeIterator{n: 5},
		Now:      func() float64 { return 0 },
		Events:   harnessevents.Noop(),
	}

	first := RunStage(ctx, StageConfig{ID: 1, LoadType: LoadConstant, Rate: 1000, NumRequests: 5}, deps, counters)
	if first.Info.Status != types.StageCompleted {
		t.Fatalf("expected stage 1 to complete, got status %q", first.Info.Status)
	}

	// Without resetting Finished, stage 2's smaller NumRequests would already
	// be satisfied by stage 1's cumulative count on the very first poll tick.
	second := RunStage(ctx, StageConfig{ID: 2, LoadType: LoadConstant, Rate: 1000, NumRequests: 3}, deps, counters)
	if second.Info.Status != types.StageCompleted {
		t.Fatalf("expected stage 2 to complete, got status %q", second.Info.Status)
	}
	if got := counters.Finished.Load(); got != 3 {
		t.Fatalf("expected Finished to reflect only stage 2's 3 requests, got %d", got)
	}
}

func TestResolveNumRequestsUsesDatasetCountWhenAvailable(t *testing.T) {
	n := resolveNumRequests(StageConfig{LoadType: LoadConstant, Rate: 10, DurationS: 100}, fakeIterator{n: 7})
	if n != 7 {
		t.Fatalf("expected dataset Count() to take precedence, got %d", n)
	}
}

func TestResolveNumRequestsSweepBurstEnqueuesConfiguredCount(t *testing.T) {
	// Mirrors the sweep planner's burst stage (spec.md §4.9: rate =
	// num_requests/5, duration = 5) against an infinite dataset
	// (Count() == -1, the mock dataset's sentinel): without a duration,
	// floor(rate*duration) collapses to 0 and the burst never enqueues
	// anything.
	n := resolveNumRequests(StageConfig{LoadType: LoadConstant, Rate: 20, DurationS: 5}, fakeIterator{n: -1})
	if n != 100 {
		t.Fatalf("expected burst stage to resolve to 100 requests, got %d", n)
	}
}

func TestResolveNumRequestsConcurrentUsesConfiguredCount(t *testing.T) {
	n := resolveNumRequests(StageConfig{LoadType: LoadConcurrent, NumRequests: 42}, fakeIterator{n: -1})
	if n != 42 {
		t.Fatalf("expected concurrent load type to use NumRequests, got %d", n)
	}
}
