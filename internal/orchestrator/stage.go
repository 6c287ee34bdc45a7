// Package orchestrator implements the stage orchestrator (C6): it drives
// stage-by-stage lifecycle sequencing, owns each stage's scheduler and
// StageRuntimeInfo, and polls the circuit breaker group to decide whether
// a stage completed, timed out, or failed. Grounded on the teacher's
// run-state-machine shape (controlplane/runmanager/manager.go's
// RunRecord/state transitions, stages.go's
// waitForStageDurationWithTimeout/handleStageTimeout polling loop),
// generalized from a multi-process MCP assignment model to a single
// in-process worker pool.
package orchestrator

import (
	"context"
	"math"
	"time"

	"github.com/bc-dunia/inferharness/internal/breaker"
	"github.com/bc-dunia/inferharness/internal/dataset"
	"github.com/bc-dunia/inferharness/internal/harnessevents"
	"github.com/bc-dunia/inferharness/internal/hsched"
	"github.com/bc-dunia/inferharness/internal/queue"
	"github.com/bc-dunia/inferharness/internal/types"
	"github.com/bc-dunia/inferharness/internal/worker"
)

// LoadType selects which Scheduler implementation a stage uses.
type LoadType string

const (
	LoadConstant    LoadType = "constant"
	LoadPoisson     LoadType = "poisson"
	LoadTraceReplay LoadType = "trace_replay"
	LoadConcurrent  LoadType = "concurrent"
)

// StageConfig describes one numbered stage of the run, as enumerated
// from the `load.stages[]` config surface.
type StageConfig struct {
	ID           int
	LoadType     LoadType
	Rate         float64 // requests/sec; unused for concurrent stages
	DurationS    float64
	NumRequests  int // authoritative for concurrent stages; computed otherwise
	Timeout      float64 // only enforced for sweep stages (ID < 0)
	TraceDeltas  []float64
	Seed         int64
}

// Deps bundles the already-constructed collaborators a run shares across
// every stage.
type Deps struct {
	Queue      *queue.Queue
	Workers    []*worker.Worker
	Breakers   breaker.Group
	Dataset    dataset.Iterator
	Adapters   *dataset.AdapterSampler
	Now        func() float64
	Events     *harnessevents.Logger
}

// StageResult is what RunStage reports back to the driving loop.
type StageResult struct {
	Info types.StageRuntimeInfo
}

// RunStage executes steps 2a-2g of spec.md §4.6 for a single stage:
// scheduler construction, pre-roll, request enumeration, 1 Hz polling
// against the finished counter / breakers / ctx cancellation, and
// drain+join on any non-success path: pending queue items are discarded,
// while requests a worker has already pulled are not cancelled and Join
// waits for them to finish.
func RunStage(ctx context.Context, cfg StageConfig, deps Deps, counters *worker.Counters) StageResult {
	startWallclock := deps.Now()
	info := types.StageRuntimeInfo{StageID: cfg.ID, Rate: cfg.Rate, StartWallclock: startWallclock, Status: types.StageRunning}

	// Reset per spec.md §4.6 step 2 ("reset finished_requests_counter = 0"):
	// Counters is shared across the whole run, so without this reset a
	// later stage's poll loop would compare against the cumulative count
	// of every prior stage.
	counters.Finished.Store(0)

	// 1 s pre-roll so workers always observe the first scheduled_ts in the
	// future (spec.md §4.6).
	sched := buildScheduler(cfg, deps.Now)

	numRequests := resolveNumRequests(cfg, deps.Dataset)

	for i := 0; i < numRequests; i++ {
		spec := deps.Dataset.Next()
		ts := sched.Next()
		adapter := ""
		if deps.Adapters != nil {
			adapter = deps.Adapters.Sample()
		}
		spec.Adapter = adapter
		// channelID -1: let Queue.Put resolve affinity from PreferedWorkerID.
		deps.Queue.Put(types.ScheduledRequest{StageID: cfg.ID, Spec: spec, ScheduledTs: ts, Adapter: adapter}, -1)
	}

	status := pollStage(ctx, cfg, numRequests, deps, counters)

	if status != types.StageCompleted {
		deps.Queue.Drain(-1)
	}
	deps.Queue.Join(-1)

	info.Status = status
	info.EndWallclock = deps.Now()
	return StageResult{Info: info}
}

func buildScheduler(cfg StageConfig, now func() float64) hsched.Scheduler {
	startTs := now() + 1.0
	switch cfg.LoadType {
	case LoadPoisson:
		return hsched.NewPoisson(cfg.Rate, cfg.Seed, startTs)
	case LoadTraceReplay:
		return hsched.NewTraceReplay(cfg.TraceDeltas, startTs)
	case LoadConcurrent:
		return hsched.NewConcurrencyTarget(now)
	default:
		return hsched.NewConstant(cfg.Rate, cfg.Seed, startTs)
	}
}

func resolveNumRequests(cfg StageConfig, ds dataset.Iterator) int {
	if cfg.LoadType == LoadTraceReplay {
		if n := ds.Count(); n >= 0 {
			return n
		}
		return len(cfg.TraceDeltas)
	}
	if cfg.LoadType == LoadConcurrent {
		return cfg.NumRequests
	}
	if n := ds.Count(); n >= 0 {
		return n
	}
	return int(math.Floor(cfg.Rate * cfg.DurationS))
}

// pollStage implements spec.md §4.6's 1 Hz poll loop, returning the
// terminal stage status.
func pollStage(ctx context.Context, cfg StageConfig, numRequests int, deps Deps, counters *worker.Counters) types.StageStatus {
	isSweep := cfg.ID < 0
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	deadline := time.Time{}
	if isSweep && cfg.Timeout > 0 {
		deadline = time.Now().Add(time.Duration(cfg.Timeout * float64(time.Second)))
	}

	for {
		select {
		case <-ctx.Done():
			deps.Events.LogSigint(cfg.ID)
			return types.StageFailed
		case <-ticker.C:
			if counters.Finished.Load() >= int64(numRequests) {
				return types.StageCompleted
			}
			if isSweep && !deadline.IsZero() && time.Now().After(deadline) {
				return types.StageFailed
			}
			if open, tr := deps.Breakers.Open(); open {
				deps.Events.LogBreakerTrip(tr.BreakerName, string(tr.Kind), tr.Observed, cfg.ID)
				return types.StageFailed
			}
			for _, b := range deps.Breakers.Breakers {
				b.EvaluateStreaming(time.Now())
			}
		}
	}
}
