package summarizer

import (
	"testing"

	"github.com/bc-dunia/inferharness/internal/types"
)

func TestSummarizeSeparatesSuccessesAndFailures(t *testing.T) {
	records := []types.LifecycleRecord{
		{StageID: 1, ScheduledTs: 0, StartTs: 0, EndTs: 1, Info: types.InferenceInfo{InputTokens: 5, OutputTokens: 10}},
		{StageID: 1, ScheduledTs: 1, StartTs: 1, EndTs: 3, Info: types.InferenceInfo{InputTokens: 5, OutputTokens: 20}},
		{StageID: 1, ScheduledTs: 2, StartTs: 2, EndTs: 2.5, Error: &types.RequestError{Kind: "timeout"}},
	}

	report := Summarize(records, 10, nil)

	if report.LoadSummary.Count != 3 {
		t.Fatalf("expected load summary count 3, got %d", report.LoadSummary.Count)
	}
	if report.Successes.Count != 2 {
		t.Fatalf("expected 2 successes, got %d", report.Successes.Count)
	}
	if report.Failures.Count != 1 {
		t.Fatalf("expected 1 failure, got %d", report.Failures.Count)
	}
	if report.Failures.ErrorKinds["timeout"] != 1 {
		t.Fatalf("expected error_kinds[timeout]==1, got %+v", report.Failures.ErrorKinds)
	}
	if report.Successes.RequestLatencyMs.Min != 1000 {
		t.Fatalf("expected min success latency 1000ms, got %v", report.Successes.RequestLatencyMs.Min)
	}
}

func TestSummarizeEmptyRecordsProducesZeroedReport(t *testing.T) {
	report := Summarize(nil, 0, nil)
	if report.LoadSummary.Count != 0 || report.Successes.Count != 0 || report.Failures.Count != 0 {
		t.Fatalf("expected all-zero report for no records, got %+v", report)
	}
}

func TestSummarizeComputesTokenThroughput(t *testing.T) {
	records := []types.LifecycleRecord{
		{StartTs: 0, EndTs: 1, Info: types.InferenceInfo{InputTokens: 10, OutputTokens: 10}},
		{StartTs: 1, EndTs: 2, Info: types.InferenceInfo{InputTokens: 10, OutputTokens: 10}},
	}
	report := Summarize(records, 0, nil)
	if report.Successes.RequestsPerSec <= 0 {
		t.Fatalf("expected positive requests/sec, got %v", report.Successes.RequestsPerSec)
	}
	if report.Successes.TotalTokensPerSec <= 0 {
		t.Fatalf("expected positive total tokens/sec, got %v", report.Successes.TotalTokensPerSec)
	}
}

func TestFilterStageAndFilterAdapter(t *testing.T) {
	records := []types.LifecycleRecord{
		{StageID: 1, Info: types.InferenceInfo{Adapter: "a"}},
		{StageID: 2, Info: types.InferenceInfo{Adapter: "b"}},
		{StageID: 1, Info: types.InferenceInfo{Adapter: "b"}},
	}

	stage1 := FilterStage(records, 1)
	if len(stage1) != 2 {
		t.Fatalf("expected 2 records in stage 1, got %d", len(stage1))
	}

	adapterB := FilterAdapter(records, "b")
	if len(adapterB) != 2 {
		t.Fatalf("expected 2 records for adapter b, got %d", len(adapterB))
	}
}

func TestSummarizeComputesTTFTForSingleTickStream(t *testing.T) {
	records := []types.LifecycleRecord{
		{StartTs: 0, EndTs: 1, Info: types.InferenceInfo{OutputTokens: 1, OutputTokenTs: []float64{0.25}}},
	}
	report := Summarize(records, 0, nil)
	if report.Successes.TimeToFirstTokenMs.Min != 250 {
		t.Fatalf("expected TTFT 250ms from a single tick, got %+v", report.Successes.TimeToFirstTokenMs)
	}
	if report.Successes.InterTokenLatencyMs.Percentiles["p50"] != 0 {
		t.Fatalf("expected no inter-token latency samples for a single tick, got %+v", report.Successes.InterTokenLatencyMs)
	}
}

func TestSummarizePrometheusWrapsSnapshot(t *testing.T) {
	snap := types.ServerMetricsSnapshot{CapturedAtMs: 42, Counters: map[string]float64{"foo": 1}}
	rep := SummarizePrometheus(snap)
	if rep.ServerMetrics.CapturedAtMs != 42 || rep.ServerMetrics.Counters["foo"] != 1 {
		t.Fatalf("expected SummarizePrometheus to pass the snapshot through unchanged, got %+v", rep)
	}
}

func TestAccumulatorRecordsInDeliveryOrder(t *testing.T) {
	a := NewAccumulator()
	a.Observe(types.LifecycleRecord{StageID: 1})
	a.Observe(types.LifecycleRecord{StageID: 2})

	got := a.Records()
	if len(got) != 2 || got[0].StageID != 1 || got[1].StageID != 2 {
		t.Fatalf("expected records in delivery order, got %+v", got)
	}
}
