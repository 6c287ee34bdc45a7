// Package summarizer implements the summarizer (C8): pure aggregation of
// the full lifecycle-record vector into the load/success/failure report
// blocks, at overall, per-stage and per-adapter granularity. Every
// quantile uses linear interpolation on sorted samples (the same formula
// the HTTP client adapter's stream-gap histogram uses), so a report is
// byte-identical for byte-identical input, as spec.md §4.8 requires.
package summarizer

import (
	"sort"

	"github.com/bc-dunia/inferharness/internal/httpclient"
	"github.com/bc-dunia/inferharness/internal/types"
)

// DefaultPercentiles is the six-number summary's configurable percentile
// set when the config surface doesn't override it.
var DefaultPercentiles = []float64{10, 50, 90}

// Accumulator is a collector.Subscriber that retains every LifecycleRecord
// it observes, in delivery order, for the summarizer to consume once a
// stage (or the whole run) finishes.
type Accumulator struct {
	records []types.LifecycleRecord
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator { return &Accumulator{} }

// Observe implements collector.Subscriber.
func (a *Accumulator) Observe(r types.LifecycleRecord) {
	a.records = append(a.records, r)
}

// Records returns the accumulated records. The returned slice is owned by
// the caller to read only -- Summarize never mutates its input.
func (a *Accumulator) Records() []types.LifecycleRecord {
	return a.records
}

// SixNumberSummary is the mean/min/percentiles/max view spec.md §4.8
// requires for every success metric.
type SixNumberSummary struct {
	Mean        float64            `json:"mean"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Percentiles map[string]float64 `json:"percentiles"`
}

func summarize(values []float64, percentiles []float64) SixNumberSummary {
	if len(values) == 0 {
		return SixNumberSummary{Percentiles: map[string]float64{}}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	s := SixNumberSummary{
		Mean:        sum / float64(len(sorted)),
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Percentiles: make(map[string]float64, len(percentiles)),
	}
	for _, p := range percentiles {
		s.Percentiles[percentileKey(p)] = httpclient.Percentile(sorted, p)
	}
	return s
}

func percentileKey(p float64) string {
	if p == float64(int64(p)) {
		return "p" + itoa(int64(p))
	}
	return "p" + ftoa(p)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func ftoa(v float64) string {
	whole := int64(v)
	frac := int64((v - float64(whole)) * 100)
	if frac < 0 {
		frac = -frac
	}
	return itoa(whole) + "_" + itoa(frac)
}

// LoadSummary is spec.md §4.8's load_summary block.
type LoadSummary struct {
	Count         int              `json:"count"`
	SendDurationS float64          `json:"send_duration_s"`
	RequestedRate float64          `json:"requested_rate"`
	AchievedRate  float64          `json:"achieved_rate"`
	ScheduleAccMs SixNumberSummary `json:"schedule_accuracy_ms"`
}

// SuccessBlock is spec.md §4.8's successes block.
type SuccessBlock struct {
	Count                        int              `json:"count"`
	RequestLatencyMs             SixNumberSummary `json:"request_latency_ms"`
	NormalizedTimePerOutputToken SixNumberSummary `json:"normalized_time_per_output_token_ms"`
	TimePerOutputTokenMs         SixNumberSummary `json:"time_per_output_token_ms"`
	TimeToFirstTokenMs           SixNumberSummary `json:"time_to_first_token_ms"`
	InterTokenLatencyMs          SixNumberSummary `json:"inter_token_latency_ms"`
	PromptLen                    SixNumberSummary `json:"prompt_len"`
	OutputLen                    SixNumberSummary `json:"output_len"`

	InputTokensPerSec  float64 `json:"input_tokens_per_sec"`
	OutputTokensPerSec float64 `json:"output_tokens_per_sec"`
	TotalTokensPerSec  float64 `json:"total_tokens_per_sec"`
	RequestsPerSec     float64 `json:"requests_per_sec"`
}

// FailureBlock is spec.md §4.8's failures block.
type FailureBlock struct {
	Count      int              `json:"count"`
	ErrorKinds map[string]int   `json:"error_kinds"`
	LatencyMs  SixNumberSummary `json:"latency_ms"`
}

// Report bundles the three blocks for one granularity (overall, one
// stage, or one adapter).
type Report struct {
	LoadSummary LoadSummary  `json:"load_summary"`
	Successes   SuccessBlock `json:"successes"`
	Failures    FailureBlock `json:"failures"`
}

// Summarize produces a Report for exactly the given records. requestedRate
// is the stage's configured rate (0 for a filtered view with no single
// rate, e.g. the overall report spanning multiple stages).
func Summarize(records []types.LifecycleRecord, requestedRate float64, percentiles []float64) Report {
	if len(percentiles) == 0 {
		percentiles = DefaultPercentiles
	}

	var successes, failures []types.LifecycleRecord
	for _, r := range records {
		if r.OK() {
			successes = append(successes, r)
		} else {
			failures = append(failures, r)
		}
	}

	return Report{
		LoadSummary: buildLoadSummary(records, requestedRate, percentiles),
		Successes:   buildSuccessBlock(successes, percentiles),
		Failures:    buildFailureBlock(failures, percentiles),
	}
}

func buildLoadSummary(records []types.LifecycleRecord, requestedRate float64, percentiles []float64) LoadSummary {
	ls := LoadSummary{Count: len(records), RequestedRate: requestedRate}
	if len(records) == 0 {
		ls.ScheduleAccMs = summarize(nil, percentiles)
		return ls
	}

	minStart, maxStart := records[0].StartTs, records[0].StartTs
	accuracy := make([]float64, 0, len(records))
	for _, r := range records {
		if r.StartTs < minStart {
			minStart = r.StartTs
		}
		if r.StartTs > maxStart {
			maxStart = r.StartTs
		}
		accuracy = append(accuracy, (r.StartTs-r.ScheduledTs)*1000.0)
	}

	duration := maxStart - minStart
	ls.SendDurationS = duration
	if duration > 0 {
		ls.AchievedRate = float64(len(records)) / duration
	}
	ls.ScheduleAccMs = summarize(accuracy, percentiles)
	return ls
}

func buildSuccessBlock(records []types.LifecycleRecord, percentiles []float64) SuccessBlock {
	var (
		latency, normalizedTime, timePerToken, ttft, interToken []float64
		promptLen, outputLen                                    []float64
		totalInputTokens, totalOutputTokens                      int
	)

	var windowStart, windowEnd float64
	for i, r := range records {
		lat := (r.EndTs - r.StartTs) * 1000.0
		latency = append(latency, lat)

		outputTokens := r.Info.OutputTokens
		if outputTokens > 0 {
			normalizedTime = append(normalizedTime, lat/float64(outputTokens))
		} else {
			normalizedTime = append(normalizedTime, 0)
		}

		if ticks := r.Info.OutputTokenTs; len(ticks) >= 1 {
			ttft = append(ttft, (ticks[0]-r.StartTs)*1000.0)
			if len(ticks) >= 2 {
				timePerToken = append(timePerToken, (ticks[len(ticks)-1]-ticks[0])*1000.0/float64(len(ticks)-1))
				for j := 1; j < len(ticks); j++ {
					interToken = append(interToken, (ticks[j]-ticks[j-1])*1000.0)
				}
			}
		}

		promptLen = append(promptLen, float64(r.Info.InputTokens))
		outputLen = append(outputLen, float64(r.Info.OutputTokens))
		totalInputTokens += r.Info.InputTokens
		totalOutputTokens += r.Info.OutputTokens

		if i == 0 {
			windowStart, windowEnd = r.StartTs, r.EndTs
		} else {
			if r.StartTs < windowStart {
				windowStart = r.StartTs
			}
			if r.EndTs > windowEnd {
				windowEnd = r.EndTs
			}
		}
	}

	sb := SuccessBlock{
		Count:                         len(records),
		RequestLatencyMs:              summarize(latency, percentiles),
		NormalizedTimePerOutputToken:  summarize(normalizedTime, percentiles),
		TimePerOutputTokenMs:          summarize(timePerToken, percentiles),
		TimeToFirstTokenMs:            summarize(ttft, percentiles),
		InterTokenLatencyMs:           summarize(interToken, percentiles),
		PromptLen:                     summarize(promptLen, percentiles),
		OutputLen:                     summarize(outputLen, percentiles),
	}

	window := windowEnd - windowStart
	if window > 0 && len(records) > 0 {
		sb.InputTokensPerSec = float64(totalInputTokens) / window
		sb.OutputTokensPerSec = float64(totalOutputTokens) / window
		sb.TotalTokensPerSec = float64(totalInputTokens+totalOutputTokens) / window
		sb.RequestsPerSec = float64(len(records)) / window
	}
	return sb
}

func buildFailureBlock(records []types.LifecycleRecord, percentiles []float64) FailureBlock {
	fb := FailureBlock{Count: len(records), ErrorKinds: map[string]int{}}
	latency := make([]float64, 0, len(records))
	for _, r := range records {
		if r.Error != nil {
			fb.ErrorKinds[r.Error.Kind]++
		}
		latency = append(latency, (r.EndTs-r.StartTs)*1000.0)
	}
	fb.LatencyMs = summarize(latency, percentiles)
	return fb
}

// PrometheusReport is the SPEC_FULL.md §4.8 expansion's optional
// `summary_prometheus_metrics` / `stage_<id>_prometheus_metrics` block: a
// passthrough wrapper around a scrape client's ServerMetricsSnapshot, so
// report filenames and granularity (overall/per-stage) mirror the
// lifecycle report's.
type PrometheusReport struct {
	ServerMetrics types.ServerMetricsSnapshot `json:"server_metrics"`
}

// SummarizePrometheus wraps a single scrape snapshot into the report
// shape spec.md §6 names (`summary_prometheus_metrics.json`,
// `stage_<id>_prometheus_metrics.json`).
func SummarizePrometheus(snap types.ServerMetricsSnapshot) PrometheusReport {
	return PrometheusReport{ServerMetrics: snap}
}

// FilterStage returns the subset of records belonging to stageID.
func FilterStage(records []types.LifecycleRecord, stageID int) []types.LifecycleRecord {
	var out []types.LifecycleRecord
	for _, r := range records {
		if r.StageID == stageID {
			out = append(out, r)
		}
	}
	return out
}

// FilterAdapter returns the subset of records tagged with adapter.
func FilterAdapter(records []types.LifecycleRecord, adapter string) []types.LifecycleRecord {
	var out []types.LifecycleRecord
	for _, r := range records {
		if r.Info.Adapter == adapter {
			out = append(out, r)
		}
	}
	return out
}
