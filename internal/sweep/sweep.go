// Package sweep implements the sweep planner (C9): an optional pre-stage
// that drives a short burst of load, watches the in-flight request
// counter drain back to zero, and uses the observed drain rate to plan a
// sequence of stages ramping towards an estimated saturation point.
// Architecturally grounded on the teacher's curvature-based knee
// detection (internal/analysis/knee_detection.go): both watch a
// transient signal decay and derive a target load level from it, though
// the exact drain-rate/percentile algorithm here is specific to this
// spec rather than shared code.
package sweep

import (
	"fmt"
	"math"
	"sort"

	"github.com/bc-dunia/inferharness/internal/httpclient"
)

// Sample is one 2 Hz reading of the active-request counter taken during
// the burst stage.
type Sample struct {
	Ts     float64
	Active int
}

// PlanType selects how rates are spaced between 1 and the estimated
// saturation point.
type PlanType string

const (
	PlanGeometric PlanType = "geometric"
	PlanLinear    PlanType = "linear"
)

// Params configures stage-list synthesis.
type Params struct {
	NumRequests         int
	BurstDurationS       float64
	Timeout             float64
	SaturationPercentile float64
	NumStages           int
	StageDurationS      float64
	Plan                PlanType
}

// BurstStageRate returns the rate (requests/sec) the burst stage should
// run at: num_requests spread evenly over BurstDurationS (5 seconds when
// unset).
func BurstStageRate(p Params) float64 {
	if p.BurstDurationS <= 0 {
		p.BurstDurationS = 5
	}
	return float64(p.NumRequests) / p.BurstDurationS
}

// PlannedStage is one synthesized stage of the final ramp.
type PlannedStage struct {
	Rate       float64
	DurationS  float64
}

// Plan consumes the burst stage's active-request samples and produces the
// final stage list. samples must be ordered by Ts ascending (2 Hz
// sampling order).
func Plan(samples []Sample, startTs float64, p Params) ([]PlannedStage, error) {
	kept := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.Ts < startTs+p.Timeout {
			kept = append(kept, s)
		}
	}

	var drainRates []float64
	for i := 1; i < len(kept); i++ {
		dAct := kept[i].Active - kept[i-1].Active
		dt := kept[i].Ts - kept[i-1].Ts
		if dAct < 0 && dt > 0 {
			drainRates = append(drainRates, math.Abs(float64(dAct))/dt)
		}
	}
	if len(drainRates) < 2 {
		return nil, fmt.Errorf("sweep: need at least 2 drain samples, got %d", len(drainRates))
	}

	sort.Float64s(drainRates)
	pct := p.SaturationPercentile
	if pct <= 0 {
		pct = 95
	}
	saturation := httpclient.Percentile(drainRates, pct)

	numStages := p.NumStages
	if numStages < 1 {
		numStages = 1
	}
	duration := p.StageDurationS
	if duration <= 0 {
		duration = 30
	}

	rates := make([]float64, numStages)
	if numStages == 1 {
		rates[0] = saturation
	} else if p.Plan == PlanLinear {
		step := (saturation - 1) / float64(numStages-1)
		for i := 0; i < numStages; i++ {
			rates[i] = 1 + step*float64(i)
		}
	} else {
		// Geometric spacing between 1 and saturation; default plan.
		ratio := math.Pow(saturation/1.0, 1.0/float64(numStages-1))
		rates[0] = 1
		for i := 1; i < numStages; i++ {
			rates[i] = rates[i-1] * ratio
		}
		rates[numStages-1] = saturation
	}

	stages := make([]PlannedStage, numStages)
	for i, r := range rates {
		stages[i] = PlannedStage{Rate: r, DurationS: duration}
	}
	return stages, nil
}
