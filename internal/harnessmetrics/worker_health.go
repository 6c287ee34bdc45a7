// Package harnessmetrics exposes the harness's own in-progress counters
// via Prometheus exposition (github.com/prometheus/client_golang) and
// samples host CPU/memory/load for the worker-health debug telemetry
// tier (SPEC_FULL.md's ambient-stack worker-health sampling). The
// sampling half is grounded on the teacher's cmd/agent/main.go
// collectMetrics(), which drives github.com/shirou/gopsutil/v3's
// cpu/mem/load packages the same way.
package harnessmetrics

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// WorkerHealthSample is one host-level health reading, handed to a
// HealthSampler's Emit func (cmd/harness wires RecordWorkerHealth).
type WorkerHealthSample struct {
	Timestamp  int64
	CPUPercent float64
	MemTotal   uint64
	MemUsed    uint64
	MemAvail   uint64
	SwapUsed   uint64
	LoadAvg1   float64
	LoadAvg5   float64
	LoadAvg15  float64
}

// SampleWorkerHealth takes one host CPU/memory/load reading, mirroring
// cmd/agent/main.go's collectMetrics() host-metrics branch. Each gopsutil
// call is best-effort: a failure leaves the corresponding fields zeroed
// rather than aborting the whole sample, matching the teacher's
// err == nil guards.
func SampleWorkerHealth(now func() time.Time) WorkerHealthSample {
	sample := WorkerHealthSample{Timestamp: now().UnixMilli()}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		sample.CPUPercent = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err == nil && memInfo != nil {
		sample.MemTotal = memInfo.Total
		sample.MemUsed = memInfo.Used
		sample.MemAvail = memInfo.Available
	}

	if swapInfo, err := mem.SwapMemory(); err == nil && swapInfo != nil {
		sample.SwapUsed = swapInfo.Used
	}

	if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
		sample.LoadAvg1 = loadAvg.Load1
		sample.LoadAvg5 = loadAvg.Load5
		sample.LoadAvg15 = loadAvg.Load15
	}

	return sample
}

// HealthSampler periodically samples worker health and emits each
// reading to a sink, stopping when its done channel is closed. Grounded on the
// teacher's agent main loop (a ticker around collectMetrics +
// sendMetrics), narrowed to an in-process sink instead of an HTTP POST
// since the harness and its workers share one process.
type HealthSampler struct {
	Interval time.Duration
	Now      func() time.Time
	Emit     func(WorkerHealthSample)
}

// Run blocks, sampling every s.Interval until done is closed.
func (s *HealthSampler) Run(done <-chan struct{}) {
	if s.Interval <= 0 {
		s.Interval = 5 * time.Second
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if s.Emit != nil {
				s.Emit(SampleWorkerHealth(now))
			}
		}
	}
}
