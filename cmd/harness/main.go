// Command harness drives a configured load profile against an
// OpenAI-compatible inference server and writes a request-lifecycle
// report. Wires together the scheduler (C1), request queue (C2), worker
// pool (C3), HTTP client adapter (C4), lifecycle collector (C5), stage
// orchestrator (C6), circuit breakers (C7), summarizer (C8) and sweep
// planner (C9), following the teacher's cmd/agent flag+signal wiring
// shape generalized from a metrics-relay agent to a load driver.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/inferharness/internal/breaker"
	"github.com/bc-dunia/inferharness/internal/collector"
	"github.com/bc-dunia/inferharness/internal/config"
	"github.com/bc-dunia/inferharness/internal/dataset"
	"github.com/bc-dunia/inferharness/internal/harnessevents"
	"github.com/bc-dunia/inferharness/internal/harnessmetrics"
	"github.com/bc-dunia/inferharness/internal/harnessotel"
	"github.com/bc-dunia/inferharness/internal/httpclient"
	"github.com/bc-dunia/inferharness/internal/orchestrator"
	"github.com/bc-dunia/inferharness/internal/promquery"
	"github.com/bc-dunia/inferharness/internal/queue"
	"github.com/bc-dunia/inferharness/internal/report"
	"github.com/bc-dunia/inferharness/internal/summarizer"
	"github.com/bc-dunia/inferharness/internal/sweep"
	"github.com/bc-dunia/inferharness/internal/types"
	"github.com/bc-dunia/inferharness/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file (required)")
	runID := flag.String("run-id", "", "Run identifier (defaults to a timestamp-derived ID)")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve Prometheus /metrics on (empty disables)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "harness: -config is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "harness: %v\n", err)
		os.Exit(2)
	}

	id := *runID
	if id == "" {
		id = fmt.Sprintf("run-%d", time.Now().UnixNano())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, id, *metricsAddr); err != nil {
		log.Printf("harness: run failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, runID, metricsAddr string) error {
	events := harnessevents.New(runID)
	harnessevents.SetGlobal(events)

	tracer, err := harnessotel.NewTracer(ctx, harnessotel.DefaultConfig())
	if err != nil {
		return fmt.Errorf("build tracer: %w", err)
	}
	harnessotel.SetGlobal(tracer)
	defer tracer.Shutdown(context.Background())

	metrics, err := harnessotel.NewMetrics(ctx, harnessotel.DefaultMetricsConfig())
	if err != nil {
		return fmt.Errorf("build metrics: %w", err)
	}
	harnessotel.SetGlobalMetrics(metrics)
	defer metrics.Shutdown(context.Background())

	var metricsServer *harnessmetrics.Server
	if metricsAddr != "" {
		metricsServer = harnessmetrics.NewServer(metricsAddr, "/metrics")
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer metricsServer.Stop(context.Background())
	}

	healthDone := make(chan struct{})
	sampler := &harnessmetrics.HealthSampler{
		Interval: 5 * time.Second,
		Emit:     harnessmetrics.RecordWorkerHealth,
	}
	go sampler.Run(healthDone)
	defer close(healthDone)

	sink, err := buildReportSink(cfg, runID)
	if err != nil {
		return fmt.Errorf("build report sink: %w", err)
	}

	start := time.Now()
	now := func() float64 { return time.Since(start).Seconds() }

	col := collector.New()
	defer col.Close()

	acc := summarizer.NewAccumulator()
	col.Register(acc)
	col.Register(harnessotel.NewRecordSubscriber(metrics))

	breakerGroup, err := buildBreakers(cfg, col)
	if err != nil {
		return fmt.Errorf("build circuit breakers: %w", err)
	}

	ds := buildDataset(cfg)
	var adapters *dataset.AdapterSampler
	if len(cfg.Load.LoraTrafficSplit) > 0 {
		splits := make([]dataset.AdapterSplit, 0, len(cfg.Load.LoraTrafficSplit))
		for _, s := range cfg.LoraSplits() {
			splits = append(splits, dataset.AdapterSplit{Name: s.Name, Weight: s.Weight})
		}
		adapters = dataset.NewAdapterSampler(splits, time.Now().UnixNano())
	}

	counters := &worker.Counters{}
	q := queue.New(cfg.Load.NumWorkers)
	defer q.Close()

	workers, _ := buildWorkers(cfg, q, col, counters, now)
	for _, w := range workers {
		go w.Run(ctx)
	}

	deps := orchestrator.Deps{
		Queue:    q,
		Workers:  workers,
		Breakers: breakerGroup,
		Dataset:  ds,
		Adapters: adapters,
		Now:      now,
		Events:   events,
	}

	promProducer := buildPrometheusProducer(cfg)
	promStages := map[int]types.ServerMetricsSnapshot{}

	var stageResults []types.StageRuntimeInfo

	if cfg.Load.Sweep != nil && cfg.Load.Sweep.Enabled {
		plannedStages, err := runSweep(ctx, cfg, deps, counters, now)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		events.LogSweepPlanned(plannedStages.saturation, len(plannedStages.stages))
		for i, ps := range plannedStages.stages {
			sc := orchestrator.StageConfig{
				ID:        i,
				LoadType:  orchestrator.LoadType(cfg.Load.Type),
				Rate:      ps.Rate,
				DurationS: ps.DurationS,
				Seed:      int64(i + 1),
			}
			result := orchestrator.RunStage(ctx, sc, deps, counters)
			stageResults = append(stageResults, result.Info)
			if snap, ok := scrapePrometheus(ctx, promProducer); ok {
				promStages[sc.ID] = snap
			}
			if result.Info.Status != types.StageCompleted {
				break
			}
		}
	} else {
		for _, stageCfg := range cfg.Load.Stages {
			sc := orchestrator.StageConfig{
				ID:          stageCfg.ID,
				LoadType:    orchestrator.LoadType(cfg.Load.Type),
				Rate:        stageCfg.Rate,
				DurationS:   stageCfg.DurationS,
				NumRequests: stageCfg.NumRequests,
				Seed:        int64(stageCfg.ID + 1),
			}
			events.LogStageTransition("", fmt.Sprintf("%d", stageCfg.ID), stageCfg.ID, "stage_start")
			result := orchestrator.RunStage(ctx, sc, deps, counters)
			stageResults = append(stageResults, result.Info)
			if snap, ok := scrapePrometheus(ctx, promProducer); ok {
				promStages[sc.ID] = snap
			}
			if result.Info.Status != types.StageCompleted {
				break
			}
		}
	}

	var promOverall *types.ServerMetricsSnapshot
	if snap, ok := scrapePrometheus(ctx, promProducer); ok {
		promOverall = &snap
	}

	records := acc.Records()
	if err := writeReports(cfg, sink, records, stageResults, promOverall, promStages); err != nil {
		return fmt.Errorf("write reports: %w", err)
	}

	slog.Info("run complete", "run_id", runID, "stages", len(stageResults), "records", len(records))
	return nil
}

func buildReportSink(cfg *config.Config, runID string) (report.Sink, error) {
	var sinks []report.Sink
	if cfg.Storage.LocalStorage != "" {
		fs, err := report.NewFilesystemSink(cfg.Storage.LocalStorage, runID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if len(sinks) == 0 {
		return report.NewMemorySink(), nil
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return report.MultiSink{Sinks: sinks}, nil
}

func buildDataset(cfg *config.Config) dataset.Iterator {
	api := types.APICompletion
	if cfg.API.Type == "chat" {
		api = types.APIChat
	}
	return dataset.NewMock(api, nil, 128)
}

func buildBreakers(cfg *config.Config, col *collector.Collector) (breaker.Group, error) {
	var group breaker.Group
	for _, bc := range cfg.CircuitBreakers {
		triggers := make([]breaker.TriggerSpec, 0, len(bc.Triggers))
		for _, t := range bc.Triggers {
			triggers = append(triggers, breaker.TriggerSpec{
				Kind:               breaker.TriggerKind(t.Kind),
				N:                  t.N,
				WindowSec:          t.WindowSec,
				Threshold:          t.Threshold,
				MinSamples:         t.MinSamples,
				StreamStallSeconds: t.StreamStallSeconds,
				MinEventsPerSecond: t.MinEventsPerSecond,
			})
		}

		b, err := breaker.New(breaker.Config{
			Name:     bc.Name,
			Matches:  bc.Matches,
			Rules:    bc.Rules,
			Triggers: triggers,
		}, nil)
		if err != nil {
			return group, fmt.Errorf("breaker %q: %w", bc.Name, err)
		}
		col.Register(b)
		group.Breakers = append(group.Breakers, b)
	}
	return group, nil
}

func buildWorkers(cfg *config.Config, q *queue.Queue, col *collector.Collector, counters *worker.Counters, now func() float64) ([]*worker.Worker, []*worker.Semaphore) {
	workers := make([]*worker.Worker, 0, cfg.Load.NumWorkers)
	sems := make([]*worker.Semaphore, 0, cfg.Load.NumWorkers)

	for i := 0; i < cfg.Load.NumWorkers; i++ {
		timeout := time.Duration(cfg.Load.RequestTimeout * float64(time.Second))
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client := httpclient.New(httpclient.Config{
			BaseURL:        cfg.Server.BaseURL,
			ModelName:      cfg.Server.ModelName,
			APIKey:         cfg.Server.APIKey,
			IgnoreEOS:      cfg.Server.IgnoreEOS,
			Streaming:      cfg.API.Streaming,
			Headers:        cfg.API.Headers,
			RequestTimeout: timeout,
		}, cfg.Load.WorkerMaxTCPConnections, now)

		sem := worker.NewSemaphore(cfg.Load.WorkerMaxConcurrency)
		w := worker.NewWorker(i, q, client, col, sem, counters, now)
		workers = append(workers, w)
		sems = append(sems, sem)
	}
	return workers, sems
}

type sweepResult struct {
	stages     []sweep.PlannedStage
	saturation float64
}

// runSweep runs the burst stage, samples the active-request counter at
// 2 Hz, and plans the follow-on stages from the observed drain rate.
func runSweep(ctx context.Context, cfg *config.Config, deps orchestrator.Deps, counters *worker.Counters, now func() float64) (sweepResult, error) {
	sc := cfg.Load.Sweep
	params := sweep.Params{
		NumRequests:          100,
		Timeout:              sc.Timeout,
		SaturationPercentile: sc.SaturationPercentile,
		NumStages:            sc.NumStages,
		StageDurationS:       sc.StageDuration,
		Plan:                 sweep.PlanType(sc.Plan),
	}

	burstRate := sweep.BurstStageRate(params)
	startTs := now()

	samples := make([]sweep.Sample, 0, 64)
	sampleDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-sampleDone:
				return
			case <-ticker.C:
				samples = append(samples, sweep.Sample{Ts: now(), Active: int(counters.Active.Load())})
			}
		}
	}()

	burstCfg := orchestrator.StageConfig{
		ID:        -1,
		LoadType:  orchestrator.LoadConstant,
		Rate:      burstRate,
		DurationS: 5,
		Timeout:   sc.Timeout,
		NumRequests: params.NumRequests,
	}
	orchestrator.RunStage(ctx, burstCfg, deps, counters)
	close(sampleDone)

	stages, err := sweep.Plan(samples, startTs, params)
	if err != nil {
		return sweepResult{}, err
	}

	saturation := 0.0
	if len(stages) > 0 {
		saturation = stages[len(stages)-1].Rate
	}
	return sweepResult{stages: stages, saturation: saturation}, nil
}

func writeReports(cfg *config.Config, sink report.Sink, records []types.LifecycleRecord, stages []types.StageRuntimeInfo, promOverall *types.ServerMetricsSnapshot, promStages map[int]types.ServerMetricsSnapshot) error {
	percentiles := cfg.Report.RequestLifecycle.Percentiles

	if cfg.Report.RequestLifecycle.Summary {
		rep := summarizer.Summarize(records, 0, percentiles)
		if err := saveJSON(sink, "summary_lifecycle_metrics", rep); err != nil {
			return err
		}
	}

	if cfg.Report.RequestLifecycle.PerStage {
		for _, st := range stages {
			stageRecords := summarizer.FilterStage(records, st.StageID)
			rep := summarizer.Summarize(stageRecords, st.Rate, percentiles)
			name := fmt.Sprintf("stage_%d_lifecycle_metrics", st.StageID)
			if err := saveJSON(sink, name, rep); err != nil {
				return err
			}
		}
	}

	if cfg.Report.RequestLifecycle.PerAdapter {
		for _, split := range cfg.LoraSplits() {
			adapterRecords := summarizer.FilterAdapter(records, split.Name)
			rep := summarizer.Summarize(adapterRecords, 0, percentiles)
			name := fmt.Sprintf("adapter_%s_lifecycle_metrics", split.Name)
			if err := saveJSON(sink, name, rep); err != nil {
				return err
			}
		}
	}

	if cfg.Report.RequestLifecycle.PerRequest {
		var blob []byte
		for _, r := range records {
			line, err := types.MarshalRecordJSON(&r)
			if err != nil {
				return err
			}
			blob = append(blob, line...)
			blob = append(blob, '\n')
		}
		if err := sink.Save("per_request_lifecycle", blob); err != nil {
			return err
		}
	}

	if cfg.Report.Prometheus != nil {
		if cfg.Report.Prometheus.Summary && promOverall != nil {
			rep := summarizer.SummarizePrometheus(*promOverall)
			if err := saveJSON(sink, "summary_prometheus_metrics", rep); err != nil {
				return err
			}
		}
		if cfg.Report.Prometheus.PerStage {
			for _, st := range stages {
				snap, ok := promStages[st.StageID]
				if !ok {
					continue
				}
				rep := summarizer.SummarizePrometheus(snap)
				name := fmt.Sprintf("stage_%d_prometheus_metrics", st.StageID)
				if err := saveJSON(sink, name, rep); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// buildPrometheusProducer builds the optional Prometheus scrape client
// (promquery.Producer) from the `metrics.prometheus` config block. Returns
// nil when Prometheus correlation isn't configured.
func buildPrometheusProducer(cfg *config.Config) promquery.Producer {
	pc := cfg.Metrics.Prometheus
	if pc == nil || pc.URL == "" {
		return nil
	}
	return promquery.NewClient(pc.URL, pc.Filters)
}

// scrapePrometheus takes a best-effort snapshot: a scrape failure is an
// external-collaborator error (spec.md §1 treats the Prometheus client as
// out of scope), not grounds to fail the run, so it is logged and skipped.
func scrapePrometheus(ctx context.Context, producer promquery.Producer) (types.ServerMetricsSnapshot, bool) {
	if producer == nil {
		return types.ServerMetricsSnapshot{}, false
	}
	scrapeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	snap, err := producer.Snapshot(scrapeCtx)
	if err != nil {
		slog.Warn("prometheus scrape failed", "error", err)
		return types.ServerMetricsSnapshot{}, false
	}
	return *snap, true
}

func saveJSON(sink report.Sink, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return sink.Save(name, data)
}
