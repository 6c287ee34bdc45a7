package harnessmetrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Own-process Prometheus instruments, grounded on firestige-Otus's
// internal/metrics/metrics.go promauto.NewCounterVec/NewGaugeVec package
// var pattern. These cover the harness's in-progress state (requests in
// flight, queue depth, breaker state) rather than the summarizer's
// request-lifecycle report, which is written by internal/report instead.
// All are registered and served on /metrics, but only the worker-health
// gauges are updated (by RecordWorkerHealth); nothing in the harness sets
// the request, queue, breaker or stage instruments, so they stay at zero.
var (
	RequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inferharness_requests_in_flight",
		Help: "Number of inference requests currently in flight.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferharness_queue_depth",
		Help: "Number of requests waiting in each queue shard.",
	}, []string{"shard"})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferharness_requests_total",
		Help: "Total completed inference requests by outcome.",
	}, []string{"outcome"})

	RequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inferharness_request_duration_seconds",
		Help:    "End-to-end inference request duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"api", "adapter"})

	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferharness_breaker_open",
		Help: "1 if the named circuit breaker is open, 0 otherwise.",
	}, []string{"breaker"})

	CurrentStage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inferharness_current_stage",
		Help: "ID of the stage currently running.",
	})

	WorkerCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inferharness_worker_host_cpu_percent",
		Help: "Host CPU utilization percent as sampled by the worker-health sampler.",
	})

	WorkerMemUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inferharness_worker_host_mem_used_bytes",
		Help: "Host memory used in bytes as sampled by the worker-health sampler.",
	})

	WorkerLoad1 = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inferharness_worker_host_load1",
		Help: "Host 1-minute load average as sampled by the worker-health sampler.",
	})
)

// RecordWorkerHealth republishes a WorkerHealthSample onto the
// CPU/mem/load gauges above.
func RecordWorkerHealth(s WorkerHealthSample) {
	WorkerCPUPercent.Set(s.CPUPercent)
	WorkerMemUsedBytes.Set(float64(s.MemUsed))
	WorkerLoad1.Set(s.LoadAvg1)
}

// Server is the harness's own /metrics HTTP server, grounded on
// firestige-Otus's internal/metrics.Server (promhttp.Handler mounted on a
// dedicated ServeMux with read/write/idle timeouts and slog logging).
type Server struct {
	addr   string
	path   string
	server *http.Server
}

// NewServer creates a metrics server bound to addr, serving Prometheus
// exposition at path (default "/metrics").
func NewServer(addr, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{addr: addr, path: path}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting metrics server", "addr", s.addr, "path", s.path)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	slog.Info("stopping metrics server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	slog.Info("metrics server stopped")
	return nil
}
