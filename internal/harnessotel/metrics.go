package harnessotel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the OTel metrics half of harnessotel, adapted
// from the teacher's identically-named internal/otel.MetricsConfig.
type MetricsConfig struct {
	Enabled        bool
	ServiceName    string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	ExportInterval float64
}

// DefaultMetricsConfig returns metrics disabled (no-op meter).
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:        false,
		ServiceName:    "inferharness",
		ExporterType:   ExporterNone,
		ExportInterval: 10,
	}
}

// Metrics wraps an OTel MeterProvider with the instruments this harness
// records during a run: request latency, error counts, active requests,
// reconnects and stream stalls, and current stage. Generalized from the
// teacher's session-oriented instrument set (mcpdrill.sessions.active,
// mcpdrill.reconnects) to the harness's request-oriented one.
type Metrics struct {
	meterProvider metric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error

	currentStage   atomic.Int64
	activeRequests atomic.Int64

	requestLatency  metric.Float64Histogram
	errorCounter    metric.Int64Counter
	activeGauge     metric.Int64UpDownCounter
	reconnectCount  metric.Int64Counter
	stallCount      metric.Int64Counter
	stageGauge      metric.Int64ObservableGauge

	mu sync.RWMutex
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics builds a Metrics instance from cfg, falling back to no-op
// instruments when disabled.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = noop.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		if err := m.registerInstruments(); err != nil {
			return nil, err
		}
		return m, nil
	}

	reader, err := m.createReader(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("harnessotel: create metrics reader: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) createReader(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Reader, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.requestLatency, err = m.meter.Float64Histogram(
		"inferharness.request.latency",
		metric.WithDescription("End-to-end inference request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("harnessotel: create latency histogram: %w", err)
	}

	m.errorCounter, err = m.meter.Int64Counter(
		"inferharness.errors",
		metric.WithDescription("Inference request errors by kind"),
	)
	if err != nil {
		return fmt.Errorf("harnessotel: create error counter: %w", err)
	}

	m.activeGauge, err = m.meter.Int64UpDownCounter(
		"inferharness.requests.active",
		metric.WithDescription("Currently in-flight inference requests"),
	)
	if err != nil {
		return fmt.Errorf("harnessotel: create active requests gauge: %w", err)
	}

	m.reconnectCount, err = m.meter.Int64Counter(
		"inferharness.reconnects",
		metric.WithDescription("HTTP connection re-establishments observed"),
	)
	if err != nil {
		return fmt.Errorf("harnessotel: create reconnect counter: %w", err)
	}

	m.stallCount, err = m.meter.Int64Counter(
		"inferharness.stream.stalls",
		metric.WithDescription("Streaming responses that exceeded the inter-token stall timeout"),
	)
	if err != nil {
		return fmt.Errorf("harnessotel: create stall counter: %w", err)
	}

	m.stageGauge, err = m.meter.Int64ObservableGauge(
		"inferharness.stage",
		metric.WithDescription("Current stage ID of the running load plan"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.currentStage.Load())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("harnessotel: create stage gauge: %w", err)
	}

	return nil
}

// RecordRequestLatency records one completed request's end-to-end
// duration in seconds.
func (m *Metrics) RecordRequestLatency(ctx context.Context, seconds float64, api, adapter string) {
	m.requestLatency.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("api", api),
		attribute.String("adapter", adapter),
	))
}

// RecordError increments the error counter for the given taxonomy kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// IncrementActiveRequests marks one more request in flight.
func (m *Metrics) IncrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(1)
	m.activeGauge.Add(ctx, 1)
}

// DecrementActiveRequests marks one fewer request in flight.
func (m *Metrics) DecrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(-1)
	m.activeGauge.Add(ctx, -1)
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	m.reconnectCount.Add(ctx, 1)
}

// RecordStall increments the stream-stall counter.
func (m *Metrics) RecordStall(ctx context.Context) {
	m.stallCount.Add(ctx, 1)
}

// SetCurrentStage updates the observable stage gauge's value.
func (m *Metrics) SetCurrentStage(stageID int) {
	m.currentStage.Store(int64(stageID))
}

// Shutdown flushes and tears down the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// MeterProvider returns the underlying OTel MeterProvider.
func (m *Metrics) MeterProvider() metric.MeterProvider {
	return m.meterProvider
}

// SetGlobalMetrics installs m as the process-wide metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
}

// GlobalMetrics returns the process-wide Metrics, or a no-op instance.
func GlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	if globalMetrics != nil {
		return globalMetrics
	}
	return NoopMetrics()
}

// NoopMetrics returns a Metrics backed by a no-op MeterProvider.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(context.Background(), DefaultMetricsConfig())
	if err != nil {
		panic(fmt.Sprintf("harnessotel: building noop metrics must never fail: %v", err))
	}
	return m
}
