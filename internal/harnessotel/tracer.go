// Package harnessotel wraps OpenTelemetry tracing and metrics for the
// harness's own outbound HTTP calls and stage transitions. Adapted from
// the teacher's internal/otel package (Tracer, StartOperationSpan,
// RecordError, global-singleton pattern), renamed from MCP-operation
// spans to HTTP-request spans: this harness is a client driving load
// against one server, not a server instrumenting inbound requests, so
// the teacher's server-side Middleware is not carried -- InjectHeaders
// is kept, since the harness does want to propagate trace context to the
// server it drives.
package harnessotel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExporterType names a trace/metrics exporter backend.
type ExporterType string

const (
	ExporterNone     ExporterType = "none"
	ExporterStdout   ExporterType = "stdout"
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// Config configures the tracer.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	SampleRate     float64
	Attributes     map[string]string
}

// DefaultConfig returns tracing disabled (no-op).
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		ServiceName:  "inferharness",
		ExporterType: ExporterNone,
		SampleRate:   1.0,
	}
}

// Tracer wraps an OpenTelemetry TracerProvider with harness-specific
// span helpers for outbound HTTP calls and stage transitions.
type Tracer struct {
	config         *Config
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
	shutdown       func(context.Context) error
	mu             sync.RWMutex
}

var (
	globalTracer *Tracer
	globalMu     sync.RWMutex
)

// NewTracer builds a Tracer from cfg, falling back to a no-op provider
// when disabled.
func NewTracer(ctx context.Context, cfg *Config) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	t := &Tracer{
		config:     cfg,
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		t.tracerProvider = noop.NewTracerProvider()
		t.tracer = t.tracerProvider.Tracer(cfg.ServiceName)
		t.shutdown = func(context.Context) error { return nil }
		return t, nil
	}

	exporter, err := t.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("harnessotel: create exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		append(serviceAttrs(cfg), attribute.String("service.name", cfg.ServiceName))...,
	))
	if err != nil {
		return nil, fmt.Errorf("harnessotel: create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	t.tracerProvider = tp
	t.tracer = tp.Tracer(cfg.ServiceName)
	t.shutdown = tp.Shutdown
	otel.SetTextMapPropagator(t.propagator)

	return t, nil
}

func serviceAttrs(cfg *Config) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func (t *Tracer) createExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// Shutdown flushes and tears down the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// Enabled reports whether tracing is active.
func (t *Tracer) Enabled() bool {
	return t.config.Enabled && t.config.ExporterType != ExporterNone
}

// RequestSpanOptions names the attributes attached to one outbound
// completion/chat HTTP call's span.
type RequestSpanOptions struct {
	RunID    string
	StageID  int
	WorkerID int
	API      string
	Adapter  string
}

// StartRequestSpan starts a client span for one outbound HTTP call,
// generalized from the teacher's StartOperationSpan (MCP tool calls) to
// one inference request.
func (t *Tracer) StartRequestSpan(ctx context.Context, opts RequestSpanOptions) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("inferharness.run_id", opts.RunID),
		attribute.Int("inferharness.stage_id", opts.StageID),
		attribute.Int("inferharness.worker_id", opts.WorkerID),
		attribute.String("inferharness.api", opts.API),
	}
	if opts.Adapter != "" {
		attrs = append(attrs, attribute.String("inferharness.adapter", opts.Adapter))
	}

	name := fmt.Sprintf("inference.%s", opts.API)
	return t.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// RecordError records err on span with a stable error-kind attribute,
// matching the taxonomy internal/httpclient produces.
func RecordError(span trace.Span, err error, kind string) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.kind", kind))
}

// StageEvent adds a stage-transition span event to the current span in
// ctx. The orchestrator does not call it.
func StageEvent(ctx context.Context, name string, stageID int, status string) {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(
		attribute.Int("inferharness.stage_id", stageID),
		attribute.String("inferharness.status", status),
	))
}

// InjectHeaders injects trace context into outgoing HTTP headers so the
// server under test can correlate its own traces with the harness's run.
func InjectHeaders(ctx context.Context, headers map[string][]string, t *Tracer) {
	if t == nil || !t.Enabled() {
		return
	}
	t.propagator.Inject(ctx, propagation.HeaderCarrier(headers))
}

// SetGlobal installs t as the process-wide tracer.
func SetGlobal(t *Tracer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalTracer = t
	if t != nil && t.Enabled() {
		otel.SetTracerProvider(t.tracerProvider)
	}
}

// Global returns the process-wide tracer, or a no-op tracer if none was
// installed.
func Global() *Tracer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalTracer != nil {
		return globalTracer
	}
	return Noop()
}

// Noop returns a Tracer that discards every span.
func Noop() *Tracer {
	tp := noop.NewTracerProvider()
	return &Tracer{
		config:         DefaultConfig(),
		tracerProvider: tp,
		tracer:         tp.Tracer("inferharness"),
		propagator:     propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}),
		shutdown:       func(context.Context) error { return nil },
	}
}
