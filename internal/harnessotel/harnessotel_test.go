package harnessotel

import (
	"context"
	"testing"
)

func TestNewTracerDisabledIsNoop(t *testing.T) {
	tr, err := NewTracer(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	if tr.Enabled() {
		t.Fatal("expected disabled tracer to report Enabled() == false")
	}
	ctx, span := tr.StartRequestSpan(context.Background(), RequestSpanOptions{
		RunID: "run-1", StageID: 0, WorkerID: 3, API: "completion",
	})
	if ctx == nil || span == nil {
		t.Fatal("expected StartRequestSpan to return a usable span even when disabled")
	}
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestGlobalTracerDefaultsToNoop(t *testing.T) {
	if Global() == nil {
		t.Fatal("expected Global() to return a usable no-op tracer by default")
	}
}

func TestNewMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(context.Background(), DefaultMetricsConfig())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.IncrementActiveRequests(ctx)
	m.RecordRequestLatency(ctx, 0.25, "completion", "")
	m.RecordError(ctx, "timeout")
	m.RecordReconnect(ctx)
	m.RecordStall(ctx)
	m.SetCurrentStage(2)
	m.DecrementActiveRequests(ctx)
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestGlobalMetricsDefaultsToNoop(t *testing.T) {
	if GlobalMetrics() == nil {
		t.Fatal("expected GlobalMetrics() to return a usable no-op instance by default")
	}
}
