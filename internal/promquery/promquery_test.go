package promquery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const exposition = `# HELP vllm_requests_total total requests
# TYPE vllm_requests_total counter
vllm_requests_total 42
# HELP vllm_queue_depth queue depth
# TYPE vllm_queue_depth gauge
vllm_queue_depth 7
# HELP vllm_request_latency_seconds request latency
# TYPE vllm_request_latency_seconds histogram
vllm_request_latency_seconds_bucket{le="0.1"} 3
vllm_request_latency_seconds_bucket{le="0.5"} 10
vllm_request_latency_seconds_bucket{le="+Inf"} 12
vllm_request_latency_seconds_sum 4.2
vllm_request_latency_seconds_count 12
`

func TestClientSnapshotParsesExposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(exposition))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	c.Now = func() time.Time { return time.Unix(1000, 0) }

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Counters["vllm_requests_total"] != 42 {
		t.Fatalf("expected counter 42, got %v", snap.Counters["vllm_requests_total"])
	}
	if snap.Counters["vllm_queue_depth"] != 7 {
		t.Fatalf("expected gauge 7, got %v", snap.Counters["vllm_queue_depth"])
	}
	hist, ok := snap.Histograms["vllm_request_latency_seconds"]
	if !ok {
		t.Fatal("expected histogram to be captured")
	}
	if hist.Count != 12 || hist.Sum != 4.2 {
		t.Fatalf("unexpected histogram: %+v", hist)
	}
}

func TestClientSnapshotFiltersMetricNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(exposition))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, []string{"vllm_queue_depth"})
	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := snap.Counters["vllm_requests_total"]; ok {
		t.Fatal("expected filtered-out metric to be absent")
	}
	if snap.Counters["vllm_queue_depth"] != 7 {
		t.Fatalf("expected kept metric present, got %v", snap.Counters["vllm_queue_depth"])
	}
}

func TestClientSnapshotErrorsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if _, err := c.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
