package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeTempConfig(t, `
server:
  base_url: http://localhost:8000
load:
  type: constant
  stages:
    - id: 0
      rate: 1
      duration: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BaseURL != "http://localhost:8000" {
		t.Fatalf("base_url not parsed: %+v", cfg.Server)
	}
	// Defaults not overridden by the document should survive the merge.
	if cfg.Load.NumWorkers != 4 {
		t.Fatalf("expected default num_workers 4, got %d", cfg.Load.NumWorkers)
	}
	if cfg.API.Type != "completion" {
		t.Fatalf("expected default api.type completion, got %q", cfg.API.Type)
	}
}

func TestLoadMissingBaseURLIsConfigError(t *testing.T) {
	path := writeTempConfig(t, `
load:
  type: constant
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected config error for missing server.base_url")
	}
}

func TestLoadRejectsBadLoraSplit(t *testing.T) {
	path := writeTempConfig(t, `
server:
  base_url: http://localhost:8000
load:
  type: constant
  lora_traffic_split:
    a: 0.25
    b: 0.5
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected config error for lora split not summing to 1.0")
	}
}

func TestLoadRejectsTraceReplayWithoutTrace(t *testing.T) {
	path := writeTempConfig(t, `
server:
  base_url: http://localhost:8000
load:
  type: trace_replay
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected config error for trace_replay without a trace file")
	}
}

// TestDefaultFillIsIdempotent verifies spec.md §8's round-trip property:
// serializing the merged config and re-parsing it produces an equivalent
// config.
func TestDefaultFillIsIdempotent(t *testing.T) {
	path := writeTempConfig(t, `
server:
  base_url: http://localhost:8000
load:
  type: poisson
  num_workers: 16
  stages:
    - id: 0
      rate: 5
      duration: 30
`)
	first, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	serialized, err := yaml.Marshal(first)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	roundTripPath := filepath.Join(t.TempDir(), "roundtrip.yaml")
	if err := os.WriteFile(roundTripPath, serialized, 0o644); err != nil {
		t.Fatalf("write roundtrip config: %v", err)
	}

	second, err := Load(roundTripPath)
	if err != nil {
		t.Fatalf("Load roundtrip: %v", err)
	}

	if first.Load.NumWorkers != second.Load.NumWorkers || first.Load.Type != second.Load.Type {
		t.Fatalf("round trip not idempotent: %+v vs %+v", first.Load, second.Load)
	}
	if len(first.Load.Stages) != len(second.Load.Stages) || first.Load.Stages[0].Rate != second.Load.Stages[0].Rate {
		t.Fatalf("round trip dropped stage data: %+v vs %+v", first.Load.Stages, second.Load.Stages)
	}
}
