// Package config loads and default-fills the harness's YAML configuration
// surface (spec.md §6): api, data, load, metrics, report, storage, server,
// tokenizer and circuit_breakers blocks. Mirrors the teacher's
// controlplane/runmanager/config_parse.go parse-with-defaults shape, with
// the wire format swapped from JSON to YAML per spec.md §6 ("Config
// surface (YAML, merged over defaults)").
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// APIConfig is the `api` block.
type APIConfig struct {
	Type      string            `yaml:"type"`
	Streaming bool              `yaml:"streaming"`
	Headers   map[string]string `yaml:"headers,omitempty"`
}

// DataConfig is the `data` block. Most fields describe an out-of-scope
// dataset producer (spec.md §1) and are passed through unvalidated beyond
// the `type` enum.
type DataConfig struct {
	Type                string  `yaml:"type"`
	Path                string  `yaml:"path,omitempty"`
	InputDistribution   string  `yaml:"input_distribution,omitempty"`
	OutputDistribution  string  `yaml:"output_distribution,omitempty"`
	SharedPrefix        string  `yaml:"shared_prefix,omitempty"`
	Trace               string  `yaml:"trace,omitempty"`
}

// StageConfig is one entry of `load.stages[]`.
type StageConfig struct {
	ID          int     `yaml:"id"`
	Name        string  `yaml:"name,omitempty"`
	Rate        float64 `yaml:"rate,omitempty"`
	DurationS   float64 `yaml:"duration,omitempty"`
	NumRequests int     `yaml:"num_requests,omitempty"`
	MaxDuration float64 `yaml:"max_duration,omitempty"`

	// [EXPANSION] ramp-stage concurrency scaling (SPEC_FULL.md §4.6).
	StartConcurrency  int     `yaml:"start_concurrency,omitempty"`
	TargetConcurrency int     `yaml:"target_concurrency,omitempty"`
	RampSteps         int     `yaml:"ramp_steps,omitempty"`
	StepHold          float64 `yaml:"step_hold,omitempty"`
}

// SweepConfig is the optional `load.sweep` block (C9).
type SweepConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Timeout              float64 `yaml:"timeout,omitempty"`
	SaturationPercentile float64 `yaml:"saturation_percentile,omitempty"`
	NumStages            int     `yaml:"num_stages,omitempty"`
	StageDuration        float64 `yaml:"stage_duration,omitempty"`
	Plan                 string  `yaml:"plan,omitempty"`
}

// LoraSplit is one entry of `load.lora_traffic_split`.
type LoraSplit struct {
	Name   string
	Weight float64
}

// LoadConfig is the `load` block.
type LoadConfig struct {
	Type                    string             `yaml:"type"`
	Interval                float64            `yaml:"interval,omitempty"`
	Stages                  []StageConfig      `yaml:"stages"`
	Sweep                   *SweepConfig       `yaml:"sweep,omitempty"`
	NumWorkers              int                `yaml:"num_workers"`
	WorkerMaxConcurrency    int                `yaml:"worker_max_concurrency"`
	WorkerMaxTCPConnections int                `yaml:"worker_max_tcp_connections"`
	Trace                   string             `yaml:"trace,omitempty"`
	CircuitBreakers         []string           `yaml:"circuit_breakers,omitempty"`
	RequestTimeout          float64            `yaml:"request_timeout,omitempty"`
	LoraTrafficSplit        map[string]float64 `yaml:"lora_traffic_split,omitempty"`
}

// PrometheusConfig is the `metrics.prometheus` block, describing the
// out-of-scope PromQL scrape client spec.md §1 mentions only by interface.
type PrometheusConfig struct {
	URL                string   `yaml:"url,omitempty"`
	GoogleManaged      bool     `yaml:"google_managed,omitempty"`
	ScrapeIntervalS    float64  `yaml:"scrape_interval,omitempty"`
	Filters            []string `yaml:"filters,omitempty"`
}

// MetricsConfig is the `metrics` block.
type MetricsConfig struct {
	Prometheus *PrometheusConfig `yaml:"prometheus,omitempty"`
}

// ReportLifecycleConfig is `report.request_lifecycle`.
type ReportLifecycleConfig struct {
	Summary        bool      `yaml:"summary"`
	PerStage       bool      `yaml:"per_stage"`
	PerRequest     bool      `yaml:"per_request"`
	PerAdapter     bool      `yaml:"per_adapter"`
	PerAdapterStage bool     `yaml:"per_adapter_stage"`
	Percentiles    []float64 `yaml:"percentiles,omitempty"`
}

// ReportPrometheusConfig is `report.prometheus`.
type ReportPrometheusConfig struct {
	Summary  bool `yaml:"summary"`
	PerStage bool `yaml:"per_stage"`
}

// ReportConfig is the `report` block.
type ReportConfig struct {
	RequestLifecycle ReportLifecycleConfig   `yaml:"request_lifecycle"`
	Prometheus       *ReportPrometheusConfig `yaml:"prometheus,omitempty"`
}

// StorageConfig is the `storage` block, describing out-of-scope report
// sinks by interface (spec.md §1's "report persistence" collaborator).
type StorageConfig struct {
	LocalStorage            string `yaml:"local_storage,omitempty"`
	GoogleCloudStorage      string `yaml:"google_cloud_storage,omitempty"`
	SimpleStorageService    string `yaml:"simple_storage_service,omitempty"`
}

// ServerConfig is the `server` block.
type ServerConfig struct {
	Type      string `yaml:"type"`
	ModelName string `yaml:"model_name,omitempty"`
	BaseURL   string `yaml:"base_url"`
	IgnoreEOS bool   `yaml:"ignore_eos"`
	APIKey    string `yaml:"api_key,omitempty"`
	CertPath  string `yaml:"cert_path,omitempty"`
	KeyPath   string `yaml:"key_path,omitempty"`
}

// TokenizerConfig is the `tokenizer` block, describing the out-of-scope
// tokenizer collaborator (spec.md §1).
type TokenizerConfig struct {
	PretrainedModelNameOrPath string `yaml:"pretrained_model_name_or_path,omitempty"`
	TrustRemoteCode           bool   `yaml:"trust_remote_code,omitempty"`
	Token                     string `yaml:"token,omitempty"`
}

// TriggerConfig is one entry of a circuit breaker's `triggers[]`.
type TriggerConfig struct {
	Kind               string  `yaml:"kind"`
	N                  int     `yaml:"n,omitempty"`
	WindowSec          float64 `yaml:"window_sec,omitempty"`
	Threshold          float64 `yaml:"threshold,omitempty"`
	MinSamples         int     `yaml:"min_samples,omitempty"`
	StreamStallSeconds int     `yaml:"stream_stall_seconds,omitempty"`
	MinEventsPerSecond float64 `yaml:"min_events_per_second,omitempty"`
}

// CircuitBreakerConfig is one entry of the top-level `circuit_breakers[]`.
type CircuitBreakerConfig struct {
	Name     string          `yaml:"name"`
	Matches  []string        `yaml:"matches,omitempty"`
	Rules    []string        `yaml:"rules,omitempty"`
	Triggers []TriggerConfig `yaml:"triggers"`
}

// Config is the complete merged-over-defaults config surface of spec.md §6.
type Config struct {
	API             APIConfig              `yaml:"api"`
	Data            DataConfig             `yaml:"data"`
	Load            LoadConfig             `yaml:"load"`
	Metrics         MetricsConfig          `yaml:"metrics"`
	Report          ReportConfig           `yaml:"report"`
	Storage         StorageConfig          `yaml:"storage"`
	Server          ServerConfig           `yaml:"server"`
	Tokenizer       TokenizerConfig        `yaml:"tokenizer"`
	CircuitBreakers []CircuitBreakerConfig `yaml:"circuit_breakers,omitempty"`
}

// Defaults returns a Config pre-filled with the harness's defaults. Load
// merges a parsed document over this shape field-by-field via yaml's
// in-place unmarshal semantics, so Defaults().then-merge is idempotent:
// re-parsing an already-defaulted document changes nothing (spec.md §8's
// round-trip testable property).
func Defaults() *Config {
	return &Config{
		API: APIConfig{Type: "completion", Streaming: true},
		Data: DataConfig{Type: "mock"},
		Load: LoadConfig{
			Type:                    "constant",
			Interval:                0,
			NumWorkers:              4,
			WorkerMaxConcurrency:    8,
			WorkerMaxTCPConnections: 8,
		},
		Report: ReportConfig{
			RequestLifecycle: ReportLifecycleConfig{
				Summary:    true,
				PerStage:   true,
				PerRequest: false,
				Percentiles: []float64{10, 50, 90},
			},
		},
		Storage: StorageConfig{LocalStorage: "./results"},
		Server:  ServerConfig{Type: "mock", IgnoreEOS: true},
	}
}

// Load reads path as YAML and merges it over Defaults(). Unmarshalling
// into a pre-populated struct leaves any field the document doesn't set
// at its default value -- the merge-over-defaults behavior spec.md §6
// describes.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config-error conditions spec.md §7 calls fatal
// before startup: missing server URL, load/stage type mismatch, a LoRA
// split that doesn't sum to 1.0, and a trace-replay load type with no
// trace file.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("config: server.base_url is required")
	}
	if c.API.Type != "completion" && c.API.Type != "chat" {
		return fmt.Errorf("config: api.type must be completion or chat, got %q", c.API.Type)
	}
	switch c.Load.Type {
	case "constant", "poisson", "trace_replay", "concurrent":
	default:
		return fmt.Errorf("config: load.type %q is not one of constant/poisson/trace_replay/concurrent", c.Load.Type)
	}
	if c.Load.Type == "trace_replay" && c.Load.Trace == "" {
		return fmt.Errorf("config: load.type is trace_replay but load.trace is empty")
	}
	if c.Load.Type == "concurrent" {
		for _, s := range c.Load.Stages {
			if s.NumRequests <= 0 {
				return fmt.Errorf("config: concurrent load type requires stage %d to set num_requests", s.ID)
			}
		}
	}
	if len(c.Load.LoraTrafficSplit) > 0 {
		sum := 0.0
		for _, w := range c.Load.LoraTrafficSplit {
			sum += w
		}
		if sum < 0.999 || sum > 1.001 {
			return fmt.Errorf("config: load.lora_traffic_split weights sum to %.4f, must sum to 1.0", sum)
		}
	}
	return nil
}

// LoraSplits returns the LoRA traffic split as an ordered slice suitable
// for dataset.NewAdapterSampler -- map iteration order is nondeterministic,
// so callers that need a stable order should sort this themselves.
func (c *Config) LoraSplits() []LoraSplit {
	out := make([]LoraSplit, 0, len(c.Load.LoraTrafficSplit))
	for name, weight := range c.Load.LoraTrafficSplit {
		out = append(out, LoraSplit{Name: name, Weight: weight})
	}
	return out
}
