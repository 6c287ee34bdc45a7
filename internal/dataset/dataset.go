// Package dataset defines the out-of-scope external collaborator
// boundary that feeds RequestSpec values to the orchestrator, plus a
// mock implementation for tests and smoke runs. Real dataset backends
// (shareGPT, synthetic, random, shared_prefix, cnn_dailymail,
// infinity_instruct, billsum_conversations) are external corpora this
// harness does not ship; only the iterator boundary and an in-memory
// mock are part of this module.
package dataset

import (
	"math/rand"
	"sync"

	"github.com/bc-dunia/inferharness/internal/types"
)

// Iterator yields RequestSpecs. Count reports the total number of specs
// the iterator will produce if known in advance (a trace-backed dataset
// is authoritative for a stage's num_requests per spec.md §4.6);
// Count returns -1 when the dataset has no fixed size (e.g. the mock
// dataset repeats indefinitely).
type Iterator interface {
	Next() types.RequestSpec
	Count() int
}

// Mock is a deterministic round-robin iterator over a fixed prompt pool,
// for tests and for smoke-testing a harness configuration against a mock
// server.
type Mock struct {
	mu      sync.Mutex
	prompts []string
	api     types.APIType
	maxTok  int
	idx     int
}

// NewMock builds a Mock dataset emitting requests of the given API type
// drawn round-robin from prompts.
func NewMock(api types.APIType, prompts []string, maxTokens int) *Mock {
	if len(prompts) == 0 {
		prompts = []string{"tell me a short story"}
	}
	return &Mock{prompts: prompts, api: api, maxTok: maxTokens}
}

func (m *Mock) Next() types.RequestSpec {
	m.mu.Lock()
	p := m.prompts[m.idx%len(m.prompts)]
	m.idx++
	m.mu.Unlock()

	spec := types.RequestSpec{API: m.api, MaxTokens: m.maxTok}
	if m.api == types.APIChat {
		spec.Messages = []types.ChatMessage{{Role: "user", Content: p}}
	} else {
		spec.Prompt = p
	}
	return spec
}

// Count reports -1: the mock dataset is not trace-backed and repeats
// forever, so it never overrides a stage's computed num_requests.
func (m *Mock) Count() int { return -1 }

// AdapterSplit is one entry of the LoRA traffic split configuration:
// config's `lora_traffic_split` maps adapter name to a weight that should
// sum to 1.0 (validated at config-parse time, not here).
type AdapterSplit struct {
	Name   string
	Weight float64
}

// AdapterSampler draws a LoRA adapter tag per request according to a
// configured weighted split, using the teacher's cumulative-weight
// sampling idiom (vu/operation_sampler.go's OperationSampler.Sample).
type AdapterSampler struct {
	mu      sync.Mutex
	splits  []AdapterSplit
	rng     *rand.Rand
}

// NewAdapterSampler builds a sampler over splits. An empty splits list
// means "no adapters configured" -- Sample then always returns "".
func NewAdapterSampler(splits []AdapterSplit, seed int64) *AdapterSampler {
	return &AdapterSampler{splits: splits, rng: rand.New(rand.NewSource(seed))}
}

// Sample draws one adapter name according to the configured weights.
func (s *AdapterSampler) Sample() string {
	if len(s.splits) == 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rng.Float64()
	cumulative := 0.0
	for _, sp := range s.splits {
		cumulative += sp.Weight
		if r < cumulative {
			return sp.Name
		}
	}
	return s.splits[len(s.splits)-1].Name
}
