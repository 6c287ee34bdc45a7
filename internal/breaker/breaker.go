// Package breaker implements the circuit breaker layer (C7): declarative
// rule sets that pattern-match each LifecycleRecord and open a breaker
// when a Consecutive or RateOverWindow trigger fires. Triggers are
// evaluated the way the teacher's stop-condition evaluator tracks them --
// a per-key consecutive-hit counter and a pruned sliding window -- but the
// match step itself is a JMESPath boolean expression over the record's
// JSON form rather than the teacher's fixed metric-name dispatch, per the
// rule language spec.md §9 requires.
package breaker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jmespath/go-jmespath"

	"github.com/bc-dunia/inferharness/internal/types"
)

// TriggerKind names the four supported trigger shapes.
type TriggerKind string

const (
	TriggerConsecutive   TriggerKind = "consecutive"
	TriggerRateOverWindow TriggerKind = "rate_over_window"
	// TriggerStreamStall and TriggerMinEventsPerSecond are [EXPANSION]
	// streaming-specific triggers, grounded on the teacher's
	// evaluateStreamStall/evaluateMinEventsPerSecond.
	TriggerStreamStall        TriggerKind = "stream_stall"
	TriggerMinEventsPerSecond TriggerKind = "min_events_per_second"
)

// TriggerSpec configures one trigger within a breaker.
type TriggerSpec struct {
	Kind TriggerKind

	// Consecutive.
	N int

	// RateOverWindow.
	WindowSec  float64
	Threshold  float64
	MinSamples int

	// Streaming triggers.
	StreamStallSeconds int
	MinEventsPerSecond float64
}

// Config declaratively configures one breaker: matches select which
// records count as eligible at all, rules determine whether an eligible
// record counts as a "hit", and triggers decide when enough hits open the
// breaker. Both matches and rules are JMESPath boolean expressions
// evaluated against the record's JSON form.
type Config struct {
	Name     string
	Matches  []string
	Rules    []string
	Triggers []TriggerSpec
}

// Trigger describes why a breaker opened.
type Trigger struct {
	BreakerName string
	Kind        TriggerKind
	Observed    float64
	At          time.Time
}

// Breaker evaluates one Config against a stream of LifecycleRecords.
type Breaker struct {
	cfg Config

	matches []*jmespath.JMESPath
	rules   []*jmespath.JMESPath

	mu              sync.Mutex
	open            bool
	trigger         *Trigger
	consecutiveHits map[int]int // trigger index -> consecutive hit count
	windowSamples   map[int][]sample

	onOpen func(Trigger)

	streamEventsSince time.Time
	streamEventCount  int
	lastStreamActivity time.Time
}

type sample struct {
	at  time.Time
	hit bool
}

// New compiles cfg's JMESPath expressions. An expression that fails to
// compile makes New return the compile error and no Breaker.
func New(cfg Config, onOpen func(Trigger)) (*Breaker, error) {
	b := &Breaker{
		cfg:             cfg,
		consecutiveHits: make(map[int]int),
		windowSamples:   make(map[int][]sample),
		onOpen:          onOpen,
	}
	for _, m := range cfg.Matches {
		expr, err := jmespath.Compile(m)
		if err != nil {
			return nil, err
		}
		b.matches = append(b.matches, expr)
	}
	for _, r := range cfg.Rules {
		expr, err := jmespath.Compile(r)
		if err != nil {
			return nil, err
		}
		b.rules = append(b.rules, expr)
	}
	return b, nil
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// IsOpen reports whether the breaker has fired and not been Reset.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Reset clears open state and every trigger's accumulated counters. The
// orchestrator never calls this automatically (spec.md §3) -- it exists
// for external operator intervention and for tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.trigger = nil
	b.consecutiveHits = make(map[int]int)
	b.windowSamples = make(map[int][]sample)
	b.streamEventsSince = time.Time{}
	b.streamEventCount = 0
	b.lastStreamActivity = time.Time{}
}

// Observe implements collector.Subscriber: every LifecycleRecord the
// collector drains is fed here.
func (b *Breaker) Observe(r types.LifecycleRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return
	}

	if r.Stream != nil {
		b.streamEventCount += r.Stream.EventsCount
		b.lastStreamActivity = time.Now()
	}

	raw, err := types.MarshalRecordJSON(&r)
	if err != nil {
		return
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return
	}

	if !b.matchesLocked(doc) {
		return
	}
	hit := b.ruleHitLocked(doc)

	now := time.Now()
	for i, t := range b.cfg.Triggers {
		switch t.Kind {
		case TriggerConsecutive:
			b.evalConsecutive(i, t, hit, now)
		case TriggerRateOverWindow:
			b.evalRateOverWindow(i, t, hit, now)
		case TriggerStreamStall, TriggerMinEventsPerSecond:
			// evaluated by EvaluateStreaming, not per-record.
		}
		if b.open {
			return
		}
	}
}

func (b *Breaker) matchesLocked(doc any) bool {
	if len(b.matches) == 0 {
		return true
	}
	for _, m := range b.matches {
		v, err := m.Search(doc)
		if err != nil {
			continue
		}
		if truthy(v) {
			return true
		}
	}
	return false
}

func (b *Breaker) ruleHitLocked(doc any) bool {
	if len(b.rules) == 0 {
		return true
	}
	for _, r := range b.rules {
		v, err := r.Search(doc)
		if err != nil {
			continue
		}
		if truthy(v) {
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	default:
		return true
	}
}

func (b *Breaker) evalConsecutive(idx int, t TriggerSpec, hit bool, now time.Time) {
	if !hit {
		b.consecutiveHits[idx] = 0
		return
	}
	n := t.N
	if n <= 0 {
		n = 1
	}
	b.consecutiveHits[idx]++
	if b.consecutiveHits[idx] >= n {
		b.fireLocked(Trigger{
			BreakerName: b.cfg.Name,
			Kind:        TriggerConsecutive,
			Observed:    float64(b.consecutiveHits[idx]),
			At:          now,
		})
	}
}

func (b *Breaker) evalRateOverWindow(idx int, t TriggerSpec, hit bool, now time.Time) {
	buf := append(b.windowSamples[idx], sample{at: now, hit: hit})
	cutoff := now.Add(-time.Duration(t.WindowSec * float64(time.Second)))
	start := 0
	for start < len(buf) && buf[start].at.Before(cutoff) {
		start++
	}
	buf = buf[start:]
	b.windowSamples[idx] = buf

	minSamples := t.MinSamples
	if minSamples <= 0 {
		minSamples = 1
	}
	if len(buf) < minSamples {
		return
	}
	hits := 0
	for _, s := range buf {
		if s.hit {
			hits++
		}
	}
	rate := float64(hits) / float64(len(buf))
	if rate >= t.Threshold {
		b.fireLocked(Trigger{
			BreakerName: b.cfg.Name,
			Kind:        TriggerRateOverWindow,
			Observed:    rate,
			At:          now,
		})
	}
}

// EvaluateStreaming checks the streaming-specific triggers against the
// current stream activity snapshot. Intended to be called from the
// orchestrator's 1 Hz poll loop alongside per-record evaluation, since
// these triggers depend on wall-clock elapsed time rather than on any one
// record's content.
func (b *Breaker) EvaluateStreaming(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return
	}
	for _, t := range b.cfg.Triggers {
		switch t.Kind {
		case TriggerStreamStall:
			if b.lastStreamActivity.IsZero() {
				continue
			}
			if now.Sub(b.lastStreamActivity) >= time.Duration(t.StreamStallSeconds)*time.Second {
				b.fireLocked(Trigger{BreakerName: b.cfg.Name, Kind: TriggerStreamStall, At: now})
			}
		case TriggerMinEventsPerSecond:
			if b.streamEventsSince.IsZero() {
				b.streamEventsSince = now
				continue
			}
			elapsed := now.Sub(b.streamEventsSince).Seconds()
			if elapsed < 1 {
				continue
			}
			rate := float64(b.streamEventCount) / elapsed
			if rate < t.MinEventsPerSecond {
				b.fireLocked(Trigger{BreakerName: b.cfg.Name, Kind: TriggerMinEventsPerSecond, Observed: rate, At: now})
			}
		}
	}
}

func (b *Breaker) fireLocked(tr Trigger) {
	b.open = true
	b.trigger = &tr
	if b.onOpen != nil {
		go b.onOpen(tr)
	}
}

// Group evaluates a set of breakers with OR semantics: Open reports true
// as soon as any member breaker is open, matching spec.md §4.7's "multiple
// breakers use OR semantics for the orchestrator's decision".
type Group struct {
	Breakers []*Breaker
}

// Open reports whether any breaker in the group has fired.
func (g Group) Open() (bool, *Trigger) {
	for _, b := range g.Breakers {
		b.mu.Lock()
		if b.open {
			tr := b.trigger
			b.mu.Unlock()
			return true, tr
		}
		b.mu.Unlock()
	}
	return false, nil
}
