// Package hsched implements the request-time schedulers: pluggable
// strategies that map stage configuration to a lazy sequence of absolute
// monotonic timestamps. A scheduler's next() is pure and depends only on
// its seed and prior state -- it never sleeps; sleeping is the worker's
// job.
package hsched

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// Scheduler emits the absolute timestamp (monotonic seconds) of the next
// request for a stage. Implementations are not threadsafe; each stage
// uses its own instance.
type Scheduler interface {
	Next() float64
}

// Constant emits tᵢ₊₁ = tᵢ + Exp(1/rate): Poisson-like micro-jitter on a
// constant mean rate, which prevents synchronized bursts across workers.
type Constant struct {
	rate float64
	rnd  *rand.Rand
	t    float64
}

// NewConstant creates a Constant scheduler starting at startTs.
func NewConstant(rate float64, seed int64, startTs float64) *Constant {
	return &Constant{rate: rate, rnd: rand.New(rand.NewSource(seed)), t: startTs}
}

func (c *Constant) Next() float64 {
	if c.rate <= 0 {
		c.t += 1.0
		return c.t
	}
	gap := c.rnd.ExpFloat64() / c.rate
	c.t += gap
	return c.t
}

// Poisson draws k ~ Poisson(rate) for each second; if k = 0 it advances by
// one second, else it nests a Constant(k) over that second.
type Poisson struct {
	rate float64
	rnd  *rand.Rand
	t    float64

	nested    *Constant
	remaining int
}

// NewPoisson creates a Poisson scheduler starting at startTs.
func NewPoisson(rate float64, seed int64, startTs float64) *Poisson {
	return &Poisson{rate: rate, rnd: rand.New(rand.NewSource(seed)), t: startTs}
}

func (p *Poisson) Next() float64 {
	for {
		if p.nested != nil && p.remaining > 0 {
			p.remaining--
			return p.nested.Next()
		}
		k := poissonDraw(p.rnd, p.rate)
		if k == 0 {
			p.t += 1.0
			p.nested = nil
			continue
		}
		p.nested = NewConstant(float64(k), p.rnd.Int63(), p.t)
		p.remaining = k
		p.t += 1.0
	}
}

// poissonDraw uses Knuth's algorithm; fine for the small rates a load
// generator deals with per-second.
func poissonDraw(rnd *rand.Rand, lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	l := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		k++
		p *= rnd.Float64()
		if p <= l {
			return k - 1
		}
	}
}

// TraceReplay replays absolute inter-arrival gaps from a trace file: one
// integer or float timestamp per line. Timestamps are computed as
// initial + (trace_ts[i] - trace_ts[0]). The trace's row count is
// authoritative for the stage's request count.
type TraceReplay struct {
	deltas []float64
	idx    int
	start  float64
}

// LoadTraceFile parses a newline-delimited list of timestamps (seconds,
// monotonically non-decreasing) into inter-arrival deltas from the trace's
// own first entry.
func LoadTraceFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	var raw []float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("parse trace entry %q: %w", line, err)
		}
		raw = append(raw, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read trace file: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("trace file %s has no entries", path)
	}

	deltas := make([]float64, len(raw))
	base := raw[0]
	for i, v := range raw {
		deltas[i] = v - base
	}
	return deltas, nil
}

// NewTraceReplay builds a TraceReplay scheduler from pre-computed
// inter-arrival deltas (the first delta is always 0) and a stage start
// timestamp.
func NewTraceReplay(deltas []float64, startTs float64) *TraceReplay {
	return &TraceReplay{deltas: deltas, start: startTs}
}

// Count returns the number of requests the trace is authoritative for.
func (t *TraceReplay) Count() int { return len(t.deltas) }

func (t *TraceReplay) Next() float64 {
	if t.idx >= len(t.deltas) {
		// exhausted: keep emitting the final timestamp so a caller that
		// over-reads (a bug elsewhere) doesn't panic.
		t.idx++
		return t.start + t.deltas[len(t.deltas)-1]
	}
	ts := t.start + t.deltas[t.idx]
	t.idx++
	return ts
}

// ConcurrencyTarget backs the "concurrent" load type: it does not emit a
// schedule at all, since load shaping for that type happens entirely via
// the worker semaphore (see internal/worker). Every call returns the
// current wall-clock-equivalent instant so the concurrency-target stage
// fits the same Scheduler interface as the timestamp-generating variants,
// keeping one dispatch path in the worker pool.
type ConcurrencyTarget struct {
	now func() float64
}

// NewConcurrencyTarget creates a scheduler that always emits "as soon as
// possible", using nowFn to read the current monotonic clock.
func NewConcurrencyTarget(nowFn func() float64) *ConcurrencyTarget {
	return &ConcurrencyTarget{now: nowFn}
}

func (c *ConcurrencyTarget) Next() float64 { return c.now() }
