package httpclient

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bc-dunia/inferharness/internal/types"
)

// ssePayload is the decoded "choices[0].delta.content"-shaped body of one
// SSE data frame for a chat completion stream, or "choices[0].text" for a
// plain completion stream. Only the fields needed to count tokens and
// detect the terminal frame are decoded.
type ssePayload struct {
	Choices []struct {
		Delta        struct{ Content string `json:"content"` } `json:"delta"`
		Text         string  `json:"text"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// gapTracker buckets inter-frame gaps and produces linear-interpolation
// percentiles, matching the teacher's own sse_decoder.go gap tracker --
// reused here because the summarizer and sweep planner depend on exact
// reproducibility of this interpolation.
type gapTracker struct {
	gaps []float64
	sum  float64
	min  float64
	max  float64
}

func newGapTracker() *gapTracker {
	return &gapTracker{min: -1}
}

func (g *gapTracker) record(gapMs float64) {
	g.gaps = append(g.gaps, gapMs)
	g.sum += gapMs
	if g.min < 0 || gapMs < g.min {
		g.min = gapMs
	}
	if gapMs > g.max {
		g.max = gapMs
	}
}

func (g *gapTracker) histogram() *types.StreamGapHistogram {
	if len(g.gaps) == 0 {
		return nil
	}
	h := &types.StreamGapHistogram{
		MinGapMs: g.min,
		MaxGapMs: g.max,
		AvgGapMs: g.sum / float64(len(g.gaps)),
	}
	for _, gap := range g.gaps {
		switch {
		case gap < 10:
			h.Under10ms++
		case gap < 50:
			h.From10to50++
		case gap < 100:
			h.From50to100++
		case gap < 500:
			h.From100to500++
		case gap < 1000:
			h.From500to1000++
		default:
			h.Over1000ms++
		}
	}
	sorted := append([]float64(nil), g.gaps...)
	sort.Float64s(sorted)
	h.P50GapMs = Percentile(sorted, 50)
	h.P95GapMs = Percentile(sorted, 95)
	h.P99GapMs = Percentile(sorted, 99)
	return h
}

// Percentile computes the p-th percentile of a pre-sorted slice by linear
// interpolation between the two nearest ranks. Shared by the summarizer
// and sweep planner so every percentile reported anywhere in the harness
// uses this exact formula.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100.0 * float64(n-1)
	lower := int(rank)
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}

// streamResult is what consuming an SSE body yields.
type streamResult struct {
	responseText string
	tokenTs      []float64
	signals      types.StreamSignals
	err          error
}

// stallTimeout is the gap between two SSE frames above which the stream
// is flagged as stalled; the decoder keeps reading after such a gap and
// does not stop waiting at this bound. Grounded on the teacher's
// stream-stall detection in stopconditions/evaluator.go.
const stallTimeout = 30 * time.Second

// consumeSSE reads an SSE body frame by frame, counting one output token
// tick per frame (a documented approximation -- a single frame's delta may
// decode to more than one model token) and building the gap histogram. now
// reports elapsed seconds since the caller's own reference instant, used
// only to timestamp token ticks relative to StartTs.
func consumeSSE(body io.Reader, now func() float64) streamResult {
	res := streamResult{signals: types.StreamSignals{IsStreaming: true}}
	gt := newGapTracker()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var sb strings.Builder
	var lastFrame time.Time
	stalled := false

	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			res.signals.EndedNormally = true
			break
		}
		if data == "" {
			continue
		}

		frameTime := time.Now()
		if !lastFrame.IsZero() {
			gapMs := float64(frameTime.Sub(lastFrame).Microseconds()) / 1000.0
			gt.record(gapMs)
			if frameTime.Sub(lastFrame) > stallTimeout {
				stalled = true
			}
		}
		lastFrame = frameTime

		var payload ssePayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			continue
		}
		res.signals.EventsCount++
		res.tokenTs = append(res.tokenTs, now())

		for _, c := range payload.Choices {
			if c.Delta.Content != "" {
				sb.WriteString(c.Delta.Content)
			} else if c.Text != "" {
				sb.WriteString(c.Text)
			}
		}
	}
	if err := sc.Err(); err != nil {
		res.err = err
	}

	res.signals.Stalled = stalled
	if stalled {
		res.signals.StallDurationMs = int64(stallTimeout / time.Millisecond)
	}
	res.signals.GapHistogram = gt.histogram()
	res.responseText = sb.String()
	return res
}
