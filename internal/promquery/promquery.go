// Package promquery defines the out-of-scope Prometheus-scrape
// collaborator spec.md §1 names ("An external Prometheus scrape client
// ... produces ServerMetricsSnapshot") and provides one concrete
// implementation: a plain-text exposition scraper built on
// prometheus/common's expfmt decoder, the same parser
// github.com/prometheus/client_golang uses internally to round-trip its
// own /metrics output. promquery.Client is a convenience producer for
// local development and testing; production deployments are expected to
// supply their own Producer backed by a real PromQL endpoint.
package promquery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/common/expfmt"

	"github.com/bc-dunia/inferharness/internal/types"
)

// Producer yields a point-in-time snapshot of server-side metrics,
// filtered to the metric names configured under metrics.prometheus.filters.
// The summarizer's optional Prometheus report block (C8) consumes this.
type Producer interface {
	Snapshot(ctx context.Context) (*types.ServerMetricsSnapshot, error)
}

// Client scrapes a Prometheus text-exposition endpoint (e.g. the
// inference server's own /metrics) and maps the requested metric
// families into a ServerMetricsSnapshot.
type Client struct {
	URL     string
	Filters []string
	HTTP    *http.Client
	Now     func() time.Time
}

// NewClient builds a Client with a default 10s HTTP timeout.
func NewClient(url string, filters []string) *Client {
	return &Client{
		URL:     url,
		Filters: filters,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Now:     time.Now,
	}
}

// Snapshot fetches c.URL and decodes it via expfmt's text parser,
// keeping only metric families named in c.Filters (all families if
// c.Filters is empty).
func (c *Client) Snapshot(ctx context.Context) (*types.ServerMetricsSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("promquery: build request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("promquery: scrape %s: %w", c.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("promquery: scrape %s: status %d", c.URL, resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("promquery: parse exposition: %w", err)
	}

	keep := make(map[string]bool, len(c.Filters))
	for _, f := range c.Filters {
		keep[f] = true
	}

	snap := &types.ServerMetricsSnapshot{
		CapturedAtMs: c.now().UnixMilli(),
		Counters:     make(map[string]float64),
		Histograms:   make(map[string]types.HistogramSnapshot),
	}

	for name, mf := range families {
		if len(keep) > 0 && !keep[name] {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				snap.Counters[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				snap.Counters[name] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				buckets := make(map[string]float64, len(h.GetBucket()))
				for _, b := range h.GetBucket() {
					buckets[fmt.Sprintf("%g", b.GetUpperBound())] = float64(b.GetCumulativeCount())
				}
				snap.Histograms[name] = types.HistogramSnapshot{
					Buckets: buckets,
					Sum:     h.GetSampleSum(),
					Count:   h.GetSampleCount(),
				}
			}
		}
	}

	return snap, nil
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
