package harnessotel

import (
	"context"

	"github.com/bc-dunia/inferharness/internal/types"
)

// RecordSubscriber feeds completed LifecycleRecords into a Metrics
// instance, implementing collector.Subscriber. Registered alongside the
// summarizer's accumulator and the circuit breakers so one request
// fan-out point keeps reporting, breaker evaluation, and metrics
// exposition all observing the same stream.
type RecordSubscriber struct {
	Metrics *Metrics
}

// NewRecordSubscriber builds a RecordSubscriber reporting into m.
func NewRecordSubscriber(m *Metrics) *RecordSubscriber {
	return &RecordSubscriber{Metrics: m}
}

// Observe records latency and, on failure, the error taxonomy kind, plus
// the stream-stall counter when a record's stream stalled.
func (s *RecordSubscriber) Observe(r types.LifecycleRecord) {
	ctx := context.Background()
	if s.Metrics == nil {
		return
	}

	s.Metrics.RecordRequestLatency(ctx, r.EndTs-r.StartTs, "", r.Info.Adapter)

	if r.Error != nil {
		s.Metrics.RecordError(ctx, r.Error.Kind)
	}
	if r.Stream != nil && r.Stream.Stalled {
		s.Metrics.RecordStall(ctx)
	}
}
