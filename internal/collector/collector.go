// Package collector implements the lifecycle collector (C5): the single
// point every worker's LifecycleRecord passes through on its way to the
// summarizer's accumulator and every registered circuit breaker.
//
// Every record is either delivered or the run aborts (spec.md §4.5) --
// unlike the teacher's telemetry queue, which sheds lower-tier records
// under backpressure, the record path here is a genuinely unbounded
// channel. Tiered shedding survives only for the separate, lower-priority
// worker-health telemetry stream (see telemetry.go), which is an
// [EXPANSION] the spec does not require to be lossless.
package collector

import (
	"sync"

	"github.com/bc-dunia/inferharness/internal/types"
)

// Subscriber receives every LifecycleRecord the collector drains, in
// delivery order. Implemented by the summarizer's accumulator and by each
// circuit breaker evaluator.
type Subscriber interface {
	Observe(types.LifecycleRecord)
}

// Collector fans out LifecycleRecords from however many workers are
// emitting concurrently to however many subscribers are registered. The
// queue backing Emit is unbounded: Emit always succeeds unless the
// collector has been closed, which is the "run aborts" condition spec.md
// §4.5 calls for instead of ever dropping a record.
type Collector struct {
	mu     sync.Mutex
	queue  []types.LifecycleRecord
	notify *sync.Cond
	closed bool

	subscribers []Subscriber

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates a Collector and starts its drain loop.
func New() *Collector {
	c := &Collector{done: make(chan struct{})}
	c.notify = sync.NewCond(&c.mu)
	c.wg.Add(1)
	go c.drainLoop()
	return c
}

// Register adds a subscriber. Must be called before the run starts
// producing records -- subscribers added after Emit begins will simply
// miss earlier records, since the drain loop does not replay history.
func (c *Collector) Register(s Subscriber) {
	c.mu.Lock()
	c.subscribers = append(c.subscribers, s)
	c.mu.Unlock()
}

// Emit enqueues a record for delivery. It returns an error only once the
// collector has been closed -- per spec.md §7, a worker that cannot
// deliver a record (because the collector already aborted) is itself a
// fatal condition for the orchestrator to notice and stop the run over.
func (c *Collector) Emit(r types.LifecycleRecord) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	c.queue = append(c.queue, r)
	c.notify.Signal()
	c.mu.Unlock()
	return nil
}

func (c *Collector) drainLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.notify.Wait()
		}
		if len(c.queue) == 0 && c.closed {
			c.mu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		subs := c.subscribers
		c.mu.Unlock()

		for _, r := range batch {
			for _, s := range subs {
				s.Observe(r)
			}
		}
	}
}

// Close stops accepting new records, drains whatever remains, and waits
// for the drain loop to finish delivering it to subscribers.
func (c *Collector) Close() {
	c.mu.Lock()
	c.closed = true
	c.notify.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()
}

// Pending returns the number of records not yet delivered to subscribers.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

type collectorError string

func (e collectorError) Error() string { return string(e) }

const errClosed collectorError = "collector: closed, record not accepted"
