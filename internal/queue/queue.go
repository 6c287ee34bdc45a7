// Package queue implements the multi-channel request queue (C2): a
// sharded set of FIFOs that hand scheduled requests from the stage
// orchestrator to the worker pool. The queue itself is unbounded;
// backpressure lives entirely in the per-worker semaphore (internal/worker),
// because a bounded queue here would stall the orchestrator's wall-clock
// progress tracking.
package queue

import (
	"context"
	"sync"

	"github.com/bc-dunia/inferharness/internal/types"
)

// item wraps a ScheduledRequest with the bookkeeping needed for Join.
type item struct {
	req types.ScheduledRequest
}

// shard is one of the n underlying FIFOs.
type shard struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []item
	inFlight int // items delivered via Get but not yet marked done via Done
}

// Queue is the multi-channel queue described in spec.md §4.2. Requests
// that carry a PreferedWorkerID are routed to shard id % n; all others go
// to a shared channel (shard 0 doubles as the shared channel when the
// caller passes channelID = -1 to Put).
type Queue struct {
	shards []*shard
	closed bool
	mu     sync.Mutex
}

// New creates a Queue with n shards.
func New(n int) *Queue {
	if n < 1 {
		n = 1
	}
	q := &Queue{shards: make([]*shard, n)}
	for i := range q.shards {
		s := &shard{}
		s.notEmpty = sync.NewCond(&s.mu)
		q.shards[i] = s
	}
	return q
}

// Shards returns the number of underlying FIFOs.
func (q *Queue) Shards() int { return len(q.shards) }

// Put enqueues req. If channelID is -1 and req has a PreferedWorkerID, the
// request is routed to shard (id % n); otherwise channelID selects the
// shard directly, and -1 with no affinity broadcasts to shard 0 (the
// shared channel).
func (q *Queue) Put(req types.ScheduledRequest, channelID int) {
	idx := q.resolveShard(req, channelID)
	s := q.shards[idx]
	s.mu.Lock()
	s.items = append(s.items, item{req: req})
	s.notEmpty.Signal()
	s.mu.Unlock()
}

func (q *Queue) resolveShard(req types.ScheduledRequest, channelID int) int {
	n := len(q.shards)
	if channelID >= 0 {
		return channelID % n
	}
	if req.Spec.PreferedWorkerID != nil {
		id := *req.Spec.PreferedWorkerID
		if id < 0 {
			id = -id
		}
		return id % n
	}
	return 0
}

// Get blocks until an item is available on channelID, the context is
// cancelled, or the queue is closed and drained. ok is false on
// cancellation/closure with nothing pending.
func (q *Queue) Get(ctx context.Context, channelID int) (req types.ScheduledRequest, ok bool) {
	n := len(q.shards)
	s := q.shards[channelID%n]

	done := make(chan struct{})
	defer close(done)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.notEmpty.Broadcast()
				s.mu.Unlock()
			case <-done:
			}
		}()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.items) == 0 {
		if ctx != nil && ctx.Err() != nil {
			return types.ScheduledRequest{}, false
		}
		if q.isClosed() {
			return types.ScheduledRequest{}, false
		}
		s.notEmpty.Wait()
	}

	it := s.items[0]
	s.items = s.items[1:]
	s.inFlight++
	return it.req, true
}

// Done marks one previously-Get item on channelID as acknowledged,
// unblocking a pending Join.
func (q *Queue) Done(channelID int) {
	n := len(q.shards)
	s := q.shards[channelID%n]
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.notEmpty.Signal()
	s.mu.Unlock()
}

// Drain discards all pending (not yet delivered) items on channelID, or on
// every shard when channelID is -1. Used after stage cancellation.
func (q *Queue) Drain(channelID int) {
	if channelID < 0 {
		for _, s := range q.shards {
			s.mu.Lock()
			s.items = nil
			s.mu.Unlock()
		}
		return
	}
	s := q.shards[channelID%len(q.shards)]
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
}

// Join blocks until every delivered-but-unacknowledged item on channelID
// (or all shards, when channelID is -1) has been marked Done and no items
// remain pending.
func (q *Queue) Join(channelID int) {
	if channelID < 0 {
		for i := range q.shards {
			q.joinShard(q.shards[i])
		}
		return
	}
	q.joinShard(q.shards[channelID%len(q.shards)])
}

func (q *Queue) joinShard(s *shard) {
	s.mu.Lock()
	for len(s.items) > 0 || s.inFlight > 0 {
		s.notEmpty.Wait()
	}
	s.mu.Unlock()
}

// Close wakes every blocked Get so the queue can be torn down.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	for _, s := range q.shards {
		s.mu.Lock()
		s.notEmpty.Broadcast()
		s.mu.Unlock()
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the total number of pending items across all shards.
func (q *Queue) Len() int {
	total := 0
	for _, s := range q.shards {
		s.mu.Lock()
		total += len(s.items)
		s.mu.Unlock()
	}
	return total
}
