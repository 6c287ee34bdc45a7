package collector

import (
	"sync"
	"sync/atomic"
)

// Tier ranks a telemetry record's importance when the verbose queue is
// under backpressure. Unlike LifecycleRecords, which never use this
// queue, nothing here is load-bearing for the summarizer -- it exists
// purely so worker-health/debug signals are visible without risking the
// collector's own memory growth on a long soak.
type Tier int

const (
	// TierHealth is periodic worker health snapshots (active count,
	// semaphore occupancy, queue depth): shed last.
	TierHealth Tier = iota
	// TierDebug is per-event debug traces (parse anomalies, reconnects):
	// shed first.
	TierDebug
)

// VerboseRecord is one entry on the sheddable telemetry queue.
type VerboseRecord struct {
	Tier    Tier
	Source  string
	Message string
	Fields  map[string]any
}

// VerboseQueue is a bounded, tier-aware queue adapted directly from the
// teacher's BoundedQueue: full queue sheds TierDebug first, then
// TierHealth, so a debug-log burst can never starve worker-health
// visibility, and worker-health snapshots can never starve the queue's
// own drain workers.
type VerboseQueue struct {
	capacity int
	records  []VerboseRecord
	mu       sync.Mutex
	notEmpty *sync.Cond

	totalEnqueued atomic.Int64
	totalDequeued atomic.Int64
	droppedDebug  atomic.Int64
	droppedHealth atomic.Int64

	closed atomic.Bool
}

// NewVerboseQueue creates a VerboseQueue with the given capacity (0 uses a
// default of 10000).
func NewVerboseQueue(capacity int) *VerboseQueue {
	if capacity <= 0 {
		capacity = 10000
	}
	q := &VerboseQueue{capacity: capacity, records: make([]VerboseRecord, 0, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds r, shedding a lower-priority record if the queue is full.
// ok is false if r itself was the one shed.
func (q *VerboseQueue) Enqueue(r VerboseRecord) bool {
	if q.closed.Load() {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed.Load() {
		return false
	}

	if len(q.records) < q.capacity {
		q.records = append(q.records, r)
		q.totalEnqueued.Add(1)
		q.notEmpty.Signal()
		return true
	}

	if q.shedDebugLocked() {
		q.records = append(q.records, r)
		q.totalEnqueued.Add(1)
		q.notEmpty.Signal()
		return true
	}

	if r.Tier == TierDebug {
		q.droppedDebug.Add(1)
		return false
	}

	if q.shedHealthLocked() {
		q.records = append(q.records, r)
		q.totalEnqueued.Add(1)
		q.notEmpty.Signal()
		return true
	}

	q.droppedHealth.Add(1)
	return false
}

func (q *VerboseQueue) shedDebugLocked() bool {
	for i, r := range q.records {
		if r.Tier == TierDebug {
			q.records = append(q.records[:i], q.records[i+1:]...)
			q.droppedDebug.Add(1)
			return true
		}
	}
	return false
}

func (q *VerboseQueue) shedHealthLocked() bool {
	for i, r := range q.records {
		if r.Tier == TierHealth {
			q.records = append(q.records[:i], q.records[i+1:]...)
			q.droppedHealth.Add(1)
			return true
		}
	}
	return false
}

// TryDequeue returns and removes the oldest record without blocking.
func (q *VerboseQueue) TryDequeue() (VerboseRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return VerboseRecord{}, false
	}
	r := q.records[0]
	q.records = q.records[1:]
	q.totalDequeued.Add(1)
	return r, true
}

// VerboseQueueStats reports drop and throughput counters for diagnostics.
type VerboseQueueStats struct {
	Enqueued      int64
	Dequeued      int64
	DroppedDebug  int64
	DroppedHealth int64
	Len           int
}

// Stats returns a snapshot of the queue's counters.
func (q *VerboseQueue) Stats() VerboseQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return VerboseQueueStats{
		Enqueued:      q.totalEnqueued.Load(),
		Dequeued:      q.totalDequeued.Load(),
		DroppedDebug:  q.droppedDebug.Load(),
		DroppedHealth: q.droppedHealth.Load(),
		Len:           len(q.records),
	}
}

// Close marks the queue closed; further Enqueue calls fail.
func (q *VerboseQueue) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}
