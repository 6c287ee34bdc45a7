package queue

import (
	"context"
	"testing"
	"time"

	"github.com/bc-dunia/inferharness/internal/types"
)

func TestPutGetRoundTrips(t *testing.T) {
	q := New(2)
	defer q.Close()

	q.Put(types.ScheduledRequest{StageID: 1}, 0)

	got, ok := q.Get(context.Background(), 0)
	if !ok {
		t.Fatal("expected ok == true")
	}
	if got.StageID != 1 {
		t.Fatalf("expected StageID 1, got %d", got.StageID)
	}
	q.Done(0)
}

func TestPreferedWorkerIDRoutesToSameShard(t *testing.T) {
	q := New(4)
	defer q.Close()

	id := 2
	q.Put(types.ScheduledRequest{Spec: types.RequestSpec{PreferedWorkerID: &id}}, -1)

	if got := q.Len(); got != 1 {
		t.Fatalf("expected one item total, got %d", got)
	}

	_, ok := q.Get(context.Background(), 2)
	if !ok {
		t.Fatal("expected the affine item to be retrievable from shard 2")
	}
}

func TestGetUnblocksOnContextCancel(t *testing.T) {
	q := New(1)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		_, ok := q.Get(ctx, 0)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Get to return ok == false on cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock on context cancellation")
	}
}

func TestJoinWaitsForDone(t *testing.T) {
	q := New(1)
	defer q.Close()

	q.Put(types.ScheduledRequest{}, 0)
	_, ok := q.Get(context.Background(), 0)
	if !ok {
		t.Fatal("expected Get to succeed")
	}

	joined := make(chan struct{})
	go func() {
		q.Join(0)
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("Join returned before Done was called")
	case <-time.After(20 * time.Millisecond):
	}

	q.Done(0)

	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("Join did not return after Done")
	}
}

func TestDrainDiscardsPendingItems(t *testing.T) {
	q := New(1)
	defer q.Close()

	q.Put(types.ScheduledRequest{}, 0)
	q.Put(types.ScheduledRequest{}, 0)
	q.Drain(-1)

	if got := q.Len(); got != 0 {
		t.Fatalf("expected queue to be empty after Drain, got %d", got)
	}
}
