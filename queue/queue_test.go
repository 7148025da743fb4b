package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostAssignsIDAndFIFOOrder(t *testing.T) {
	q := New()

	id1 := q.Post(Task{Kind: KindGenerate}, false)
	id2 := q.Post(Task{Kind: KindGenerate}, false)

	tasks := q.DrainAll()
	require.Len(t, tasks, 2)
	assert.Equal(t, id1, tasks[0].ID)
	assert.Equal(t, id2, tasks[1].ID)
}

func TestPostFrontPrioritizes(t *testing.T) {
	q := New()

	q.Post(Task{Kind: KindGenerate}, false)
	front := q.Post(Task{Kind: KindMetrics}, true)

	tasks := q.DrainAll()
	require.Len(t, tasks, 2)
	assert.Equal(t, front, tasks[0].ID)
}

func TestCancelRemovesFromQueue(t *testing.T) {
	q := New()
	id := q.Post(Task{Kind: KindGenerate}, false)

	assert.True(t, q.Cancel(id))
	assert.Empty(t, q.DrainAll())
}

func TestPopDeferredPrefersMatchingSlot(t *testing.T) {
	q := New()
	q.Defer(Task{ID: 1, IDSlot: 2})
	q.Defer(Task{ID: 2, IDSlot: 5})

	t2, ok := q.PopDeferred(5)
	require.True(t, ok)
	assert.Equal(t, int64(2), t2.ID)
}

func TestWaitForWorkReturnsImmediatelyWhenNonEmpty(t *testing.T) {
	q := New()
	q.Post(Task{Kind: KindGenerate}, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.True(t, q.WaitForWork(ctx))
}

func TestWaitForWorkWakesOnPost(t *testing.T) {
	q := New()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan bool, 1)

	go func() {
		done <- q.WaitForWork(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Post(Task{Kind: KindGenerate}, false)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitForWork did not return after Post")
	}
}

func TestResponseQueueDropsUnwatchedResults(t *testing.T) {
	rq := NewResponseQueue()
	rq.Push(Result{TaskID: 1, Final: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, ok := rq.Recv(ctx, []int64{1}, 0)
	assert.False(t, ok)
}

func TestResponseQueueDeliversWatchedResult(t *testing.T) {
	rq := NewResponseQueue()
	rq.Watch(1)
	rq.Push(Result{TaskID: 1, Final: true})

	ctx := context.Background()

	r, ok := rq.Recv(ctx, []int64{1}, time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(1), r.TaskID)
}

func TestResponseQueueUnwatchPurgesBuffered(t *testing.T) {
	rq := NewResponseQueue()
	rq.Watch(1)
	rq.Push(Result{TaskID: 1, Final: true})

	rq.Unwatch(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, ok := rq.Recv(ctx, []int64{1}, 0)
	assert.False(t, ok)
}

func TestResponseQueueRecvTimesOut(t *testing.T) {
	rq := NewResponseQueue()
	rq.Watch(1)

	ctx := context.Background()

	_, ok := rq.Recv(ctx, []int64{1}, 20*time.Millisecond)
	assert.False(t, ok)
}
