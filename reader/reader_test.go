package reader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloom/llamaserve/queue"
)

func TestWaitForAllAggregatesInOrder(t *testing.T) {
	tq := queue.New()
	rq := queue.NewResponseQueue()

	r := New(tq, rq, 20*time.Millisecond)

	ids := r.PostTasks([]queue.Task{{Kind: queue.KindGenerate}, {Kind: queue.KindGenerate}}, nil, false)
	require.Len(t, ids, 2)

	go func() {
		time.Sleep(5 * time.Millisecond)
		rq.Push(queue.Result{TaskID: ids[1], Final: true, Payload: "second"})
		rq.Push(queue.Result{TaskID: ids[0], Final: true, Payload: "first"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	items, err, terminated := r.WaitForAll(ctx, nil)
	require.NoError(t, err)
	assert.False(t, terminated)
	require.Len(t, items, 2)
	assert.Equal(t, "first", items[0].Payload)
	assert.Equal(t, "second", items[1].Payload)
}

func TestWaitForAllStopsOnError(t *testing.T) {
	tq := queue.New()
	rq := queue.NewResponseQueue()

	r := New(tq, rq, 20*time.Millisecond)
	ids := r.PostTasks([]queue.Task{{Kind: queue.KindGenerate}}, nil, false)

	wantErr := errors.New("boom")

	go func() {
		time.Sleep(5 * time.Millisecond)
		rq.Push(queue.Result{TaskID: ids[0], Err: wantErr})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err, _ := r.WaitForAll(ctx, nil)
	assert.Equal(t, wantErr, err)
}

func TestNextDetectsClientDisconnect(t *testing.T) {
	tq := queue.New()
	rq := queue.NewResponseQueue()

	r := New(tq, rq, 5*time.Millisecond)
	r.PostTasks([]queue.Task{{Kind: queue.KindGenerate}}, nil, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, ok := r.Next(ctx, func() bool { return true })
	assert.False(t, ok)
	assert.True(t, r.terminated)
}

func TestPostFanOutWatchesChildIDsWithoutPostingThem(t *testing.T) {
	tq := queue.New()
	rq := queue.NewResponseQueue()

	r := New(tq, rq, 20*time.Millisecond)

	ids := r.PostFanOut(queue.Task{Kind: queue.KindGenerate}, []int64{101, 102}, nil)
	require.Len(t, ids, 3)
	assert.Equal(t, []int64{101, 102}, ids[1:])

	tasks := tq.DrainAll()
	require.Len(t, tasks, 1)
	assert.Equal(t, ids[0], tasks[0].ID)

	rq.Push(queue.Result{TaskID: 101, Final: true, Payload: "child"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	item, ok := r.Next(ctx, nil)
	require.True(t, ok)
	assert.Equal(t, 1, item.Index)
	assert.Equal(t, "child", item.Payload)
}

func TestStopCancelsRemainingTasks(t *testing.T) {
	tq := queue.New()
	rq := queue.NewResponseQueue()

	r := New(tq, rq, time.Second)
	r.PostTasks([]queue.Task{{Kind: queue.KindGenerate}}, nil, false)

	r.Stop()

	tasks := tq.DrainAll()
	require.Len(t, tasks, 2) // original generate + cancel

	found := false

	for _, ts := range tasks {
		if ts.Kind == queue.KindCancel {
			found = true
		}
	}

	assert.True(t, found)
}
