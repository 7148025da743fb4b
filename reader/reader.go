// Package reader implements C9: the response reader binding one HTTP
// request to a set of task ids and pulling their results off the shared
// response queue as a Stream[T] (spec §4.7), built on the same pull-based
// iterator abstraction used for SSE chunk delivery.
package reader

import (
	"context"
	"time"

	"github.com/wireloom/llamaserve/chatparser"
	"github.com/wireloom/llamaserve/queue"
)

// Item is one polled outcome: either a partial result (advancing a parser
// state) or a terminal one (final message, error, or client-disconnect
// termination).
type Item struct {
	Index   int // position 0..N-1 across parent+children
	TaskID  int64
	Final   bool
	Payload any
	Err     error
}

// Reader binds a set of task ids (indices 0..N-1 across parent+children)
// to the shared task/response queues, and polls for results at
// PollingInterval so client disconnects can be detected between arrivals
// (spec §4.7).
type Reader struct {
	tq *queue.TaskQueue
	rq *queue.ResponseQueue

	idTasks []int64
	states  []*chatparser.State // nil entries for non-chat task kinds

	pollingInterval time.Duration
	receivedCount   int
	terminated      bool
}

// New creates a reader bound to tq/rq with the given polling interval
// (config slots.polling_interval).
func New(tq *queue.TaskQueue, rq *queue.ResponseQueue, pollingInterval time.Duration) *Reader {
	return &Reader{tq: tq, rq: rq, pollingInterval: pollingInterval}
}

// PostTasks assigns indices across tasks (parent at 0, children after),
// registers them on the response queue's waiting set, and posts each to
// the task queue — front-priority when front is true, for high-priority
// control endpoints like metrics (spec §4.7 "post_tasks").
func (r *Reader) PostTasks(tasks []queue.Task, states []*chatparser.State, front bool) []int64 {
	r.idTasks = make([]int64, len(tasks))
	r.states = states

	for i, t := range tasks {
		id := r.tq.Post(t, front)
		r.idTasks[i] = id
	}

	r.rq.Watch(r.idTasks...)

	return r.idTasks
}

// PostFanOut posts a single parent task (spec's n_cmpl fan-out) and
// registers the caller's pre-minted child ids on the response queue's
// waiting set alongside it, without posting separate tasks for them — the
// scheduler creates their bookkeeping itself once it reserves their slots
// (scheduler.assignFanOut). Index 0 is the parent; children follow in
// childIDs order, matching scheduler.GenerateRequest.ChildIDs.
func (r *Reader) PostFanOut(parent queue.Task, childIDs []int64, states []*chatparser.State) []int64 {
	r.idTasks = make([]int64, 0, 1+len(childIDs))
	r.states = states

	parentID := r.tq.Post(parent, false)
	r.idTasks = append(r.idTasks, parentID)
	r.idTasks = append(r.idTasks, childIDs...)

	r.rq.Watch(r.idTasks...)

	return r.idTasks
}

// ShouldStopFunc detects client disconnect between polling timeouts.
type ShouldStopFunc func() bool

// Next polls for the next result with a PollingInterval timeout, re-
// checking shouldStop() on each timeout. On an error result it calls Stop
// (cancelling remaining in-flight ids) and returns the error. On a partial
// result it advances the indexed parser state via Feed. On a final result
// it also increments the received count (spec §4.7 "next").
func (r *Reader) Next(ctx context.Context, shouldStop ShouldStopFunc) (Item, bool) {
	for {
		res, ok := r.rq.Recv(ctx, r.idTasks, r.pollingInterval)
		if !ok {
			if ctx.Err() != nil {
				r.Stop()
				return Item{}, false
			}

			if shouldStop != nil && shouldStop() {
				r.Stop()
				return Item{Err: ErrClientDisconnected}, false
			}

			continue
		}

		idx := r.indexOf(res.TaskID)

		if res.Err != nil {
			r.Stop()
			return Item{Index: idx, TaskID: res.TaskID, Err: res.Err}, true
		}

		if idx >= 0 && idx < len(r.states) && r.states[idx] != nil {
			if delta, isString := res.Payload.(string); isString {
				diff := r.states[idx].Feed(ctx, delta)
				res.Payload = diff
			}
		}

		if res.Final {
			r.receivedCount++
		}

		return Item{Index: idx, TaskID: res.TaskID, Final: res.Final, Payload: res.Payload}, true
	}
}

// WaitForAll aggregates an ordered slice of len(idTasks) final results,
// polling with Next until every index has arrived (spec §4.7
// "wait_for_all"). On error it stops and returns the error; on disconnect
// it returns Terminated=true.
func (r *Reader) WaitForAll(ctx context.Context, shouldStop ShouldStopFunc) ([]Item, error, bool) {
	out := make([]Item, len(r.idTasks))

	got := make([]bool, len(r.idTasks))

	remaining := len(r.idTasks)

	for remaining > 0 {
		item, ok := r.Next(ctx, shouldStop)
		if !ok {
			if item.Err == ErrClientDisconnected {
				return out, nil, true
			}

			return out, item.Err, false
		}

		if item.Err != nil {
			return out, item.Err, false
		}

		if item.Final && item.Index >= 0 && !got[item.Index] {
			out[item.Index] = item
			got[item.Index] = true
			remaining--
		}
	}

	return out, nil, false
}

// Stop enqueues front-priority Cancel tasks for every still in-flight id
// and removes them from the response queue's waiting set.
func (r *Reader) Stop() {
	if r.terminated {
		return
	}

	r.terminated = true

	for _, id := range r.idTasks {
		r.tq.Post(queue.Task{Kind: queue.KindCancel, IDTarget: id}, true)
	}

	r.rq.Unwatch(r.idTasks...)
}

func (r *Reader) indexOf(taskID int64) int {
	for i, id := range r.idTasks {
		if id == taskID {
			return i
		}
	}

	return -1
}

// ErrClientDisconnected is returned by Next/WaitForAll when shouldStop()
// reported the client connection is gone.
var ErrClientDisconnected = errClientDisconnected{}

type errClientDisconnected struct{}

func (errClientDisconnected) Error() string { return "reader: client disconnected" }
