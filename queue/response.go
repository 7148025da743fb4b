package queue

import (
	"context"
	"sync"
	"time"
)

// Result is one scheduler-produced outcome for a task id. Payload is left
// opaque (any), carrying a *chatparser.Diff / final message / error /
// embedding vector / etc. depending on the task kind — defined by the
// caller (reader/facade), not this package.
type Result struct {
	TaskID  int64
	Final   bool
	Err     error
	Payload any
}

// ResponseQueue holds the in-flight waiting-id set and a buffer of arrived
// results (spec §4.6). Producers (the scheduler) call Push; consumers call
// Recv.
type ResponseQueue struct {
	mu      sync.Mutex
	waiting map[int64]struct{}
	buf     []Result
	notify  chan struct{}
}

// NewResponseQueue creates an empty response queue.
func NewResponseQueue() *ResponseQueue {
	return &ResponseQueue{
		waiting: make(map[int64]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

func (q *ResponseQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Watch adds ids to the waiting set, so results the scheduler pushes for
// them are retained rather than silently dropped.
func (q *ResponseQueue) Watch(ids ...int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		q.waiting[id] = struct{}{}
	}
}

// Unwatch removes ids from the waiting set and purges any already-buffered
// results for them (spec §4.6: "when waiting_task_ids has an id removed,
// any already-buffered results for that id are also purged").
func (q *ResponseQueue) Unwatch(ids ...int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idSet := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		delete(q.waiting, id)
		idSet[id] = struct{}{}
	}

	filtered := q.buf[:0]

	for _, r := range q.buf {
		if _, drop := idSet[r.TaskID]; drop {
			continue
		}

		filtered = append(filtered, r)
	}

	q.buf = filtered
}

// Push is called by the scheduler to deliver a result. Results for ids not
// in the waiting set are silently dropped (reader has cancelled).
func (q *ResponseQueue) Push(r Result) {
	q.mu.Lock()

	if _, ok := q.waiting[r.TaskID]; !ok {
		q.mu.Unlock()
		return
	}

	q.buf = append(q.buf, r)
	q.mu.Unlock()

	q.wake()
}

// Recv atomically scans for the first buffered result whose TaskID is in
// ids and pops it. With timeout <= 0 it blocks indefinitely (bounded only
// by ctx); otherwise it returns (Result{}, false) on expiry.
func (q *ResponseQueue) Recv(ctx context.Context, ids []int64, timeout time.Duration) (Result, bool) {
	idSet := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	var deadlineCh <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		deadlineCh = timer.C
	}

	for {
		if r, ok := q.popMatching(idSet); ok {
			return r, true
		}

		select {
		case <-q.notify:
		case <-deadlineCh:
			return Result{}, false
		case <-ctx.Done():
			return Result{}, false
		}
	}
}

func (q *ResponseQueue) popMatching(idSet map[int64]struct{}) (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, r := range q.buf {
		if _, ok := idSet[r.TaskID]; ok {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			return r, true
		}
	}

	return Result{}, false
}
