// Package queue implements C7 (task queue) and C8 (response queue): the
// FIFO handoff between HTTP handlers and the single scheduler goroutine,
// grounded on the mutex-guarded counter/map concurrency shape used
// elsewhere in this codebase for tracking in-flight work, generalized here
// to a FIFO whose consumer is woken through a one-slot notify channel
// (spec §4.5/§4.6).
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TaskKind distinguishes control tasks (handled inline by the scheduler's
// drain step) from generation tasks (handled by assign).
type TaskKind int

const (
	KindGenerate TaskKind = iota
	KindCancel
	KindMetrics
	KindSlotSave
	KindSlotRestore
	KindSlotErase
	KindGetLora
	KindSetLora
)

// Task is one unit of work posted to the scheduler. Payload is left
// opaque (any) so this package has no dependency on the request/response
// types defined higher up the stack (httpapi, facade).
type Task struct {
	ID      int64
	Kind    TaskKind
	IDSlot  int // -1 = unassigned
	IDTarget int64 // for Cancel: the task id to cancel
	Payload any
}

// TaskQueue is the FIFO + deferred deque + monotonic id counter named in
// spec §4.5.
type TaskQueue struct {
	mu       sync.Mutex
	main     []Task
	deferred []Task
	nextID   atomic.Int64
	notify   chan struct{}
}

// New creates an empty queue.
func New() *TaskQueue {
	return &TaskQueue{notify: make(chan struct{}, 1)}
}

// wake signals a blocked WaitForWork call without blocking the caller if
// one isn't currently waiting.
func (q *TaskQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// NextID mints a fresh task id without posting anything, for callers that
// need to hand out ids to a group of tasks before any of them necessarily
// reach the queue (the n_cmpl fan-out's pre-minted child ids).
func (q *TaskQueue) NextID() int64 { return q.nextID.Add(1) }

// Post assigns an id if unset, pushes front or back, and wakes the
// consumer. Returns the assigned id.
func (q *TaskQueue) Post(t Task, front bool) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.ID == 0 {
		t.ID = q.nextID.Add(1)
	}

	if front {
		q.main = append([]Task{t}, q.main...)
	} else {
		q.main = append(q.main, t)
	}

	q.wake()

	return t.ID
}

// Cancel scans both deques and removes any task with id idTarget
// (cancel-before-start, spec §4.5).
func (q *TaskQueue) Cancel(idTarget int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := removeByID(&q.main, idTarget) || removeByID(&q.deferred, idTarget)

	return removed
}

func removeByID(tasks *[]Task, id int64) bool {
	for i, t := range *tasks {
		if t.ID == id {
			*tasks = append((*tasks)[:i], (*tasks)[i+1:]...)
			return true
		}
	}

	return false
}

// Defer pushes task into the deferred deque (spec §4.5 "defer").
func (q *TaskQueue) Defer(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deferred = append(q.deferred, t)
}

// PopDeferred promotes a deferred task to the front of the main queue,
// preferring one whose IDSlot matches idSlot (the slot that just freed
// up), per spec §4.5 "pop_deferred_task".
func (q *TaskQueue) PopDeferred(idSlot int) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.deferred) == 0 {
		return Task{}, false
	}

	idx := -1

	for i, t := range q.deferred {
		if t.IDSlot == idSlot {
			idx = i
			break
		}
	}

	if idx < 0 {
		idx = 0
	}

	t := q.deferred[idx]
	q.deferred = append(q.deferred[:idx], q.deferred[idx+1:]...)
	q.main = append([]Task{t}, q.main...)

	return t, true
}

// DrainAll pops every task currently in the main queue, for the
// scheduler's per-tick drain step (spec §4.4 step 1).
func (q *TaskQueue) DrainAll() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.main
	q.main = nil

	return out
}

// WaitForWork blocks up to one second at a time (so idle-sleep can be
// re-evaluated between waits, spec §4.5) or until ctx is cancelled,
// returning true if the main queue is non-empty on return.
func (q *TaskQueue) WaitForWork(ctx context.Context) bool {
	q.mu.Lock()
	empty := len(q.main) == 0
	q.mu.Unlock()

	if !empty {
		return true
	}

	select {
	case <-q.notify:
	case <-time.After(time.Second):
	case <-ctx.Done():
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.main) != 0
}
