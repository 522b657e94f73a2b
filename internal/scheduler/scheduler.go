package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DelayQueue runs tasks at or after their due time.
//
// Usage:
//
//	q := New()
//	q.Start(ctx)
//	defer q.Stop()
//
//	q.Schedule("session-expiry", time.Now().Add(5*time.Minute), func() { ... })
//
// Tasks are invoked from the delivery goroutine and must not block for long;
// callers typically hand the work to another executor.
// All methods are safe for concurrent use.
type DelayQueue struct {
	mu   sync.Mutex
	h    minHeap
	byID map[string]*item
	seq  uint64

	// notify is a buffered channel of capacity 1. Schedule sends a signal
	// whenever a new item is added that might be earlier than the current
	// timer deadline, prompting the goroutine to re-evaluate its sleep.
	notify chan struct{}

	done    chan struct{}
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// New creates a new DelayQueue. Call Start to begin running tasks.
func New() *DelayQueue {
	h := make(minHeap, 0, 16)
	heap.Init(&h)
	return &DelayQueue{
		h:      h,
		byID:   make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule adds a task. If dueAt is in the past the task runs promptly on the
// next tick of the delivery goroutine.
//
// Scheduling an id that is already pending replaces the old entry.
func (q *DelayQueue) Schedule(id string, dueAt time.Time, fn func()) {
	q.mu.Lock()

	if prev, ok := q.byID[id]; ok {
		prev.cancelled = true
		q.h.remove(prev.heapIdx)
		delete(q.byID, id)
	}

	q.seq++
	it := &item{
		id:    id,
		fn:    fn,
		dueAt: dueAt.UnixMilli(),
		seq:   q.seq,
	}
	heap.Push(&q.h, it)
	q.byID[id] = it

	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Cancel removes a pending task. It is a no-op if the task is not pending.
// It reports whether a pending task was removed.
func (q *DelayQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return false
	}
	it.cancelled = true
	q.h.remove(it.heapIdx)
	delete(q.byID, id)
	return true
}

// Len returns the number of pending tasks.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Start launches the delivery goroutine. Calls after the first are no-ops.
func (q *DelayQueue) Start(ctx context.Context) {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop shuts down the delivery goroutine and waits for it to exit.
// Pending tasks are abandoned.
func (q *DelayQueue) Stop() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	q.wg.Wait()
}

// ─── delivery goroutine ───────────────────────────────────────────────────────

func (q *DelayQueue) run(ctx context.Context) {
	defer q.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		q.mu.Lock()
		next := q.peek()
		q.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case <-q.notify:
			}
			continue
		}

		delay := time.Until(time.UnixMilli(next.dueAt))
		if delay <= 0 {
			q.fire()
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-q.notify:
			// A new item may be due sooner; re-evaluate from the top.
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			q.fire()
		}
	}
}

// fire pops the root if it is due and runs it outside the lock.
func (q *DelayQueue) fire() {
	q.mu.Lock()
	var it *item
	if root := q.peek(); root != nil && root.dueAt <= time.Now().UnixMilli() {
		it = heap.Pop(&q.h).(*item)
		delete(q.byID, it.id)
	}
	q.mu.Unlock()
	if it != nil && !it.cancelled {
		it.fn()
	}
}

// peek returns the root item without removing it, or nil if the heap is empty.
// MUST be called with q.mu held.
func (q *DelayQueue) peek() *item {
	for q.h.Len() > 0 {
		root := q.h[0]
		if root.cancelled {
			heap.Pop(&q.h)
			continue
		}
		return root
	}
	return nil
}
