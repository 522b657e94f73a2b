// Package scheduler implements a min-heap based delay queue for tasks that
// must run at or after a given time.
//
// Core design:
//   - Min-heap peek   → O(1); the soonest-due task is always at the root.
//   - Min-heap insert → O(log N).
//
// A single goroutine peeks at the heap root, sleeps until that point, then
// pops and fires the task's callback. A buffered notify channel lets Schedule
// interrupt the sleep early whenever a newly added task is due sooner than the
// current root.
package scheduler

import "container/heap"

// item is one entry in the delay queue min-heap.
type item struct {
	id    string // uniquely identifies the task for Cancel
	fn    func() // invoked from the delivery goroutine
	dueAt int64  // UTC milliseconds, sort key
	seq   uint64 // insertion order; equal dueAt fire FIFO

	// heapIdx is the item's current position in the heap slice.
	heapIdx int

	// cancelled marks an item for lazy deletion.
	cancelled bool
}

// minHeap is a slice of *item that satisfies heap.Interface.
// The smallest dueAt sits at index 0.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].dueAt == h[j].dueAt {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt < h[j].dueAt
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.heapIdx = n
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.heapIdx = -1
	*h = old[:n-1]
	return it
}

// remove removes the item at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
