// Package idalloc issues small, reusable, non-negative integer identities.
//
// Released ids are handed out again smallest-first so that the ids of live
// threads stay dense, which keeps thread names short in dumps and logs.
package idalloc

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// Allocator hands out the smallest id that is not currently in use.
// The zero value is not usable; call New.
type Allocator struct {
	next atomic.Int64 // first never-issued id

	mu       sync.Mutex
	released idHeap
	free     map[int]struct{} // mirrors released, rejects double recycles
}

// New creates an allocator whose first id is 0.
func New() *Allocator {
	return &Allocator{free: make(map[int]struct{})}
}

// Obtain returns the smallest released id, or a fresh one if none has been
// released.
func (a *Allocator) Obtain() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released.Len() > 0 {
		id := heap.Pop(&a.released).(int)
		delete(a.free, id)
		return id
	}
	return int(a.next.Add(1) - 1)
}

// Recycle returns id to the allocator. Ids that were never issued or are
// already released are ignored.
func (a *Allocator) Recycle(id int) {
	if id < 0 || int64(id) >= a.next.Load() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.free[id]; ok {
		return
	}
	a.free[id] = struct{}{}
	heap.Push(&a.released, id)
}

// InUse reports how many ids are currently held.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.next.Load()) - a.released.Len()
}

// idHeap is a min-heap of released ids.
type idHeap []int

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) { *h = append(*h, x.(int)) }

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
