// Package continuation provides the pool of goroutines that pick up work
// posted from platform I/O callbacks and run it on an engine-managed
// goroutine.
//
// The pool only grows. Once it is full, unrelated callers share workers, so a
// callback that blocks for a long time delays every other callback posted to
// the same worker.
package continuation

import (
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
)

// MinCapacity is the smallest capacity DefaultCapacity returns.
const MinCapacity = 8

// DefaultCapacity returns max(available parallelism, MinCapacity).
func DefaultCapacity() int {
	return max(runtime.GOMAXPROCS(0), MinCapacity)
}

// Pool hands out continuation workers.
type Pool struct {
	capacity int

	mu      sync.Mutex
	workers []*Worker
	size    atomic.Int32 // len(workers), readable without mu
}

// NewPool creates an empty pool. A capacity <= 0 selects DefaultCapacity.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity()
	}
	return &Pool{capacity: capacity}
}

// Capacity returns the maximum number of pooled workers.
func (p *Pool) Capacity() int { return p.capacity }

// Size returns the current number of pooled workers.
func (p *Pool) Size() int { return int(p.size.Load()) }

// Fetch returns a started worker. It never returns nil and never blocks.
//
// With outOfCapacity set, a brand-new worker outside the pool is returned and
// the caller must Complete it. Otherwise the pool grows until it reaches
// capacity, after which a random existing member is returned.
func (p *Pool) Fetch(outOfCapacity bool) *Worker {
	if outOfCapacity {
		return newWorker(-1, false).start()
	}
	if int(p.size.Load()) < p.capacity {
		p.mu.Lock()
		if len(p.workers) < p.capacity {
			w := newWorker(len(p.workers), true).start()
			p.workers = append(p.workers, w)
			n := len(p.workers)
			p.size.Store(int32(n))
			p.mu.Unlock()
			log.Debug("continuation pool grew", "size", n, "capacity", p.capacity)
			return w
		}
		p.mu.Unlock()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers[rand.Intn(len(p.workers))]
}

// CompleteAll asks every pooled worker to finish its queued callbacks and
// exit.
func (p *Pool) CompleteAll() {
	for _, w := range p.snapshot() {
		w.Complete()
	}
}

// Terminate asks every pooled worker to abort. Workers fetched outside pool
// capacity are not affected.
func (p *Pool) Terminate() {
	for _, w := range p.snapshot() {
		w.Abort()
	}
}

func (p *Pool) snapshot() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Worker(nil), p.workers...)
}
