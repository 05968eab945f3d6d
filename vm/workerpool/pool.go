// Package workerpool is the bounded executor that runs background script
// threads.
//
// A submission starts a new worker goroutine immediately while the pool is
// under its limit and only queues once the limit is reached. The queue is
// deliberately shallow: once it is full the submission is rejected rather
// than left waiting behind long-running threads.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrSaturated is returned when every worker is busy and the queue is
	// full.
	ErrSaturated = errors.New("workerpool: saturated")

	// ErrShutdown is returned by Submit after Shutdown.
	ErrShutdown = errors.New("workerpool: shut down")
)

// DefaultKeepAlive is how long a worker above the core size idles before it
// exits.
const DefaultKeepAlive = 60 * time.Second

var log = commonlog.GetLogger("loom.workerpool")

// Options configures a Pool.
type Options struct {
	// Limit bounds the number of live workers. Zero or less means unbounded.
	Limit int
	// Core is the number of idle workers kept alive indefinitely. Zero selects
	// the available parallelism, capped at Limit.
	Core int
	// QueueDepth is the number of tasks held while all workers are busy.
	// Zero selects 1.
	QueueDepth int
	// KeepAlive is the idle time after which a worker above Core exits. Zero
	// selects DefaultKeepAlive.
	KeepAlive time.Duration
}

// Pool runs submitted tasks on a bounded set of worker goroutines.
type Pool struct {
	limit     int64
	core      int32
	keepAlive time.Duration

	sem   *semaphore.Weighted
	queue chan func()

	workers atomic.Int32
	pending atomic.Int64 // submitted but not yet finished
	idle    chan struct{}

	shutdown  atomic.Bool
	quit      chan struct{}
	closeOnce sync.Once
}

// New creates a pool. No goroutines are started until the first Submit.
func New(opts Options) *Pool {
	limit := int64(opts.Limit)
	if limit <= 0 {
		limit = math.MaxInt32
	}
	core := opts.Core
	if core <= 0 {
		core = runtime.GOMAXPROCS(0)
	}
	if int64(core) > limit {
		core = int(limit)
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 1
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Pool{
		limit:     limit,
		core:      int32(core),
		keepAlive: keepAlive,
		sem:       semaphore.NewWeighted(limit),
		queue:     make(chan func(), depth),
		idle:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

// Limit returns the maximum number of live workers.
func (p *Pool) Limit() int { return int(p.limit) }

// Workers returns the number of live worker goroutines.
func (p *Pool) Workers() int { return int(p.workers.Load()) }

// Pending returns the number of tasks submitted and not yet finished.
func (p *Pool) Pending() int { return int(p.pending.Load()) }

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int { return len(p.queue) }

// Submit schedules task. It never blocks: it starts a worker if the pool is
// under its limit, queues the task if the limit is reached, and fails with
// ErrSaturated if the queue is full too.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return fmt.Errorf("workerpool: nil task")
	}
	if p.shutdown.Load() {
		return ErrShutdown
	}
	p.pending.Add(1)
	if p.spawn(task) {
		return nil
	}
	select {
	case p.queue <- task:
		if p.shutdown.Load() {
			// the workers may already have drained the queue and exited
			p.rescue()
		}
		return nil
	default:
	}
	// a worker may have retired between the two attempts
	if p.spawn(task) {
		return nil
	}
	p.done()
	return ErrSaturated
}

func (p *Pool) spawn(task func()) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	n := p.workers.Add(1)
	log.Debug("worker started", "workers", n, "limit", p.limit)
	go p.worker(task)
	return true
}

// worker runs first, then keeps taking queued tasks until it retires.
func (p *Pool) worker(first func()) {
	if first != nil {
		p.run(first)
	}
	timer := time.NewTimer(p.keepAlive)
	defer timer.Stop()
	for {
		select {
		case task := <-p.queue:
			p.run(task)
			resetTimer(timer, p.keepAlive)
		case <-timer.C:
			if p.retire() {
				p.rescue()
				return
			}
			timer.Reset(p.keepAlive)
		case <-p.quit:
			for {
				select {
				case task := <-p.queue:
					p.run(task)
				default:
					p.workers.Add(-1)
					p.sem.Release(1)
					return
				}
			}
		}
	}
}

// retire releases this worker's slot if the pool is above its core size.
func (p *Pool) retire() bool {
	for {
		n := p.workers.Load()
		if n <= p.core {
			return false
		}
		if p.workers.CompareAndSwap(n, n-1) {
			p.sem.Release(1)
			log.Debug("worker retired", "workers", n-1)
			return true
		}
	}
}

// rescue starts a replacement worker when a task was queued while the
// retiring worker was giving up its slot.
func (p *Pool) rescue() {
	if len(p.queue) == 0 || !p.sem.TryAcquire(1) {
		return
	}
	p.workers.Add(1)
	go p.worker(nil)
}

func (p *Pool) run(task func()) {
	defer p.done()
	task()
}

func (p *Pool) done() {
	if p.pending.Add(-1) == 0 {
		select {
		case p.idle <- struct{}{}:
		default:
		}
	}
}

// AwaitIdle waits until no task is pending or ctx is done, and reports
// whether the pool went idle.
func (p *Pool) AwaitIdle(ctx context.Context) bool {
	for {
		if p.pending.Load() == 0 {
			return true
		}
		select {
		case <-p.idle:
		case <-ctx.Done():
			return p.pending.Load() == 0
		}
	}
}

// Shutdown stops accepting tasks. Queued tasks still run; workers exit once
// the queue is empty.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		p.shutdown.Store(true)
		close(p.quit)
	})
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
