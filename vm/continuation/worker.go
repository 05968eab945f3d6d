package continuation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

// ErrWorkerStopped is returned by Post once a worker has been completed or
// aborted.
var ErrWorkerStopped = errors.New("continuation: worker stopped")

var log = commonlog.GetLogger("loom.continuation")

// Worker runs posted callbacks one at a time on a dedicated goroutine.
// Callbacks posted from any goroutine run in posting order.
type Worker struct {
	id     int
	pooled bool

	mu       sync.Mutex
	mailbox  []func()
	stopping bool // no further posts accepted
	aborted  bool // drop the mailbox instead of draining it

	wake chan struct{}
	done chan struct{}
}

func newWorker(id int, pooled bool) *Worker {
	return &Worker{
		id:     id,
		pooled: pooled,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// start launches the polling goroutine.
func (w *Worker) start() *Worker {
	go w.loop()
	return w
}

// ID returns the worker's index within its pool, or -1 for a worker created
// outside pool capacity.
func (w *Worker) ID() int { return w.id }

// Pooled reports whether the worker belongs to a pool. Workers created outside
// pool capacity must be completed by whoever fetched them.
func (w *Worker) Pooled() bool { return w.pooled }

// Post queues fn to run on the worker. It never blocks.
func (w *Worker) Post(fn func()) error {
	if fn == nil {
		return errors.New("continuation: nil callback")
	}
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return ErrWorkerStopped
	}
	w.mailbox = append(w.mailbox, fn)
	w.mu.Unlock()
	w.signal()
	return nil
}

// Complete asks the worker to finish: callbacks already posted still run,
// new posts are rejected.
func (w *Worker) Complete() {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()
	w.signal()
}

// Abort asks the worker to stop after the callback it is running, dropping
// anything still queued.
func (w *Worker) Abort() {
	w.mu.Lock()
	w.stopping = true
	w.aborted = true
	dropped := len(w.mailbox)
	w.mailbox = nil
	w.mu.Unlock()
	if dropped > 0 {
		log.Debug("continuation worker aborted", "worker", w.id, "dropped", dropped)
	}
	w.signal()
}

// Done is closed once the polling goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Pending returns the number of callbacks waiting to run.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.mailbox)
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// loop processes posted callbacks sequentially until completed or aborted.
func (w *Worker) loop() {
	defer close(w.done)
	for {
		fn, ok := w.next()
		if !ok {
			return
		}
		if fn == nil {
			<-w.wake
			continue
		}
		w.execute(fn)
	}
}

// next pops the head of the mailbox. A nil callback with ok set means the
// mailbox is empty and the worker should wait.
func (w *Worker) next() (func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted {
		return nil, false
	}
	if len(w.mailbox) == 0 {
		return nil, !w.stopping
	}
	fn := w.mailbox[0]
	w.mailbox[0] = nil
	w.mailbox = w.mailbox[1:]
	return fn, true
}

// execute runs fn, recovering from panics so one callback cannot take the
// worker down.
func (w *Worker) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("continuation callback panicked", "worker", w.id, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
