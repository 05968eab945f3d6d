package vm

import (
	"context"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// RunAdapter: a logical thread bound to the goroutine that runs it
// ---------------------------------------------------------------------------

// State is the observable state of a RunAdapter.
type State int

const (
	StateReady   State = iota // no goroutine assigned yet
	StateRunning              // goroutine assigned and runnable
	StatePending              // goroutine blocked in SafeWait
	StateDone                 // finished
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StatePending:
		return "pending"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// RunAdapter wraps exactly one LogicalThread for execution on a goroutine and
// captures its outcome. Aborts caused by termination are swallowed: the
// adapter finishes with neither result nor error.
type RunAdapter struct {
	thread  *LogicalThread
	args    []any
	carrier atomic.Pointer[carrier]

	mon      Monitor // guards the outcome; joiners wait on it
	finished bool
	result   any
	err      error
	aborted  bool

	done chan struct{}
}

func newRunAdapter(t *LogicalThread, args []any) *RunAdapter {
	return &RunAdapter{
		thread: t,
		args:   args,
		done:   make(chan struct{}),
	}
}

// Thread returns the adapted thread.
func (a *RunAdapter) Thread() *LogicalThread { return a.thread }

// State derives the adapter's state from its goroutine and completion.
func (a *RunAdapter) State() State {
	select {
	case <-a.done:
		return StateDone
	default:
	}
	c := a.carrier.Load()
	switch {
	case c == nil:
		return StateReady
	case c.blocked.Load():
		return StatePending
	default:
		return StateRunning
	}
}

// Done is closed when the thread has finished.
func (a *RunAdapter) Done() <-chan struct{} { return a.done }

// Result returns the outcome once Done is closed. An aborted thread reports
// neither a result nor an error.
func (a *RunAdapter) Result() (any, error) {
	a.mon.Lock()
	defer a.mon.Unlock()
	return a.result, a.err
}

// Aborted reports whether the thread ended because of termination.
func (a *RunAdapter) Aborted() bool {
	a.mon.Lock()
	defer a.mon.Unlock()
	return a.aborted
}

// Wait blocks the calling goroutine until the thread finishes or ctx is done.
// Script threads should use Join instead.
func (a *RunAdapter) Wait(ctx context.Context) (any, error) {
	select {
	case <-a.done:
		return a.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Join blocks waiter until the thread finishes. The wait is interruptible:
// an interruption of waiter returns ErrInterrupted and clears it, and
// termination of waiter returns ErrThreadAborted.
func (a *RunAdapter) Join(waiter *LogicalThread) (any, error) {
	a.mon.Lock()
	defer a.mon.Unlock()
	for !a.finished {
		if err := waiter.SafeWait(&a.mon, AlwaysInterrupt); err != nil {
			return nil, err
		}
		if !a.finished && waiter.CheckInterruption(true) {
			return nil, ErrInterrupted
		}
	}
	return a.result, a.err
}

// run executes the thread on the calling goroutine.
func (a *RunAdapter) run() (any, error) {
	t := a.thread
	c := newCarrier()
	a.carrier.Store(c)
	t.carrier.Store(c)

	prev := t.sched.bindCurrent(c.gid, t)
	defer t.sched.restoreCurrent(c.gid, prev)

	return t.Run(a.args)
}

// runInline runs a main thread on the caller's goroutine. Errors are returned
// to the caller and never recorded as faults.
func (a *RunAdapter) runInline() (any, error) {
	result, err := a.run()
	a.complete(result, err)
	if IsAborted(err) {
		return nil, nil
	}
	return result, err
}

// runBackground is the task submitted for background threads. Failures are
// reported and recorded before joiners are released, and the thread is
// deregistered last.
func (a *RunAdapter) runBackground() {
	t := a.thread
	s := t.sched
	defer s.finish(a)

	result, err := a.run()
	if err != nil && !IsAborted(err) {
		fatal := IsFatal(err)
		if !fatal {
			s.reportUncaught(t, err)
		}
		s.RegisterError(t.id, fatal, err)
	}
	a.complete(result, err)
}

func (a *RunAdapter) complete(result any, err error) {
	a.mon.Lock()
	if IsAborted(err) {
		a.aborted = true
	} else {
		a.result, a.err = result, err
	}
	a.finished = true
	a.mon.NotifyAll()
	a.mon.Unlock()
	close(a.done)
}
