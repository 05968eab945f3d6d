package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Priority
// ---------------------------------------------------------------------------

// Priority is a scheduling hint carried by every logical thread. Goroutines
// have no priorities; the value is recorded for scripts and thread dumps.
type Priority int

const (
	PriorityMin    Priority = 1
	PriorityNormal Priority = 5
	PriorityMax    Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityMin:
		return "min"
	case PriorityNormal:
		return "normal"
	case PriorityMax:
		return "max"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// clamp keeps p within [PriorityMin, PriorityMax]; zero means normal.
func (p Priority) clamp() Priority {
	switch {
	case p == 0:
		return PriorityNormal
	case p < PriorityMin:
		return PriorityMin
	case p > PriorityMax:
		return PriorityMax
	}
	return p
}

// Properties are fixed when a thread is created.
type Properties struct {
	Daemon   bool // not the engine's foreground thread
	Priority Priority
	RunEpoch uint64 // scheduler epoch the thread belongs to
	IO       bool   // bypasses the worker pool
}

// ---------------------------------------------------------------------------
// ThreadHandle
// ---------------------------------------------------------------------------

// ThreadHandle is the script-facing object that represents a thread.
type ThreadHandle struct {
	thread *LogicalThread
	Value  any // interpreter object bound to the handle, if any
}

// Thread returns the logical thread behind the handle.
func (h *ThreadHandle) Thread() *LogicalThread { return h.thread }

// ---------------------------------------------------------------------------
// LogicalThread
// ---------------------------------------------------------------------------

// LogicalThread is one unit of schedulable script work. It runs at most once,
// through its RunAdapter.
//
// Two independent signals reach a running thread. Interruption is a
// resettable request that blocking waits may honor. Termination is a one-way
// latch set during teardown; once set, every SafeWait aborts.
type LogicalThread struct {
	id    int
	name  string
	props Properties
	exec  Executable
	entry EntryPoint
	rt    *Runtime
	sched *Scheduler

	adapterMu sync.Mutex
	adapter   *RunAdapter

	runMu   sync.Mutex
	started bool

	carrier     atomic.Pointer[carrier]
	interrupted atomic.Bool
	terminating atomic.Bool
	faulted     atomic.Bool
	idReleased  atomic.Bool

	handleMu sync.Mutex
	handle   *ThreadHandle
}

func (t *LogicalThread) ID() int                { return t.id }
func (t *LogicalThread) Name() string           { return t.name }
func (t *LogicalThread) Properties() Properties { return t.props }
func (t *LogicalThread) Priority() Priority     { return t.props.Priority }
func (t *LogicalThread) IsDaemon() bool         { return t.props.Daemon }
func (t *LogicalThread) IsMain() bool           { return !t.props.Daemon }
func (t *LogicalThread) IsIOThread() bool       { return t.props.IO }
func (t *LogicalThread) RunEpoch() uint64       { return t.props.RunEpoch }
func (t *LogicalThread) Runtime() *Runtime      { return t.rt }
func (t *LogicalThread) Entry() EntryPoint      { return t.entry }
func (t *LogicalThread) Faulted() bool          { return t.faulted.Load() }

func (t *LogicalThread) String() string {
	return fmt.Sprintf("%s#%d", t.name, t.id)
}

// Started reports whether Run has been called.
func (t *LogicalThread) Started() bool {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.started
}

// Adapter returns the thread's RunAdapter, or nil before dispatch.
func (t *LogicalThread) Adapter() *RunAdapter {
	t.adapterMu.Lock()
	defer t.adapterMu.Unlock()
	return t.adapter
}

// attach creates the thread's RunAdapter. It reports false if one already
// existed, in which case the existing adapter is returned.
func (t *LogicalThread) attach(args []any) (*RunAdapter, bool) {
	t.adapterMu.Lock()
	defer t.adapterMu.Unlock()
	if t.adapter != nil {
		return t.adapter, false
	}
	t.adapter = newRunAdapter(t, args)
	return t.adapter, true
}

// Run executes the thread's body. It may be called once; a second call, or a
// call before a RunAdapter is attached, fails with an *InternalError without
// running anything.
func (t *LogicalThread) Run(args []any) (any, error) {
	t.runMu.Lock()
	if t.started {
		t.runMu.Unlock()
		return nil, internalError(ErrAlreadyStarted, "run %s", t)
	}
	if t.Adapter() == nil {
		t.runMu.Unlock()
		return nil, internalError(ErrNoAdapter, "run %s", t)
	}
	t.started = true
	t.runMu.Unlock()

	result, err := t.execute(args)
	if err != nil && !IsAborted(err) {
		t.faulted.Store(true)
	}
	return result, err
}

func (t *LogicalThread) execute(args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, errorFromPanic(r)
		}
	}()
	result, err = t.exec.Execute(t.rt, t.entry, args)
	return result, classify(err)
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// CheckInterruption reports whether the thread has been interrupted. With
// reset set, it clears both the thread's flag and its goroutine's interrupt
// status, reporting true if either was set.
func (t *LogicalThread) CheckInterruption(reset bool) bool {
	if !reset {
		return t.interrupted.Load()
	}
	flagged := t.interrupted.Swap(false)
	if c := t.carrier.Load(); c != nil {
		flagged = c.clearInterrupt() || flagged
	}
	return flagged
}

// SignalInterruption sets the interruption flag and wakes the thread if it is
// blocked in SafeWait.
func (t *LogicalThread) SignalInterruption() {
	t.interrupted.Store(true)
	if c := t.carrier.Load(); c != nil {
		c.interrupt()
	}
}

// CheckTermination reports whether termination has been signaled.
func (t *LogicalThread) CheckTermination() bool {
	return t.terminating.Load()
}

// SignalTermination sets the termination latch. It cannot be undone.
// Callers wanting to unblock the thread follow it with SignalInterruption.
func (t *LogicalThread) SignalTermination() {
	t.terminating.Store(true)
}

// SafeWait waits on m, which the caller must hold. It returns nil when
// notified, or when interrupted and cond allows the interruption to end the
// wait. Once termination is signaled it returns ErrThreadAborted.
// Interruptions that cond rejects do not end the wait; the interruption flag
// is left set for whoever is interested in it.
func (t *LogicalThread) SafeWait(m *Monitor, cond InterruptCondition) error {
	c := t.carrier.Load()
	if c == nil {
		return internalError(ErrNoCarrier, "wait on %s", t)
	}
	if cond == nil {
		cond = NeverInterrupt
	}
	if t.interrupted.Load() && cond.ShouldInterrupt() {
		return nil
	}
	for {
		if t.CheckTermination() {
			return ErrThreadAborted
		}
		ch := m.enqueue()
		c.blocked.Store(true)
		m.Unlock()

		select {
		case <-ch:
			c.blocked.Store(false)
			m.Lock()
			return nil
		case <-c.wake:
		}

		c.blocked.Store(false)
		m.Lock()
		if !m.dequeue(ch) {
			// notified while being interrupted
			return nil
		}
		c.interrupted.Store(false)
		if t.CheckTermination() {
			return ErrThreadAborted
		}
		if t.interrupted.Load() && cond.ShouldInterrupt() {
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

// Handle returns the thread's script-facing handle. Main threads create it on
// first use; any other thread must have one bound with BindHandle first.
func (t *LogicalThread) Handle() (*ThreadHandle, error) {
	t.handleMu.Lock()
	defer t.handleMu.Unlock()
	if t.handle == nil {
		if !t.IsMain() {
			return nil, internalError(ErrUnboundHandle, "handle of %s", t)
		}
		t.handle = &ThreadHandle{thread: t}
	}
	return t.handle, nil
}

// BindHandle attaches value as the thread's script-facing handle.
func (t *LogicalThread) BindHandle(value any) *ThreadHandle {
	t.handleMu.Lock()
	defer t.handleMu.Unlock()
	t.handle = &ThreadHandle{thread: t, Value: value}
	return t.handle
}
