package vm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/loom/idalloc"
	"github.com/chazu/loom/vm/continuation"
	"github.com/chazu/loom/vm/workerpool"
)

// DefaultDrainTimeout bounds how long teardown waits for background threads.
const DefaultDrainTimeout = 250 * time.Millisecond

var log = commonlog.GetLogger("loom.vm")

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// UncaughtHandler is told about script-level errors that end a background
// thread.
type UncaughtHandler func(t *LogicalThread, err error)

// Options configures a Scheduler. The zero value is usable.
type Options struct {
	// Interpreter state shared by every runtime of the engine.
	Heap    Heap
	Types   TypeTable
	Modules ModuleManager

	// Policy limits background threads; nil means unlimited.
	Policy Policy

	// Worker pool tuning, see workerpool.Options.
	QueueDepth int
	KeepAlive  time.Duration

	// DrainTimeout bounds the wait for background threads during teardown.
	DrainTimeout time.Duration

	// ContinuationCapacity caps the continuation pool; zero selects
	// continuation.DefaultCapacity.
	ContinuationCapacity int

	// MaxStackDepth bounds each thread's CallStack.
	MaxStackDepth int

	// Uncaught reports background script errors; nil logs them.
	Uncaught UncaughtHandler
}

// BackgroundOptions describes a background thread.
type BackgroundOptions struct {
	Name     string // defaults to "Thread-<id>"
	Entry    EntryPoint
	Priority Priority
	// IO threads skip the worker pool and start on their own goroutine.
	IO bool
	// Parent is the runtime the thread's runtime is derived from; defaults to
	// the current main's.
	Parent *Runtime
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Scheduler owns every logical thread of one engine. It runs a single main
// thread to completion per run, dispatches background threads while the run
// lasts, and tears everything down when the main thread finishes.
type Scheduler struct {
	opts   Options
	shared *shared
	ids    *idalloc.Allocator

	registry *threadRegistry
	faults   faultList
	current  sync.Map // goroutine id -> *LogicalThread

	mu          sync.Mutex
	main        *LogicalThread
	displaced   []*LogicalThread
	running     bool
	terminating bool
	epoch       uint64
	runID       uuid.UUID
	pool        *workerpool.Pool
	conts       *continuation.Pool
}

// NewScheduler creates an idle scheduler.
func NewScheduler(opts Options) *Scheduler {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	s := &Scheduler{
		opts:     opts,
		ids:      idalloc.New(),
		registry: newThreadRegistry(),
	}
	s.shared = &shared{
		heap:    opts.Heap,
		types:   opts.Types,
		modules: opts.Modules,
		sched:   s,
	}
	return s
}

// IsRunning reports whether a run is in progress.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsTerminating reports whether teardown has started.
func (s *Scheduler) IsTerminating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminating
}

// RunEpoch returns the epoch of the current (or next) run.
func (s *Scheduler) RunEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// RunID identifies the current or most recent run.
func (s *Scheduler) RunID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// ActiveCount returns the number of registered background threads.
func (s *Scheduler) ActiveCount() int { return s.registry.count() }

// Faults returns the faults recorded by the current or most recent run.
func (s *Scheduler) Faults() []Fault { return s.faults.list() }

// newThread allocates an id and builds a thread. An empty name becomes
// "Thread-<id>".
func (s *Scheduler) newThread(exec Executable, entry EntryPoint, name string, props Properties, rt *Runtime) *LogicalThread {
	if entry == "" {
		entry = DefaultEntryPoint
	}
	id := s.ids.Obtain()
	if name == "" {
		name = fmt.Sprintf("Thread-%d", id)
	}
	t := &LogicalThread{
		id:    id,
		name:  name,
		props: props,
		exec:  exec,
		entry: entry,
		rt:    rt,
		sched: s,
	}
	rt.thread = t
	return t
}

// ---------------------------------------------------------------------------
// Main threads
// ---------------------------------------------------------------------------

// CreateMain installs the main thread for the next run. It fails while a run
// is in progress.
func (s *Scheduler) CreateMain(exec Executable) (*LogicalThread, error) {
	if exec == nil {
		return nil, internalError(nil, "create main: nil executable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, internalError(ErrAlreadyRunning, "create main")
	}
	if s.main != nil {
		s.releaseID(s.main)
	}
	rt := newRuntime(s.shared, NewGlobals(), s.opts.MaxStackDepth)
	s.main = s.newThread(exec, DefaultEntryPoint, "main", Properties{
		Priority: PriorityNormal,
		RunEpoch: s.epoch,
	}, rt)
	return s.main, nil
}

// Main returns the current main thread, or nil.
func (s *Scheduler) Main() *LogicalThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.main
}

// RunMain runs the main thread on the calling goroutine and tears the run
// down afterwards, whatever the outcome. The main thread's own error is
// returned as is; otherwise the first fatal background fault is returned as
// an *InvocationError.
func (s *Scheduler) RunMain(args ...any) (result any, err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, internalError(ErrAlreadyRunning, "run main")
	}
	main := s.main
	if main == nil {
		s.mu.Unlock()
		return nil, internalError(ErrNoMain, "run main")
	}
	s.registry.reset()
	s.faults.clear()
	s.running = true
	s.terminating = false
	s.runID = uuid.New()
	runID, epoch := s.runID, s.epoch
	s.mu.Unlock()

	log.Info("run started", "run", runID, "epoch", epoch, "main", main.String())
	defer func() {
		if fatal := s.teardown(); fatal != nil {
			if err != nil {
				log.Warning("main thread error superseded by fatal fault", "run", runID, "error", err)
			}
			result, err = nil, fatal
		}
		log.Info("run finished", "run", runID, "epoch", epoch, "failed", err != nil)
	}()

	a, created := main.attach(args)
	if !created {
		return nil, internalError(ErrAlreadyStarted, "run main %s", main)
	}
	return a.runInline()
}

// ReplaceMain installs a new main thread for nested evaluation. The new
// thread shares heap, type table, module manager and scheduler with the
// current main but starts with empty globals. The current main is pushed and
// can be restored with ResumePreviousMain.
func (s *Scheduler) ReplaceMain(exec Executable) (*LogicalThread, error) {
	if exec == nil {
		return nil, internalError(nil, "replace main: nil executable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, internalError(ErrNotRunning, "replace main")
	}
	cur := s.main
	rt := cur.rt.withGlobals(NewGlobals())
	next := s.newThread(exec, DefaultEntryPoint, "main", Properties{
		Priority: cur.props.Priority,
		RunEpoch: s.epoch,
	}, rt)
	next.name = fmt.Sprintf("main-%d", len(s.displaced)+1)
	s.displaced = append(s.displaced, cur)
	s.main = next
	log.Debug("main replaced", "previous", cur.String(), "main", next.String(), "depth", len(s.displaced))
	return next, nil
}

// ResumePreviousMain discards the current main and restores the one it
// displaced.
func (s *Scheduler) ResumePreviousMain() (*LogicalThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.displaced)
	if n == 0 {
		return nil, internalError(ErrNoPreviousMain, "resume previous main")
	}
	prev := s.displaced[n-1]
	s.displaced[n-1] = nil
	s.displaced = s.displaced[:n-1]
	if s.main != nil {
		s.releaseID(s.main)
	}
	s.main = prev
	return prev, nil
}

// PreviousMain returns the most recently displaced main without restoring it.
func (s *Scheduler) PreviousMain() (*LogicalThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.displaced) == 0 {
		return nil, internalError(ErrNoPreviousMain, "previous main")
	}
	return s.displaced[len(s.displaced)-1], nil
}

// AllMains returns every main thread, first created first, current last.
func (s *Scheduler) AllMains() []*LogicalThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	mains := make([]*LogicalThread, 0, len(s.displaced)+1)
	mains = append(mains, s.displaced...)
	if s.main != nil {
		mains = append(mains, s.main)
	}
	return mains
}

// EvalNested runs exec as a nested main on the calling goroutine and restores
// the previous main afterwards.
func (s *Scheduler) EvalNested(exec Executable, args ...any) (any, error) {
	t, err := s.ReplaceMain(exec)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _, err := s.ResumePreviousMain(); err != nil {
			log.Error("resume after nested evaluation failed", "error", err)
		}
	}()
	a, _ := t.attach(args)
	return a.runInline()
}

// ---------------------------------------------------------------------------
// Background threads
// ---------------------------------------------------------------------------

// CreateBackground builds a background thread bound to the current run. It
// is not started until passed to RunBackground.
func (s *Scheduler) CreateBackground(exec Executable, opts BackgroundOptions) (*LogicalThread, error) {
	if exec == nil {
		return nil, internalError(nil, "create background: nil executable")
	}
	s.mu.Lock()
	epoch := s.epoch
	parent := opts.Parent
	if parent == nil && s.main != nil {
		parent = s.main.rt
	}
	s.mu.Unlock()

	var rt *Runtime
	if parent != nil {
		rt = parent.View()
	} else {
		rt = newRuntime(s.shared, NewGlobals(), s.opts.MaxStackDepth)
	}
	return s.newThread(exec, opts.Entry, opts.Name, Properties{
		Daemon:   true,
		Priority: opts.Priority.clamp(),
		RunEpoch: epoch,
		IO:       opts.IO,
	}, rt), nil
}

// RunBackground dispatches t. Threads that belong to a finished run, or that
// arrive while the run is tearing down, are refused with ErrThreadAborted.
// IO threads start on their own goroutine immediately; others go through the
// worker pool. A refused thread gives its id back and cannot be resubmitted.
func (s *Scheduler) RunBackground(t *LogicalThread, args ...any) (*RunAdapter, error) {
	if t == nil {
		return nil, internalError(nil, "run background: nil thread")
	}
	if t.IsMain() {
		return nil, internalError(ErrMainThread, "run background %s", t)
	}
	s.mu.Lock()
	if t.Adapter() == nil && t.idReleased.Load() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s was refused earlier", ErrThreadAborted, t)
	}
	if !s.running || s.terminating || t.props.RunEpoch != s.epoch {
		epoch := s.epoch
		s.refuse(t)
		s.mu.Unlock()
		log.Debug("stale background submission refused", "thread", t.String(), "epoch", t.props.RunEpoch, "current", epoch)
		return nil, fmt.Errorf("%w: %s submitted outside its run", ErrThreadAborted, t)
	}
	if s.opts.Policy != nil {
		if err := s.opts.Policy.CheckThreadLimit(s.registry.count()); err != nil {
			s.refuse(t)
			s.mu.Unlock()
			return nil, err
		}
	}
	pool := s.workerPool()
	a, created := t.attach(args)
	if !created {
		s.mu.Unlock()
		return nil, internalError(ErrAlreadyStarted, "run background %s", t)
	}
	s.registry.register(t, a)
	s.mu.Unlock()

	if t.IsIOThread() {
		go a.runBackground()
		return a, nil
	}
	if err := pool.Submit(a.runBackground); err != nil {
		err = dispatchError(t, err)
		s.finish(a)
		a.complete(nil, err)
		return nil, err
	}
	return a, nil
}

func dispatchError(t *LogicalThread, err error) error {
	switch {
	case errors.Is(err, workerpool.ErrSaturated):
		return &ScriptError{Message: "cannot start thread: all workers busy", Err: ErrThreadLimit}
	case errors.Is(err, workerpool.ErrShutdown):
		return fmt.Errorf("%w: %s submitted during shutdown", ErrThreadAborted, t)
	}
	return internalError(err, "dispatch %s", t)
}

// workerPool creates the pool on first use, sized from the policy. The caller
// must hold s.mu.
func (s *Scheduler) workerPool() *workerpool.Pool {
	if s.pool == nil {
		limit := 0
		if s.opts.Policy != nil {
			limit = s.opts.Policy.ThreadLimit()
		}
		s.pool = workerpool.New(workerpool.Options{
			Limit:      limit,
			QueueDepth: s.opts.QueueDepth,
			KeepAlive:  s.opts.KeepAlive,
		})
		log.Debug("worker pool created", "limit", s.pool.Limit())
	}
	return s.pool
}

// finish releases a background thread's id and deregisters it. The id may be
// reissued before the old entry is gone; unregister leaves the new one alone.
func (s *Scheduler) finish(a *RunAdapter) {
	s.releaseID(a.thread)
	s.registry.unregister(a)
}

// refuse releases the id of a thread that was turned away before it was
// attached. The thread is spent and cannot be submitted again. The caller
// must hold s.mu.
func (s *Scheduler) refuse(t *LogicalThread) {
	if t.Adapter() == nil {
		s.releaseID(t)
	}
}

// releaseID returns t's id to the allocator at most once, so a later holder
// of the same id is never freed by mistake.
func (s *Scheduler) releaseID(t *LogicalThread) {
	if t.idReleased.CompareAndSwap(false, true) {
		s.ids.Recycle(t.id)
	}
}

// FetchContinuationThread returns a continuation worker. Unpooled workers
// must be completed by the caller.
func (s *Scheduler) FetchContinuationThread(pooled bool) *continuation.Worker {
	s.mu.Lock()
	if s.conts == nil {
		s.conts = continuation.NewPool(s.opts.ContinuationCapacity)
	}
	conts := s.conts
	s.mu.Unlock()
	return conts.Fetch(!pooled)
}

// ---------------------------------------------------------------------------
// Faults and the current thread
// ---------------------------------------------------------------------------

// RegisterError records a fault for a registered background thread.
func (s *Scheduler) RegisterError(threadID int, fatal bool, err error) {
	e, ok := s.registry.lookup(threadID)
	if !ok {
		log.Warning("fault for unregistered thread dropped", "thread", threadID, "fatal", fatal, "error", err)
		return
	}
	s.faults.add(Fault{Thread: e.thread, Adapter: e.adapter, Fatal: fatal, Err: err})
	log.Debug("fault recorded", "thread", e.thread.String(), "fatal", fatal)
}

func (s *Scheduler) reportUncaught(t *LogicalThread, err error) {
	if s.opts.Uncaught != nil {
		s.opts.Uncaught(t, err)
		return
	}
	log.Error("uncaught exception in thread", "thread", t.String(), "error", err)
}

// Current returns the logical thread running on the calling goroutine, or the
// current main thread if the goroutine is not one of the scheduler's.
func (s *Scheduler) Current() *LogicalThread {
	if t, ok := s.current.Load(goroutineID()); ok {
		return t.(*LogicalThread)
	}
	return s.Main()
}

func (s *Scheduler) bindCurrent(gid int64, t *LogicalThread) *LogicalThread {
	prev, _ := s.current.Swap(gid, t)
	if prev == nil {
		return nil
	}
	return prev.(*LogicalThread)
}

func (s *Scheduler) restoreCurrent(gid int64, prev *LogicalThread) {
	if prev == nil {
		s.current.Delete(gid)
		return
	}
	s.current.Store(gid, prev)
}
