package vm

import (
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Executable contract
// ---------------------------------------------------------------------------

// EntryPoint names what an Executable should run.
type EntryPoint string

// DefaultEntryPoint is used when a thread is created without one.
const DefaultEntryPoint EntryPoint = "main"

// Executable is the interpreter-side body of a logical thread. It may return
// (or panic with) a *ScriptError for script-level exceptions and an
// *InternalError for engine bugs. Blocking waits must go through
// LogicalThread.SafeWait so that termination can abort them.
type Executable interface {
	Execute(rt *Runtime, entry EntryPoint, args []any) (any, error)
}

// ExecutableFunc adapts a function to Executable, ignoring the entry point.
type ExecutableFunc func(rt *Runtime, args []any) (any, error)

func (f ExecutableFunc) Execute(rt *Runtime, _ EntryPoint, args []any) (any, error) {
	return f(rt, args)
}

// ---------------------------------------------------------------------------
// Interpreter-owned state
// ---------------------------------------------------------------------------

// Heap, TypeTable and ModuleManager belong to the interpreter. The scheduler
// only hands them from one runtime to the next.
type (
	Heap          interface{}
	TypeTable     interface{}
	ModuleManager interface{}
)

// AsyncSocketSessionKey is the thread-local slot holding the async socket
// session of the current thread.
const AsyncSocketSessionKey = "async.socket.session"

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// Globals is a global variable table. It is shared by every runtime derived
// from the same main thread and is safe for concurrent use.
type Globals struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewGlobals creates an empty table.
func NewGlobals() *Globals {
	return &Globals{vars: make(map[string]any)}
}

func (g *Globals) Get(name string) (any, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vars[name]
	return v, ok
}

func (g *Globals) Set(name string, v any) {
	g.mu.Lock()
	g.vars[name] = v
	g.mu.Unlock()
}

func (g *Globals) Delete(name string) {
	g.mu.Lock()
	delete(g.vars, name)
	g.mu.Unlock()
}

func (g *Globals) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vars)
}

// Names returns the defined names in sorted order.
func (g *Globals) Names() []string {
	g.mu.RLock()
	names := make([]string, 0, len(g.vars))
	for name := range g.vars {
		names = append(names, name)
	}
	g.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// CallStack
// ---------------------------------------------------------------------------

// DefaultMaxStackDepth bounds a CallStack created with a non-positive limit.
const DefaultMaxStackDepth = 10000

// CallStack tracks the interpreter's call depth for one thread. Frames belong
// to the interpreter; the core only needs the depth limit.
type CallStack struct {
	depth int
	max   int
}

// NewCallStack creates an empty stack with the given depth limit.
func NewCallStack(max int) *CallStack {
	if max <= 0 {
		max = DefaultMaxStackDepth
	}
	return &CallStack{max: max}
}

// Enter records a call, failing with ErrStackOverflow past the limit.
func (s *CallStack) Enter() error {
	if s.depth >= s.max {
		return ErrStackOverflow
	}
	s.depth++
	return nil
}

// Leave records a return.
func (s *CallStack) Leave() {
	if s.depth > 0 {
		s.depth--
	}
}

func (s *CallStack) Depth() int    { return s.depth }
func (s *CallStack) MaxDepth() int { return s.max }

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// shared is the state every runtime of one engine has in common.
type shared struct {
	heap    Heap
	types   TypeTable
	modules ModuleManager
	sched   *Scheduler
}

// Runtime is what an Executable sees of the engine. A runtime is tied to one
// logical thread and must not be used from any other goroutine; use View to
// cross a goroutine boundary.
type Runtime struct {
	shared  *shared
	globals *Globals
	stack   *CallStack
	locals  map[string]any
	thread  *LogicalThread
}

func newRuntime(sh *shared, globals *Globals, maxDepth int) *Runtime {
	return &Runtime{
		shared:  sh,
		globals: globals,
		stack:   NewCallStack(maxDepth),
		locals:  make(map[string]any),
	}
}

func (r *Runtime) Heap() Heap             { return r.shared.heap }
func (r *Runtime) Types() TypeTable       { return r.shared.types }
func (r *Runtime) Modules() ModuleManager { return r.shared.modules }
func (r *Runtime) Scheduler() *Scheduler  { return r.shared.sched }
func (r *Runtime) Globals() *Globals      { return r.globals }
func (r *Runtime) Stack() *CallStack      { return r.stack }
func (r *Runtime) Thread() *LogicalThread { return r.thread }

// Local returns a thread-local value.
func (r *Runtime) Local(key string) (any, bool) {
	v, ok := r.locals[key]
	return v, ok
}

// SetLocal stores a thread-local value.
func (r *Runtime) SetLocal(key string, v any) { r.locals[key] = v }

// DeleteLocal removes a thread-local value.
func (r *Runtime) DeleteLocal(key string) { delete(r.locals, key) }

// View returns a runtime for another goroutine. It shares heap, type table,
// module manager and globals with r, and owns a fresh call stack and
// thread-local store. It is not bound to a logical thread.
func (r *Runtime) View() *Runtime {
	return newRuntime(r.shared, r.globals, r.stack.max)
}

// withGlobals is View with a different global table.
func (r *Runtime) withGlobals(g *Globals) *Runtime {
	return newRuntime(r.shared, g, r.stack.max)
}
