package vm

import (
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// threadRegistry: running background threads by id
// ---------------------------------------------------------------------------

type registryEntry struct {
	thread  *LogicalThread
	adapter *RunAdapter
}

// threadRegistry maps thread ids to the thread and adapter dispatched for
// them. Entries are added on dispatch and removed when the adapter finishes.
type threadRegistry struct {
	mu      sync.RWMutex
	entries map[int]registryEntry
}

func newThreadRegistry() *threadRegistry {
	return &threadRegistry{entries: make(map[int]registryEntry)}
}

func (r *threadRegistry) register(t *LogicalThread, a *RunAdapter) {
	r.mu.Lock()
	r.entries[t.id] = registryEntry{thread: t, adapter: a}
	r.mu.Unlock()
}

// unregister removes the entry for a, leaving a newer entry under the same id
// alone.
func (r *threadRegistry) unregister(a *RunAdapter) {
	r.mu.Lock()
	if e, ok := r.entries[a.thread.id]; ok && e.adapter == a {
		delete(r.entries, a.thread.id)
	}
	r.mu.Unlock()
}

func (r *threadRegistry) lookup(id int) (registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// snapshot returns the entries ordered by thread id.
func (r *threadRegistry) snapshot() []registryEntry {
	r.mu.RLock()
	entries := make([]registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].thread.id < entries[j].thread.id })
	return entries
}

func (r *threadRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *threadRegistry) reset() {
	r.mu.Lock()
	r.entries = make(map[int]registryEntry)
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Faults
// ---------------------------------------------------------------------------

// Fault records a thread whose execution ended in an error.
type Fault struct {
	Thread  *LogicalThread
	Adapter *RunAdapter
	Fatal   bool
	Err     error
}

type faultList struct {
	mu     sync.Mutex
	faults []Fault
}

func (l *faultList) add(f Fault) {
	l.mu.Lock()
	l.faults = append(l.faults, f)
	l.mu.Unlock()
}

func (l *faultList) list() []Fault {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Fault(nil), l.faults...)
}

func (l *faultList) clear() {
	l.mu.Lock()
	l.faults = nil
	l.mu.Unlock()
}

// firstFatal returns the first fatal fault of a non-main thread.
func (l *faultList) firstFatal() (Fault, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.faults {
		if f.Fatal && !f.Thread.IsMain() {
			return f, true
		}
	}
	return Fault{}, false
}
