package vm

import "sync"

// ---------------------------------------------------------------------------
// Monitor: a lock with wait/notify
// ---------------------------------------------------------------------------

// Monitor is a mutex with an attached wait set. Threads wait on it with
// LogicalThread.SafeWait and are woken with Notify or NotifyAll. Waiting,
// notifying and the state they guard all require holding the monitor.
type Monitor struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Lock acquires the monitor.
func (m *Monitor) Lock() { m.mu.Lock() }

// Unlock releases the monitor.
func (m *Monitor) Unlock() { m.mu.Unlock() }

// Notify wakes the longest-waiting waiter, if any. The caller must hold the
// monitor.
func (m *Monitor) Notify() {
	if len(m.waiters) == 0 {
		return
	}
	ch := m.waiters[0]
	m.waiters[0] = nil
	m.waiters = m.waiters[1:]
	close(ch)
}

// NotifyAll wakes every waiter. The caller must hold the monitor.
func (m *Monitor) NotifyAll() {
	for _, ch := range m.waiters {
		close(ch)
	}
	m.waiters = nil
}

// Waiting returns the number of waiters. The caller must hold the monitor.
func (m *Monitor) Waiting() int { return len(m.waiters) }

// enqueue adds a waiter. The caller must hold the monitor.
func (m *Monitor) enqueue() chan struct{} {
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	return ch
}

// dequeue removes ch if it has not been notified yet, and reports whether it
// was still waiting. The caller must hold the monitor.
func (m *Monitor) dequeue(ch chan struct{}) bool {
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// InterruptCondition
// ---------------------------------------------------------------------------

// InterruptCondition decides whether a pending interruption may end a
// SafeWait.
type InterruptCondition interface {
	ShouldInterrupt() bool
}

// InterruptConditionFunc adapts a function to InterruptCondition.
type InterruptConditionFunc func() bool

func (f InterruptConditionFunc) ShouldInterrupt() bool { return f() }

var (
	// AlwaysInterrupt lets any interruption end the wait.
	AlwaysInterrupt InterruptCondition = InterruptConditionFunc(func() bool { return true })
	// NeverInterrupt only lets notification or termination end the wait.
	NeverInterrupt InterruptCondition = InterruptConditionFunc(func() bool { return false })
)
