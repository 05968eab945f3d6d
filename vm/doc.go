// Package vm is the concurrency core of the loom script engine.
//
// A Scheduler owns every logical thread of one engine:
//   - one main thread per run, executed inline by RunMain, which may be
//     replaced for nested evaluation and later resumed
//   - background threads dispatched through a bounded worker pool, or on a
//     goroutine of their own when they perform blocking I/O
//   - continuation workers that run posted callbacks in order
//
// When the main thread finishes, the scheduler tears the run down: it
// signals termination to every background thread, waits briefly for them to
// drain, resets itself and advances its run epoch. Background threads
// submitted after that point belong to a stale epoch and are refused.
//
// Script code runs behind the Executable interface and sees the engine
// through a Runtime. Blocking waits inside the engine go through
// LogicalThread.SafeWait, which only an interruption accepted by its
// InterruptCondition, or termination, can break.
package vm
