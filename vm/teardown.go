package vm

import (
	"context"
)

// teardown ends the current run. Background threads are told to terminate
// and given DrainTimeout to finish; threads still running after that are
// left to observe termination on their own. The scheduler is reset and its
// epoch advanced before teardown returns, so the first fatal background
// fault, if any, is returned for the caller to raise.
func (s *Scheduler) teardown() error {
	s.mu.Lock()
	s.terminating = true
	pool, conts := s.pool, s.conts
	runID := s.runID
	s.mu.Unlock()

	if conts != nil {
		conts.CompleteAll()
	}

	entries := s.registry.snapshot()
	for _, e := range entries {
		// termination first, so a woken wait aborts instead of retrying
		e.thread.SignalTermination()
		e.thread.SignalInterruption()
	}
	if len(entries) > 0 {
		log.Debug("termination signaled", "run", runID, "threads", len(entries))
	}

	if pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.DrainTimeout)
		if !pool.AwaitIdle(ctx) {
			log.Warning("background threads still running after drain timeout",
				"run", runID, "timeout", s.opts.DrainTimeout, "pending", pool.Pending())
		}
		cancel()
		pool.Shutdown()
	}

	fault, fatal := s.faults.firstFatal()

	s.mu.Lock()
	for _, m := range s.displaced {
		s.releaseID(m)
	}
	if s.main != nil {
		s.releaseID(s.main)
	}
	s.main = nil
	s.displaced = nil
	s.registry.reset()
	s.pool = nil
	s.conts = nil
	s.running = false
	s.terminating = false
	s.epoch++
	s.mu.Unlock()

	if !fatal {
		return nil
	}
	log.Error("fatal fault in background thread", "run", runID, "thread", fault.Thread.String(), "error", fault.Err)
	return &InvocationError{
		RunID:      runID,
		ThreadID:   fault.Thread.id,
		ThreadName: fault.Thread.name,
		Err:        fault.Err,
	}
}
