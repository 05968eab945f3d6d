package vm

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeWaitReturnsOnNotify(t *testing.T) {
	s := NewScheduler(Options{})
	var m Monitor
	var waitErr error
	main, done := startMain(t, s, func(rt *Runtime, _ []any) (any, error) {
		m.Lock()
		defer m.Unlock()
		waitErr = rt.Thread().SafeWait(&m, NeverInterrupt)
		return "woken", nil
	})

	awaitPending(t, main)
	m.Lock()
	assert.Equal(t, 1, m.Waiting())
	m.Notify()
	m.Unlock()

	o := awaitOutcome(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, "woken", o.value)
	assert.NoError(t, waitErr)
}

func TestSafeWaitReturnsOnMatchingInterrupt(t *testing.T) {
	s := NewScheduler(Options{})
	var m Monitor
	var waitErr error
	var interrupted bool
	main, done := startMain(t, s, func(rt *Runtime, _ []any) (any, error) {
		m.Lock()
		defer m.Unlock()
		waitErr = rt.Thread().SafeWait(&m, AlwaysInterrupt)
		interrupted = rt.Thread().CheckInterruption(true)
		return nil, nil
	})

	awaitPending(t, main)
	main.SignalInterruption()

	o := awaitOutcome(t, done)
	require.NoError(t, o.err)
	assert.NoError(t, waitErr)
	assert.True(t, interrupted)
	assert.False(t, main.CheckInterruption(false))
}

func TestSafeWaitAbortsOnTermination(t *testing.T) {
	s := NewScheduler(Options{})
	var m Monitor
	var waitErr error
	main, done := startMain(t, s, func(rt *Runtime, _ []any) (any, error) {
		m.Lock()
		defer m.Unlock()
		waitErr = rt.Thread().SafeWait(&m, NeverInterrupt)
		return "unreachable", waitErr
	})

	awaitPending(t, main)
	main.SignalTermination()
	main.SignalInterruption()

	o := awaitOutcome(t, done)
	assert.NoError(t, o.err, "aborts are swallowed")
	assert.Nil(t, o.value)
	assert.ErrorIs(t, waitErr, ErrThreadAborted)
	assert.True(t, main.Adapter().Aborted())
	assert.False(t, main.Faulted())
}

func TestSafeWaitIgnoresUnrelatedInterrupt(t *testing.T) {
	s := NewScheduler(Options{})
	var m Monitor
	var checks atomic.Int32
	cond := InterruptConditionFunc(func() bool {
		checks.Add(1)
		return false
	})
	var waitErr error
	main, done := startMain(t, s, func(rt *Runtime, _ []any) (any, error) {
		m.Lock()
		defer m.Unlock()
		waitErr = rt.Thread().SafeWait(&m, cond)
		return nil, nil
	})

	awaitPending(t, main)
	main.SignalInterruption()
	require.Eventually(t, func() bool { return checks.Load() == 1 }, 2*time.Second, time.Millisecond)
	awaitPending(t, main)

	// the wait re-blocks instead of polling the condition
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), checks.Load())
	assert.Equal(t, StatePending, main.Adapter().State())

	m.Lock()
	m.NotifyAll()
	m.Unlock()

	o := awaitOutcome(t, done)
	require.NoError(t, o.err)
	assert.NoError(t, waitErr)
	assert.True(t, main.CheckInterruption(false), "rejected interruption stays pending")
}

func TestSafeWaitInterruptedBeforeWaiting(t *testing.T) {
	s := NewScheduler(Options{})
	var m Monitor
	_, err := s.CreateMain(ExecutableFunc(func(rt *Runtime, _ []any) (any, error) {
		rt.Thread().SignalInterruption()
		m.Lock()
		defer m.Unlock()
		if err := rt.Thread().SafeWait(&m, AlwaysInterrupt); err != nil {
			return nil, err
		}
		return m.Waiting(), nil
	}))
	require.NoError(t, err)

	v, err := s.RunMain()
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestSafeWaitWithoutCarrier(t *testing.T) {
	s := NewScheduler(Options{})
	th, err := s.CreateBackground(ExecutableFunc(func(*Runtime, []any) (any, error) { return nil, nil }), BackgroundOptions{})
	require.NoError(t, err)

	var m Monitor
	m.Lock()
	defer m.Unlock()
	err = th.SafeWait(&m, AlwaysInterrupt)
	var ie *InternalError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, ErrNoCarrier)
}

func TestMonitorNotifyIsFIFO(t *testing.T) {
	var m Monitor
	m.Lock()
	defer m.Unlock()
	first, second := m.enqueue(), m.enqueue()

	m.Notify()
	assert.True(t, isClosed(first))
	assert.False(t, isClosed(second))
	assert.False(t, m.dequeue(first))

	assert.True(t, m.dequeue(second))
	assert.Equal(t, 0, m.Waiting())
	m.Notify()
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
