package vm

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startMain runs fn as the main thread of s on a new goroutine and returns the
// thread and a channel delivering RunMain's outcome.
func startMain(t *testing.T, s *Scheduler, fn ExecutableFunc) (*LogicalThread, <-chan outcome) {
	t.Helper()
	main, err := s.CreateMain(fn)
	require.NoError(t, err)
	ch := make(chan outcome, 1)
	go func() {
		v, err := s.RunMain()
		ch <- outcome{v, err}
	}()
	return main, ch
}

type outcome struct {
	value any
	err   error
}

func awaitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RunMain")
		return outcome{}
	}
}

func awaitPending(t *testing.T, th *LogicalThread) {
	t.Helper()
	require.Eventually(t, func() bool {
		a := th.Adapter()
		return a != nil && a.State() == StatePending
	}, 2*time.Second, time.Millisecond)
}

func TestRunExecutesOnce(t *testing.T) {
	s := NewScheduler(Options{})
	var calls atomic.Int32
	main, err := s.CreateMain(ExecutableFunc(func(rt *Runtime, args []any) (any, error) {
		calls.Add(1)
		return "ok", nil
	}))
	require.NoError(t, err)

	v, err := s.RunMain()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = main.Run(nil)
	var ie *InternalError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, main.Started())
}

func TestRunWithoutAdapter(t *testing.T) {
	s := NewScheduler(Options{})
	th, err := s.CreateBackground(ExecutableFunc(func(*Runtime, []any) (any, error) {
		t.Error("body must not run")
		return nil, nil
	}), BackgroundOptions{})
	require.NoError(t, err)

	_, err = th.Run(nil)
	assert.ErrorIs(t, err, ErrNoAdapter)
	assert.False(t, th.Started())
	assert.False(t, th.Faulted())
}

func TestRunMarksFaulted(t *testing.T) {
	s := NewScheduler(Options{})
	main, err := s.CreateMain(ExecutableFunc(func(*Runtime, []any) (any, error) {
		return nil, NewScriptError("boom")
	}))
	require.NoError(t, err)

	_, err = s.RunMain()
	require.Error(t, err)
	assert.True(t, main.Faulted())
}

func TestPanicClassification(t *testing.T) {
	tests := []struct {
		name   string
		panic  any
		script bool
	}{
		{"string", "kaboom", false},
		{"plain error", errors.New("nil map"), false},
		{"script error", NewScriptError("thrown"), true},
		{"stack overflow", ErrStackOverflow, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(Options{})
			_, err := s.CreateMain(ExecutableFunc(func(*Runtime, []any) (any, error) {
				panic(tt.panic)
			}))
			require.NoError(t, err)

			_, err = s.RunMain()
			var se *ScriptError
			var ie *InternalError
			if tt.script {
				require.ErrorAs(t, err, &se)
			} else {
				require.ErrorAs(t, err, &ie)
				assert.NotEmpty(t, ie.Stack)
			}
		})
	}
}

func TestStackOverflowBecomesScriptError(t *testing.T) {
	s := NewScheduler(Options{MaxStackDepth: 50})
	_, err := s.CreateMain(ExecutableFunc(func(rt *Runtime, _ []any) (any, error) {
		var recurse func() error
		recurse = func() error {
			if err := rt.Stack().Enter(); err != nil {
				return err
			}
			defer rt.Stack().Leave()
			return recurse()
		}
		return nil, recurse()
	}))
	require.NoError(t, err)

	_, err = s.RunMain()
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, ErrStackOverflow)
	assert.Empty(t, se.Location)
}

func TestAbortedMainReturnsNothing(t *testing.T) {
	s := NewScheduler(Options{})
	_, err := s.CreateMain(ExecutableFunc(func(*Runtime, []any) (any, error) {
		return "ignored", ErrThreadAborted
	}))
	require.NoError(t, err)

	v, err := s.RunMain()
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestInterruptionFlag(t *testing.T) {
	s := NewScheduler(Options{})
	th, err := s.CreateBackground(ExecutableFunc(func(*Runtime, []any) (any, error) { return nil, nil }), BackgroundOptions{})
	require.NoError(t, err)

	assert.False(t, th.CheckInterruption(false))
	th.SignalInterruption()
	assert.True(t, th.CheckInterruption(false))
	assert.True(t, th.CheckInterruption(false), "peeking must not clear")
	assert.True(t, th.CheckInterruption(true))
	assert.False(t, th.CheckInterruption(false))
	assert.False(t, th.CheckInterruption(true))
}

func TestTerminationLatch(t *testing.T) {
	s := NewScheduler(Options{})
	th, err := s.CreateBackground(ExecutableFunc(func(*Runtime, []any) (any, error) { return nil, nil }), BackgroundOptions{})
	require.NoError(t, err)

	assert.False(t, th.CheckTermination())
	th.SignalTermination()
	assert.True(t, th.CheckTermination())
	th.CheckInterruption(true)
	assert.True(t, th.CheckTermination())
}

func TestBackgroundProperties(t *testing.T) {
	s := NewScheduler(Options{})
	th, err := s.CreateBackground(ExecutableFunc(func(*Runtime, []any) (any, error) { return nil, nil }), BackgroundOptions{
		Priority: 42,
		IO:       true,
	})
	require.NoError(t, err)

	assert.True(t, th.IsDaemon())
	assert.False(t, th.IsMain())
	assert.True(t, th.IsIOThread())
	assert.Equal(t, PriorityMax, th.Priority())
	assert.Equal(t, DefaultEntryPoint, th.Entry())
	assert.Equal(t, "Thread-0", th.Name())
}

func TestHandles(t *testing.T) {
	s := NewScheduler(Options{})
	main, err := s.CreateMain(ExecutableFunc(func(*Runtime, []any) (any, error) { return nil, nil }))
	require.NoError(t, err)
	bg, err := s.CreateBackground(ExecutableFunc(func(*Runtime, []any) (any, error) { return nil, nil }), BackgroundOptions{})
	require.NoError(t, err)

	h1, err := main.Handle()
	require.NoError(t, err)
	h2, err := main.Handle()
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Same(t, main, h1.Thread())

	_, err = bg.Handle()
	var ie *InternalError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, ErrUnboundHandle)

	bound := bg.BindHandle("thread object")
	h, err := bg.Handle()
	require.NoError(t, err)
	assert.Same(t, bound, h)
	assert.Equal(t, "thread object", h.Value)
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "normal", PriorityNormal.String())
	assert.Equal(t, "priority(3)", Priority(3).String())
	assert.Equal(t, PriorityMin, Priority(-4).clamp())
	assert.Equal(t, PriorityNormal, Priority(0).clamp())
}
