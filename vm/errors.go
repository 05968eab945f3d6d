package vm

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrThreadAborted is raised inside a thread once termination has been
	// signaled. It is swallowed at the top of the thread and never recorded as
	// a fault; scripts must not be able to catch it.
	ErrThreadAborted = errors.New("thread aborted")

	// ErrInterrupted is returned by blocking operations that were broken by
	// an interruption request.
	ErrInterrupted = errors.New("thread interrupted")

	// ErrStackOverflow is reported by a CallStack that exceeded its depth
	// limit. It surfaces to scripts as a ScriptError without location.
	ErrStackOverflow = errors.New("stack overflow")

	ErrAlreadyStarted = errors.New("thread already started")
	ErrNoAdapter      = errors.New("thread has no run adapter")
	ErrNoCarrier      = errors.New("thread is not running on a goroutine")
	ErrUnboundHandle  = errors.New("thread handle not bound")
	ErrMainThread     = errors.New("main thread must be run with RunMain")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
	ErrNoMain         = errors.New("no main thread")
	ErrNoPreviousMain = errors.New("no previous main thread")
	ErrThreadLimit    = errors.New("thread limit reached")
	ErrSpawnRate      = errors.New("thread spawn rate exceeded")
)

// ---------------------------------------------------------------------------
// ScriptError: exceptions raised by user code
// ---------------------------------------------------------------------------

// ScriptError is a script-level exception. Value carries the interpreter's
// exception object, if any.
type ScriptError struct {
	Message  string
	Location string // empty when unknown
	Value    any
	Err      error
}

// NewScriptError creates a ScriptError with no location.
func NewScriptError(format string, args ...any) *ScriptError {
	return &ScriptError{Message: fmt.Sprintf(format, args...)}
}

func (e *ScriptError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s (at %s)", e.Message, e.Location)
	}
	return e.Message
}

func (e *ScriptError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// InternalError: engine bugs
// ---------------------------------------------------------------------------

// InternalError reports a broken engine invariant. It is always fatal to the
// run.
type InternalError struct {
	Msg   string
	Err   error
	Stack []byte // goroutine stack when recovered from a panic
}

func internalError(err error, format string, args ...any) *InternalError {
	return &InternalError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *InternalError) Error() string {
	switch {
	case e.Err == nil:
		return "internal error: " + e.Msg
	case e.Msg == "":
		return "internal error: " + e.Err.Error()
	default:
		return fmt.Sprintf("internal error: %s: %v", e.Msg, e.Err)
	}
}

func (e *InternalError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// InvocationError: a fatal background fault surfaced after teardown
// ---------------------------------------------------------------------------

// InvocationError is returned from RunMain when a background thread failed
// with a fatal error during the run.
type InvocationError struct {
	RunID      uuid.UUID
	ThreadID   int
	ThreadName string
	Err        error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("engine invocation failed: thread %s (#%d): %v", e.ThreadName, e.ThreadID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

// IsAborted reports whether err is the abort-by-termination signal.
func IsAborted(err error) bool {
	return errors.Is(err, ErrThreadAborted)
}

// IsFatal reports whether err is an engine bug.
func IsFatal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}

// classify normalizes an error leaving an executable. Stack overflows become
// script errors without location; everything else keeps its identity.
func classify(err error) error {
	if err == nil || IsAborted(err) || IsFatal(err) {
		return err
	}
	var se *ScriptError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, ErrStackOverflow) {
		return &ScriptError{Message: ErrStackOverflow.Error(), Err: err}
	}
	return err
}

// errorFromPanic converts a value recovered from an executable into an error.
// Errors keep their classification; anything else is an engine bug.
func errorFromPanic(r any) error {
	if err, ok := r.(error); ok {
		var se *ScriptError
		if IsAborted(err) || IsFatal(err) || errors.As(err, &se) || errors.Is(err, ErrStackOverflow) {
			return classify(err)
		}
		return &InternalError{Msg: "panic", Err: err, Stack: debug.Stack()}
	}
	return &InternalError{Msg: fmt.Sprintf("panic: %v", r), Stack: debug.Stack()}
}
