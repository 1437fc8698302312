package gojabridge

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopTerminated indicates the event loop has fully stopped and can no
	// longer accept or deliver work.
	ErrLoopTerminated = errors.New("gojabridge: loop has been terminated")

	// ErrLoopAlreadyRunning indicates Run was called on a loop that is
	// already running.
	ErrLoopAlreadyRunning = errors.New("gojabridge: loop is already running")

	// ErrQueueFull indicates a non-blocking submission found the bounded
	// ingress queue at capacity.
	ErrQueueFull = errors.New("gojabridge: ingress queue is full")

	// ErrFinalized indicates a threadsafe function has been finalized and
	// will not accept further calls.
	ErrFinalized = errors.New("gojabridge: threadsafe function has been finalized")

	// ErrClosureDropped indicates a queued closure was dropped without
	// running because the loop stopped before delivering it.
	ErrClosureDropped = errors.New("gojabridge: closure was dropped before it could run")

	// ErrDeferredDropped is the rejection reason used when a Deferred is
	// garbage collected without being settled.
	ErrDeferredDropped = errors.New("gojabridge: deferred was dropped without being settled")

	// ErrLocalInit indicates GetOrTryInit's initializer returned an error;
	// the cell has been rolled back to uninitialized.
	ErrLocalInit = errors.New("gojabridge: local initialization failed")
)

// PanicError wraps a recovered panic value so it can travel through error
// returns and be matched with [errors.As].
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("gojabridge: panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// CallError is returned by [ThreadsafeFunction.Call] when the call could not
// be scheduled. The payload was not consumed; the caller still owns it.
type CallError struct {
	Cause error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("gojabridge: threadsafe function call failed: %v", e.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *CallError) Unwrap() error {
	return e.Cause
}

// SendError is the panic value raised by [Channel.Send] when the closure
// could not be scheduled. Use [Channel.TrySend] to handle the failure as a
// value instead.
type SendError struct {
	Cause error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("gojabridge: channel send failed: %v", e.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *SendError) Unwrap() error {
	return e.Cause
}
