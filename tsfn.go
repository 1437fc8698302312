package gojabridge

import (
	"sync"
	"sync/atomic"
)

// ThreadsafeFunction delivers values of type T from any goroutine to a
// callback running on the loop goroutine. It is the primitive underneath
// [Channel] and the instance drop queue.
//
// The callback is invoked with a live Context for normally delivered values.
// Values still queued when the function is finalized (loop shutdown) are
// delivered exactly once with a nil Context; the callback must treat that as
// "the runtime is gone" and only release resources.
//
// A ThreadsafeFunction starts referenced: it holds the loop's keep-alive
// count until Unref or finalization.
type ThreadsafeFunction[T any] struct {
	loop       *Loop
	cb         func(cx *Context, data T)
	onFinalize func()
	capacity   int // 0 = unbounded

	// mu is the finalization mutex. It is held across queue submission so a
	// call and a finalize cannot interleave: a call either completes before
	// the finalize, or observes the finalized flag and fails.
	mu        sync.Mutex
	finalized bool

	qmu     sync.Mutex
	qcond   *sync.Cond
	pending int

	referenced atomic.Bool
	released   atomic.Bool
}

// NewThreadsafeFunction creates a threadsafe function bound to the context's
// loop. capacity bounds the number of in-flight values; zero is unbounded.
// cb must be non-nil. The optional onFinalize hook runs exactly once, when
// the function is released or the loop shuts down.
func NewThreadsafeFunction[T any](cx *Context, capacity int, cb func(cx *Context, data T), onFinalize func()) (*ThreadsafeFunction[T], error) {
	cx.check()
	if cb == nil {
		panic("gojabridge: NewThreadsafeFunction requires a callback")
	}
	return newThreadsafeFunction(cx.instance.loop, capacity, cb, onFinalize)
}

// newThreadsafeFunction is the context-free constructor used internally to
// build instance plumbing (drop queue, shared channel) before the loop runs.
func newThreadsafeFunction[T any](loop *Loop, capacity int, cb func(cx *Context, data T), onFinalize func()) (*ThreadsafeFunction[T], error) {
	f := &ThreadsafeFunction[T]{
		loop:       loop,
		cb:         cb,
		onFinalize: onFinalize,
		capacity:   capacity,
	}
	f.qcond = sync.NewCond(&f.qmu)
	if err := loop.registerTSFN(f); err != nil {
		return nil, err
	}
	f.referenced.Store(true)
	loop.ref()
	return f, nil
}

// Call schedules data for delivery to the callback. In blocking mode a full
// queue suspends the caller until space frees up; otherwise a full queue
// fails immediately. The returned error is always a *CallError; the payload
// was not consumed on failure.
func (f *ThreadsafeFunction[T]) Call(data T, blocking bool) error {
	// Acquire a queue slot first; slots are released by the dispatched entry
	// and never touch the finalization mutex, so a blocked caller cannot
	// wedge the loop.
	if f.capacity > 0 {
		f.qmu.Lock()
		for f.pending >= f.capacity {
			if f.isFinalized() {
				f.qmu.Unlock()
				return &CallError{Cause: ErrFinalized}
			}
			if !blocking {
				f.qmu.Unlock()
				return &CallError{Cause: ErrQueueFull}
			}
			f.qcond.Wait()
		}
		f.pending++
		f.qmu.Unlock()
	}

	f.mu.Lock()
	if f.finalized {
		f.mu.Unlock()
		f.releaseSlot()
		return &CallError{Cause: ErrFinalized}
	}
	err := f.loop.submit(func(cx *Context) {
		f.releaseSlot()
		f.cb(cx, data)
	}, blocking)
	f.mu.Unlock()

	if err != nil {
		f.releaseSlot()
		return &CallError{Cause: err}
	}
	return nil
}

func (f *ThreadsafeFunction[T]) releaseSlot() {
	if f.capacity == 0 {
		return
	}
	f.qmu.Lock()
	f.pending--
	f.qcond.Signal()
	f.qmu.Unlock()
}

func (f *ThreadsafeFunction[T]) isFinalized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized
}

// Reference makes the function hold the loop alive. Only the false→true
// edge touches the loop's keep-alive count.
func (f *ThreadsafeFunction[T]) Reference(cx *Context) {
	cx.check()
	if f.referenced.CompareAndSwap(false, true) {
		f.loop.ref()
	}
}

// Unref releases the function's hold on the loop. Only the true→false edge
// touches the loop's keep-alive count. An unreferenced function still
// delivers calls while the loop runs for other reasons.
func (f *ThreadsafeFunction[T]) Unref(cx *Context) {
	cx.check()
	if f.referenced.CompareAndSwap(true, false) {
		f.loop.unref()
	}
}

// unrefInternal releases the initial reference without a Context. Reserved
// for instance plumbing built before the loop runs.
func (f *ThreadsafeFunction[T]) unrefInternal() {
	if f.referenced.CompareAndSwap(true, false) {
		f.loop.unref()
	}
}

// Release finalizes the function from any goroutine: subsequent Calls fail,
// the finalize hook runs, and the loop keep-alive reference is dropped.
// Values already queued are still delivered normally. Idempotent; a no-op
// when the loop already force-finalized the function.
func (f *ThreadsafeFunction[T]) Release() {
	if !f.released.CompareAndSwap(false, true) {
		return
	}
	if !f.finalize() {
		return
	}
	f.loop.unregisterTSFN(f)
	if f.referenced.CompareAndSwap(true, false) {
		f.loop.unref()
	}
}

// forceFinalize is the loop-shutdown path.
func (f *ThreadsafeFunction[T]) forceFinalize() {
	f.released.Store(true)
	if !f.finalize() {
		return
	}
	f.referenced.Store(false)
}

// finalize flips the finalized flag and runs the hook. Returns false if
// something else finalized first.
func (f *ThreadsafeFunction[T]) finalize() bool {
	f.mu.Lock()
	if f.finalized {
		f.mu.Unlock()
		return false
	}
	f.finalized = true
	f.mu.Unlock()

	f.qmu.Lock()
	f.qcond.Broadcast()
	f.qmu.Unlock()

	f.loop.metrics.functionsFinalized.Add(1)
	if f.onFinalize != nil {
		f.onFinalize()
	}
	return true
}
