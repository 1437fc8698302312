package gojabridge

import (
	"runtime"
	"sync/atomic"

	"github.com/dop251/goja"
)

// Deferred is the settle side of a runtime promise. It may be held across
// dispatches and sent between goroutines, but settling requires a live
// Context. Each Deferred settles exactly once; a second settle panics.
//
// A Deferred that is garbage collected without settling is rejected through
// the instance's drop queue with ErrDeferredDropped, so awaiting script code
// is not left hanging forever.
type Deferred struct {
	instance *Instance
	promise  *goja.Promise
	resolve  func(result any) error
	reject   func(reason any) error
	settled  atomic.Bool
}

// NewDeferred creates a promise on the runtime and returns its settle side.
func NewDeferred(cx *Context) *Deferred {
	cx.check()
	p, resolve, reject := cx.rt.NewPromise()
	d := &Deferred{instance: cx.instance, promise: p, resolve: resolve, reject: reject}
	runtime.SetFinalizer(d, (*Deferred).finalizeDropped)
	return d
}

// Promise returns a scope-bound handle to the promise, for returning into
// script code.
func (d *Deferred) Promise(cx *Context) Handle {
	cx.check()
	return cx.Wrap(d.instance.rt.ToValue(d.promise))
}

// Resolve settles the promise with v (undefined when nil).
func (d *Deferred) Resolve(cx *Context, v goja.Value) {
	cx.check()
	d.consume()
	// The settle functions only error on a second settle, which consume
	// already rules out.
	if v == nil {
		_ = d.resolve(goja.Undefined())
		return
	}
	_ = d.resolve(v)
}

// Reject settles the promise with the given reason.
func (d *Deferred) Reject(cx *Context, reason goja.Value) {
	cx.check()
	d.consume()
	if reason == nil {
		_ = d.reject(goja.Undefined())
		return
	}
	_ = d.reject(reason)
}

func (d *Deferred) consume() {
	if !d.settled.CompareAndSwap(false, true) {
		panic("gojabridge: Deferred settled twice")
	}
	runtime.SetFinalizer(d, nil)
}

// finalizeDropped queues a rejection for a leaked deferred. See Root for why
// this never panics.
func (d *Deferred) finalizeDropped() {
	if d.settled.Load() {
		return
	}
	d.instance.queueDrop(dropData{kind: dropDeferred, deferred: d})
}
