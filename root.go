package gojabridge

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dop251/goja"
)

// Root is a thread-safe reference to a runtime value. Unlike a [Handle], a
// Root may be held across dispatches and sent between goroutines; the value
// it pins stays reachable until every Root in its clone family is consumed.
//
// All operations except garbage collection require a live Context from the
// creating instance; using a Root with a different instance panics without
// touching either instance's bookkeeping.
//
// A Root that is garbage collected without being consumed hands its
// reference to the instance's drop queue, which performs the release on the
// loop goroutine. After loop shutdown the queued release is dropped
// silently; the pinned value dies with the runtime.
type Root struct {
	instance *Instance
	id       uint64
	released atomic.Bool
}

// pinTable tracks pinned values by id with a per-entry reference count.
// Loop goroutine only; mutated exclusively under a live Context.
type pinTable struct {
	seq  uint64
	pins map[uint64]*pinEntry
}

type pinEntry struct {
	value goja.Value
	count int
}

func newPinTable() *pinTable {
	return &pinTable{pins: make(map[uint64]*pinEntry)}
}

func (t *pinTable) pin(v goja.Value) uint64 {
	t.seq++
	t.pins[t.seq] = &pinEntry{value: v, count: 1}
	return t.seq
}

func (t *pinTable) get(id uint64) goja.Value {
	e, ok := t.pins[id]
	if !ok {
		panic(fmt.Sprintf("gojabridge: unknown pin id %d", id))
	}
	return e.value
}

func (t *pinTable) incr(id uint64) {
	e, ok := t.pins[id]
	if !ok {
		panic(fmt.Sprintf("gojabridge: unknown pin id %d", id))
	}
	e.count++
}

// decr drops one reference, unpinning the value at zero.
func (t *pinTable) decr(id uint64) {
	e, ok := t.pins[id]
	if !ok {
		panic(fmt.Sprintf("gojabridge: unknown pin id %d", id))
	}
	e.count--
	if e.count <= 0 {
		delete(t.pins, id)
	}
}

// size returns the number of live pins. Loop goroutine only.
func (t *pinTable) size() int {
	return len(t.pins)
}

// RootValue pins v and returns a Root owning one reference to it.
func RootValue(cx *Context, v goja.Value) *Root {
	cx.check()
	r := &Root{instance: cx.instance, id: cx.instance.pins.pin(v)}
	runtime.SetFinalizer(r, (*Root).finalizeDropped)
	return r
}

// verify panics unless cx belongs to the creating instance and the root has
// not been consumed. The wrong instance's state is never touched.
func (r *Root) verify(cx *Context) {
	cx.check()
	if r.instance != cx.instance {
		panic(fmt.Sprintf(
			"gojabridge: Root created by instance %d used with instance %d",
			r.instance.id, cx.instance.id,
		))
	}
	if r.released.Load() {
		panic("gojabridge: Root used after release")
	}
}

// Clone returns a new Root sharing the same pinned value. The clone family
// holds the value until every member is consumed.
func (r *Root) Clone(cx *Context) *Root {
	r.verify(cx)
	r.instance.pins.incr(r.id)
	nr := &Root{instance: r.instance, id: r.id}
	runtime.SetFinalizer(nr, (*Root).finalizeDropped)
	return nr
}

// ToInner returns a scope-bound handle to the pinned value without
// consuming the root.
func (r *Root) ToInner(cx *Context) Handle {
	r.verify(cx)
	return cx.Wrap(r.instance.pins.get(r.id))
}

// IntoInner consumes the root, returning a handle to the value. The pin is
// released; the handle keeps the value alive only for the current scope.
func (r *Root) IntoInner(cx *Context) Handle {
	r.verify(cx)
	h := cx.Wrap(r.instance.pins.get(r.id))
	r.consume()
	r.instance.pins.decr(r.id)
	return h
}

// Drop consumes the root, releasing its reference immediately.
func (r *Root) Drop(cx *Context) {
	r.verify(cx)
	r.consume()
	r.instance.pins.decr(r.id)
}

func (r *Root) consume() {
	if !r.released.CompareAndSwap(false, true) {
		panic("gojabridge: Root released twice")
	}
	runtime.SetFinalizer(r, nil)
}

// finalizeDropped is the GC path for roots that were never consumed. The
// release is queued to the drop queue rather than performed here: finalizers
// run on an arbitrary goroutine with no Context, and panicking in one would
// take down the process for what is merely a leak.
func (r *Root) finalizeDropped() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	r.instance.queueDrop(dropData{kind: dropRoot, rootID: r.id})
}
