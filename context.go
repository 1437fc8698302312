package gojabridge

import (
	"fmt"

	"github.com/dop251/goja"
)

// Context is the capability to touch the goja runtime. It is only ever
// constructed by the loop goroutine, immediately before a closure runs, and
// is invalidated when the closure returns. Do not store a Context and do not
// send it to another goroutine.
type Context struct {
	instance *Instance
	rt       *goja.Runtime
	scope    *scope
}

// scope is the arena backing handles minted during a single dispatch. The
// generation counter detects handles that outlive their dispatch.
type scope struct {
	gen    uint64
	active bool
}

func (s *scope) exit() {
	s.active = false
}

// Instance returns the owning instance.
func (cx *Context) Instance() *Instance {
	return cx.instance
}

// Runtime returns the goja runtime. Only valid while the context is live, on
// the loop goroutine.
func (cx *Context) Runtime() *goja.Runtime {
	cx.check()
	return cx.rt
}

// Wrap mints a scope-bound handle for a runtime value.
func (cx *Context) Wrap(v goja.Value) Handle {
	cx.check()
	return Handle{v: v, scope: cx.scope, gen: cx.scope.gen}
}

// Channel returns a referenced clone of the instance's shared channel.
// The clone holds the loop alive until unreferenced or closed.
func (cx *Context) Channel() *Channel {
	cx.check()
	data := cx.instance.data()
	ch := data.sharedChannel.clone()
	ch.Reference(cx)
	return ch
}

func (cx *Context) check() {
	if cx == nil {
		panic("gojabridge: nil Context: the loop has stopped and this closure was delivered terminally")
	}
	if !cx.scope.active {
		panic("gojabridge: Context used outside its dispatch")
	}
}

// Handle is a scope-bound wrapper around a runtime value. Handles are only
// valid for the duration of the dispatch that minted them; using a handle
// after its scope exits panics. Handles are not safe to send to another
// goroutine; use [RootValue] for that.
type Handle struct {
	v     goja.Value
	scope *scope
	gen   uint64
}

// Value returns the underlying runtime value.
// Panics if the handle has escaped its scope.
func (h Handle) Value() goja.Value {
	if h.scope == nil {
		panic("gojabridge: zero Handle")
	}
	if !h.scope.active || h.scope.gen != h.gen {
		panic(fmt.Sprintf("gojabridge: Handle escaped its scope (generation %d)", h.gen))
	}
	return h.v
}

// Valid reports whether the handle's scope is still live.
func (h Handle) Valid() bool {
	return h.scope != nil && h.scope.active && h.scope.gen == h.gen
}
