// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package gojabridge

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
)

// Channel sends closures from any goroutine onto the loop goroutine, where
// they run with a live [Context]. Channels are cheap to clone; clones share
// one underlying [ThreadsafeFunction] and one logical reference count over
// the loop's keep-alive.
//
// Reference / Unref are idempotent per clone: only the first Reference and
// the first subsequent Unref on a given clone touch the shared count, and
// only the shared count's 0→1 and 1→0 edges touch the loop.
type Channel struct {
	state  *channelState
	hasRef atomic.Bool
	closed atomic.Bool
}

// channelState is shared by every clone of a channel.
type channelState struct {
	tsfn *ThreadsafeFunction[channelClosure]
	refs atomic.Int64
}

type channelClosure struct {
	fn     func(cx *Context) error
	handle *JoinHandle
}

// NewChannel creates a referenced channel. The channel holds the loop alive
// until every referenced clone is unreferenced or closed.
func NewChannel(cx *Context) *Channel {
	cx.check()
	c := newChannel(cx.instance)
	// The underlying function is created referenced; account for it.
	c.hasRef.Store(true)
	c.state.refs.Store(1)
	runtime.SetFinalizer(c, (*Channel).drop)
	return c
}

// newChannel builds the unreferenced base channel around a fresh threadsafe
// function. Used by NewChannel and by the instance's shared channel.
func newChannel(in *Instance) *Channel {
	st := &channelState{}
	tsfn, err := newThreadsafeFunction(in.loop, 0, func(cx *Context, cc channelClosure) {
		runChannelClosure(in, cx, cc)
	}, nil)
	if err != nil {
		// Only reachable when the loop is already terminated; sends on the
		// resulting channel fail the same way, so surface it there.
		tsfn = nil
	}
	st.tsfn = tsfn
	return &Channel{state: st}
}

// runChannelClosure is the boundary-guarded trampoline for one sent closure.
// The closure's failure is delivered to the JoinHandle; with no context the
// closure is dropped without running and the handle reports that.
func runChannelClosure(in *Instance, cx *Context, cc channelClosure) {
	if cx == nil {
		cc.handle.settle(ErrClosureDropped)
		return
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				switch v := r.(type) {
				case *goja.Exception:
					err = fmt.Errorf("%s: %w", channelBoundary.exception, v)
				case goja.Value:
					err = fmt.Errorf("%s: %s", channelBoundary.exception, v.String())
				default:
					err = fmt.Errorf("%s: %w", channelBoundary.panicked, PanicError{Value: r})
				}
				in.logger.Err().Err(err).Log(`channel closure failed`)
			}
		}()
		err = cc.fn(cx)
	}()
	cc.handle.settle(err)
}

// clone returns an unreferenced clone sharing this channel's state.
func (c *Channel) clone() *Channel {
	nc := &Channel{state: c.state}
	runtime.SetFinalizer(nc, (*Channel).drop)
	return nc
}

// Clone returns a clone carrying the same reference state as the receiver.
// Cloning a referenced channel increments the shared count; no loop edge can
// occur because the receiver already holds one.
func (c *Channel) Clone() *Channel {
	nc := c.clone()
	if c.hasRef.Load() {
		nc.hasRef.Store(true)
		c.state.refs.Add(1)
	}
	return nc
}

// Reference makes this clone hold the loop alive. Idempotent per clone.
func (c *Channel) Reference(cx *Context) {
	cx.check()
	if c.hasRef.CompareAndSwap(false, true) {
		if c.state.refs.Add(1) == 1 && c.state.tsfn != nil {
			c.state.tsfn.Reference(cx)
		}
	}
}

// Unref releases this clone's hold on the loop. Idempotent per clone.
func (c *Channel) Unref(cx *Context) {
	cx.check()
	if c.hasRef.CompareAndSwap(true, false) {
		if c.state.refs.Add(-1) == 0 && c.state.tsfn != nil {
			c.state.tsfn.Unref(cx)
		}
	}
}

// HasRef reports whether this clone currently holds a reference.
func (c *Channel) HasRef() bool {
	return c.hasRef.Load()
}

// Send schedules the closure on the loop goroutine, blocking if the queue is
// full, and panics with a *SendError if it cannot be scheduled at all (loop
// terminated). The closure's own error is observable via the returned
// JoinHandle and is otherwise fire-and-forget.
func (c *Channel) Send(fn func(cx *Context) error) *JoinHandle {
	h, err := c.send(fn, true)
	if err != nil {
		panic(&SendError{Cause: err})
	}
	return h
}

// TrySend is the non-panicking, non-blocking variant of Send.
func (c *Channel) TrySend(fn func(cx *Context) error) (*JoinHandle, error) {
	h, err := c.send(fn, false)
	if err != nil {
		return nil, &SendError{Cause: err}
	}
	return h, nil
}

func (c *Channel) send(fn func(cx *Context) error, blocking bool) (*JoinHandle, error) {
	if fn == nil {
		panic("gojabridge: Channel send requires a closure")
	}
	if c.state.tsfn == nil {
		return nil, ErrLoopTerminated
	}
	h := newJoinHandle()
	if err := c.state.tsfn.Call(channelClosure{fn: fn, handle: h}, blocking); err != nil {
		return nil, err
	}
	return h, nil
}

// Close releases this clone explicitly: if it holds a reference, the shared
// decrement is performed via a loop round trip so the 1→0 edge happens on
// the loop goroutine. Safe to call from any goroutine; idempotent. May
// block for queue space on a loop with a bounded ingress queue. Clones that
// are garbage collected without Close take the same path.
func (c *Channel) Close() {
	runtime.SetFinalizer(c, nil)
	c.drop()
}

func (c *Channel) drop() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if !c.hasRef.CompareAndSwap(true, false) {
		return
	}
	if c.state.tsfn == nil {
		return
	}
	st := c.state
	// The decrement must run where a Context exists, and it must not be
	// lost: a dropped decrement pins the loop's keep-alive forever. Submit
	// blocking; a full bounded queue suspends this goroutine until the loop
	// drains a slot or terminates, so the wait is always bounded by the
	// loop's own lifetime. After shutdown the call fails and is discarded,
	// which is fine: a stopped loop holds no keep-alive state worth
	// balancing.
	_ = st.tsfn.Call(channelClosure{
		fn: func(cx *Context) error {
			if st.refs.Add(-1) == 0 {
				st.tsfn.Unref(cx)
			}
			return nil
		},
		handle: newJoinHandle(),
	}, true)
}

// JoinHandle reports the outcome of one sent closure. Join blocks until the
// closure has run (or was dropped at shutdown) and returns its error.
type JoinHandle struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newJoinHandle() *JoinHandle {
	return &JoinHandle{done: make(chan struct{})}
}

func (h *JoinHandle) settle(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Join waits for the closure's outcome or ctx cancellation.
func (h *JoinHandle) Join(ctx context.Context) error {
	if ctx == nil {
		<-h.done
		return h.err
	}
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the closure's outcome is known.
func (h *JoinHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the closure's error. Only valid after Done is closed.
func (h *JoinHandle) Err() error {
	return h.err
}
