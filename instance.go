package gojabridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/joeycumines/logiface"
)

// instanceSeq provides process-unique instance ids. Distinct loads of the
// same logic get distinct instances, and cross-instance Root traffic is
// detected by id.
var instanceSeq atomic.Uint64

// Instance owns one goja runtime and the loop goroutine driving it. Create
// with [New], start with Run, and interact from other goroutines through
// [Channel], [Root], and [Task].
type Instance struct {
	id           uint64
	rt           *goja.Runtime
	loop         *Loop
	logger       *logiface.Logger[logiface.Event]
	pool         *workerPool
	fatalHandler func(reason goja.Value)

	// Loop goroutine only.
	pins       *pinTable
	rejections map[*goja.Promise]struct{}
	fatals     []goja.Value

	dataOnce sync.Once
	instData *instanceData
}

// instanceData is the lazily initialized per-instance plumbing: the drop
// queue for GC'd roots and deferreds, the shared channel cloned out by
// Context.Channel, and the locals table.
type instanceData struct {
	dropQueue     *ThreadsafeFunction[dropData]
	sharedChannel *Channel
	locals        *localTable
}

// New creates an instance with a fresh (or supplied) runtime and an
// unstarted loop.
func New(opts ...InstanceOption) (*Instance, error) {
	cfg, err := resolveInstanceOptions(opts)
	if err != nil {
		return nil, err
	}

	rt := cfg.runtime
	if rt == nil {
		rt = goja.New()
	}

	in := &Instance{
		id:           instanceSeq.Add(1),
		rt:           rt,
		logger:       cfg.logger,
		fatalHandler: cfg.fatalHandler,
		pins:         newPinTable(),
		rejections:   make(map[*goja.Promise]struct{}),
	}
	in.loop = newLoop(in, rt, cfg.logger, cfg.queueCapacity)
	in.pool = newWorkerPool(cfg.workers)

	// Rejections nobody handled by the end of a dispatch are fatal, the way
	// an unhandled rejection terminates a modern Node process. The failure
	// boundary deliberately routes otherwise-undeliverable exceptions here.
	rt.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		switch op {
		case goja.PromiseRejectionReject:
			in.rejections[p] = struct{}{}
		case goja.PromiseRejectionHandle:
			delete(in.rejections, p)
		}
	})

	return in, nil
}

// ID returns the process-unique instance id.
func (in *Instance) ID() uint64 {
	return in.id
}

// Loop returns the instance's loop.
func (in *Instance) Loop() *Loop {
	return in.loop
}

// Run executes the loop on the calling goroutine. See [Loop.Run].
func (in *Instance) Run(ctx context.Context) error {
	return in.loop.Run(ctx)
}

// Shutdown stops the loop and waits for the terminal drain. See
// [Loop.Shutdown].
func (in *Instance) Shutdown(ctx context.Context) error {
	return in.loop.Shutdown(ctx)
}

// Ref increments the loop keep-alive count directly. Pair with Unref.
func (in *Instance) Ref() {
	in.loop.ref()
}

// Unref decrements the loop keep-alive count.
func (in *Instance) Unref() {
	in.loop.unref()
}

// Sync runs fn on the loop goroutine and waits for it to finish, returning
// fn's error. It blocks for queue space; ctx bounds only the wait for the
// result. Returns ErrClosureDropped (wrapped) if the loop stops first.
func (in *Instance) Sync(ctx context.Context, fn func(cx *Context) error) error {
	if fn == nil {
		panic("gojabridge: Sync requires a closure")
	}
	h := newJoinHandle()
	if err := in.loop.submit(func(cx *Context) {
		runChannelClosure(in, cx, channelClosure{fn: fn, handle: h})
	}, true); err != nil {
		return err
	}
	return h.Join(ctx)
}

// Export registers a global function on the runtime. The function runs on
// the loop goroutine with a live Context; a returned error becomes a thrown
// exception, and a panic is thrown as a synthetic boundary error. Call
// before Run, or from the loop goroutine.
func (in *Instance) Export(name string, fn func(cx *Context, call goja.FunctionCall) (goja.Value, error)) error {
	if fn == nil {
		panic("gojabridge: Export requires a function")
	}
	return in.rt.GlobalObject().Set(name, func(call goja.FunctionCall) goja.Value {
		cx := in.loop.currentCx
		if cx == nil {
			// Direct runtime use outside a dispatch, necessarily on the
			// goroutine that owns the runtime. Mint an ephemeral scope.
			sc := &scope{gen: 0, active: true}
			defer sc.exit()
			cx = &Context{instance: in, rt: in.rt, scope: sc}
		}

		defer func() {
			if r := recover(); r != nil {
				switch r.(type) {
				case *goja.Exception, goja.Value:
					panic(r) // already a throw
				default:
					panic(syntheticError(cx, exportBoundary.panicked, nil, r, true))
				}
			}
		}()

		v, err := fn(cx, call)
		if err != nil {
			if exc, ok := err.(*goja.Exception); ok { //nolint:errorlint
				panic(exc.Value())
			}
			panic(in.rt.NewGoError(err))
		}
		if v == nil {
			return goja.Undefined()
		}
		return v
	})
}

// data returns the lazily initialized instance plumbing. Safe to call from
// any goroutine; construction registers threadsafe functions but performs
// no runtime access.
func (in *Instance) data() *instanceData {
	in.dataOnce.Do(func() {
		d := &instanceData{locals: newLocalTable()}
		if dq, err := newThreadsafeFunction(in.loop, 0, in.runDrop, nil); err == nil {
			// The drop queue must not hold the loop alive: a process with
			// nothing left to do should not be pinned by garbage.
			dq.unrefInternal()
			d.dropQueue = dq
		}
		sc := newChannel(in)
		if sc.state.tsfn != nil {
			sc.state.tsfn.unrefInternal()
		}
		d.sharedChannel = sc
		in.instData = d
	})
	return in.instData
}

// dropKind discriminates dropData payloads.
type dropKind uint8

const (
	dropRoot dropKind = iota
	dropDeferred
)

// dropData is one queued release from a garbage-collected Root or Deferred.
type dropData struct {
	deferred *Deferred
	rootID   uint64
	kind     dropKind
}

// queueDrop hands a release to the drop queue. After loop shutdown the
// release is silently discarded; the runtime is gone and so are its pins.
func (in *Instance) queueDrop(d dropData) {
	dq := in.data().dropQueue
	if dq == nil {
		return
	}
	_ = dq.Call(d, false)
}

// runDrop is the drop queue callback, on the loop goroutine.
func (in *Instance) runDrop(cx *Context, d dropData) {
	if cx == nil {
		return
	}
	switch d.kind {
	case dropRoot:
		dropQueueBoundary.catch(cx, nil, func(cx *Context) (goja.Value, error) {
			in.pins.decr(d.rootID)
			return nil, nil
		})
	case dropDeferred:
		dropQueueBoundary.catch(cx, d.deferred, func(cx *Context) (goja.Value, error) {
			return nil, ErrDeferredDropped
		})
	}
}

// fatalException delivers a reason nobody else can receive. It mirrors what
// the runtime does with an unhandled rejection: the promise is created and
// rejected solely so the rejection tracker picks it up at the end of the
// dispatch.
func (in *Instance) fatalException(reason goja.Value) {
	_, _, reject := in.rt.NewPromise()
	reject(reason)
}

// flushRejections runs after every dispatch, on the loop goroutine.
func (in *Instance) flushRejections() {
	for p := range in.rejections {
		delete(in.rejections, p)
		in.handleFatal(p.Result())
	}
	for _, v := range in.fatals {
		in.handleFatal(v)
	}
	in.fatals = nil
}

func (in *Instance) handleFatal(reason goja.Value) {
	if in.fatalHandler != nil {
		in.fatalHandler(reason)
		return
	}
	var detail string
	if reason != nil {
		detail = reason.String()
	}
	in.logger.Crit().Uint64(`instance`, in.id).Str(`reason`, detail).Log(`unhandled exception`)
	abortProcess(1)
}
