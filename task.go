package gojabridge

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"golang.org/x/sync/semaphore"
)

// workerPool bounds concurrent task execution with a weighted semaphore.
// The pool only ever touches Send-safe data; Handles and Contexts never
// cross into it.
type workerPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newWorkerPool(n int64) *workerPool {
	if n <= 0 {
		n = int64(4 * runtime.GOMAXPROCS(0))
	}
	return &workerPool{sem: semaphore.NewWeighted(n)}
}

func (p *workerPool) spawn(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Acquire with a background context: a queued task always runs its
		// execute phase (or observes cancellation) rather than vanishing.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		fn()
	}()
}

type taskStatus uint8

const (
	taskOK taskStatus = iota
	taskPanicked
	taskCancelled
)

// taskOutput carries the execute phase's result back to the loop goroutine.
type taskOutput[O any] struct {
	value    O
	panicVal any
	status   taskStatus
}

// TaskBuilder schedules one background execution whose result is delivered
// back on the loop goroutine. Obtain one with [Task]; consume it exactly
// once with AndThen or Promise.
type TaskBuilder[O any] struct {
	instance  *Instance
	execute   func() O
	performed atomic.Bool
}

// Task creates a builder for a background execution. execute runs on a pool
// goroutine and must not touch the runtime, Handles, or Contexts; it
// communicates only through its return value.
func Task[O any](cx *Context, execute func() O) *TaskBuilder[O] {
	cx.check()
	if execute == nil {
		panic("gojabridge: Task requires an execute function")
	}
	return &TaskBuilder[O]{instance: cx.instance, execute: execute}
}

// AndThen schedules the task; complete receives the output on the loop
// goroutine. If execute panics, complete is never called and the panic is
// delivered through the failure boundary as a fatal exception.
func (t *TaskBuilder[O]) AndThen(complete func(cx *Context, output O)) {
	if complete == nil {
		panic("gojabridge: AndThen requires a complete function")
	}
	t.perform(nil, func(cx *Context, output O) (goja.Value, error) {
		complete(cx, output)
		return nil, nil
	})
}

// Promise schedules the task and returns a handle to a promise settled by
// the failure boundary: complete's value resolves it, and a complete error,
// exception, or execute panic rejects it.
func (t *TaskBuilder[O]) Promise(cx *Context, complete func(cx *Context, output O) (goja.Value, error)) Handle {
	cx.check()
	if complete == nil {
		panic("gojabridge: Promise requires a complete function")
	}
	d := NewDeferred(cx)
	h := d.Promise(cx)
	t.perform(d, complete)
	return h
}

// perform runs the async work state machine: create the work handle, hold
// the loop alive, execute on the pool, then deliver completion on the loop
// goroutine. The work handle is deleted before anything else in the
// completion path, including the queue-failure path.
func (t *TaskBuilder[O]) perform(d *Deferred, complete func(cx *Context, output O) (goja.Value, error)) {
	if !t.performed.CompareAndSwap(false, true) {
		panic("gojabridge: task performed twice")
	}

	loop := t.instance.loop
	w := loop.createAsyncWork()
	loop.ref()

	t.instance.pool.spawn(func() {
		var out taskOutput[O]
		if w.cancelled.Load() {
			out.status = taskCancelled
		} else {
			func() {
				defer func() {
					if r := recover(); r != nil {
						out.status = taskPanicked
						out.panicVal = r
					}
				}()
				out.value = t.execute()
			}()
		}

		// Submit blocking: this is a pool goroutine, and a full bounded
		// queue must delay the completion, not drop it. complete always
		// runs strictly after a successful execute.
		err := loop.submit(func(cx *Context) {
			loop.deleteAsyncWork(w.id)
			defer loop.unref()
			if cx == nil {
				// Terminal drain: nothing can be delivered. A captured
				// execute panic is re-raised so it is at least surfaced by
				// the drain's panic log rather than swallowed.
				if out.status == taskPanicked {
					panic(out.panicVal)
				}
				return
			}
			if out.status == taskCancelled {
				// Cancelled works skip user completion entirely. A pending
				// deferred is left to the drop queue.
				return
			}
			taskBoundary.catch(cx, d, func(cx *Context) (goja.Value, error) {
				if out.status == taskPanicked {
					panic(out.panicVal)
				}
				return complete(cx, out.value)
			})
		}, true)
		if err != nil {
			// A blocking submit only fails on a terminated loop: delete the
			// work here instead. With a captured panic and no loop to hand
			// it to, resume the panic on this goroutine; there is nowhere
			// safe left to put it.
			loop.deleteAsyncWork(w.id)
			loop.unref()
			if out.status == taskPanicked {
				panic(out.panicVal)
			}
		}
	})
}
