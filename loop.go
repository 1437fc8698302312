package gojabridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/joeycumines/logiface"
)

// Loop is the single-goroutine owner of a goja runtime. All runtime access
// happens on the goroutine that called Run, one queued closure at a time.
//
// The loop carries a keep-alive reference count, in the manner of libuv
// handles: Run returns once the count reaches zero and the queue is drained.
// Referenced threadsafe functions and channels hold the count.
//
// Shutdown semantics: once the loop begins terminating, every registered
// threadsafe function is force-finalized (late calls fail), and any closures
// still queued are delivered exactly once with a nil Context.
type Loop struct {
	instance *Instance
	rt       *goja.Runtime
	logger   *logiface.Logger[logiface.Event]

	mu       sync.Mutex
	wake     *sync.Cond // loop waits here for work or a wake edge
	space    *sync.Cond // producers wait here for bounded-queue space
	queue    chunkedIngress
	capacity int // 0 = unbounded

	state     loopStateMachine
	keepAlive atomic.Int64

	// Loop goroutine only.
	scopeGen  uint64
	currentCx *Context

	tsfnMu sync.Mutex
	tsfns  map[forceFinalizer]struct{}

	worksMu sync.Mutex
	works   map[uint64]*asyncWork
	workSeq atomic.Uint64

	metrics loopMetrics

	runDone chan struct{}
}

// forceFinalizer is implemented by threadsafe functions so the loop can
// finalize them without knowing their payload type.
type forceFinalizer interface {
	forceFinalize()
}

func newLoop(instance *Instance, rt *goja.Runtime, logger *logiface.Logger[logiface.Event], capacity int) *Loop {
	l := &Loop{
		instance: instance,
		rt:       rt,
		logger:   logger,
		capacity: capacity,
		tsfns:    make(map[forceFinalizer]struct{}),
		works:    make(map[uint64]*asyncWork),
		runDone:  make(chan struct{}),
	}
	l.wake = sync.NewCond(&l.mu)
	l.space = sync.NewCond(&l.mu)
	return l
}

// Run executes the loop on the calling goroutine until the keep-alive count
// reaches zero and the queue is drained, the context is cancelled, or
// Shutdown is called. Run may be called at most once.
func (l *Loop) Run(ctx context.Context) error {
	switch {
	case l.state.TryTransition(StateAwake, StateRunning):
	case l.state.Load() == StateRunning || l.state.Load() == StateSleeping:
		return ErrLoopAlreadyRunning
	default:
		return ErrLoopTerminated
	}

	l.logger.Debug().Uint64(`instance`, l.instance.id).Log(`loop running`)

	// Watch for context cancellation without blocking the dispatch path.
	watchDone := make(chan struct{})
	defer close(watchDone)
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				l.requestStop()
			case <-watchDone:
			}
		}()
	}

	for {
		l.mu.Lock()
		for l.queue.Length() == 0 && l.keepAlive.Load() > 0 && l.state.Load() == StateRunning {
			if !l.state.TryTransition(StateRunning, StateSleeping) {
				break // Terminating won the race
			}
			l.wake.Wait()
			l.state.TryTransition(StateSleeping, StateRunning)
		}
		if l.state.Load() != StateRunning && l.state.Load() != StateSleeping {
			l.mu.Unlock()
			break
		}
		d, ok := l.queue.Pop()
		if !ok {
			// Empty queue with zero keep-alive: natural exit.
			l.mu.Unlock()
			break
		}
		l.space.Signal()
		l.mu.Unlock()

		l.dispatch(d)
	}

	l.state.TransitionAny([]LoopState{StateRunning, StateSleeping}, StateTerminating)
	l.terminate()

	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// dispatch runs a single closure under a fresh scope, then flushes any
// unhandled promise rejections it produced.
func (l *Loop) dispatch(d dispatch) {
	l.scopeGen++
	sc := &scope{gen: l.scopeGen, active: true}
	cx := &Context{instance: l.instance, rt: l.rt, scope: sc}
	l.currentCx = cx

	func() {
		defer func() {
			l.currentCx = nil
			sc.exit()
			if r := recover(); r != nil {
				// Trampolines are boundary-guarded; a panic reaching here is
				// either a host bug or a raw user closure. The loop survives.
				l.logger.Err().
					Uint64(`instance`, l.instance.id).
					Err(PanicError{Value: r}).
					Log(`closure panicked outside the failure boundary`)
			}
		}()
		d(cx)
	}()

	l.metrics.dispatched.Add(1)
	l.instance.flushRejections()
}

// terminate performs the terminal drain: finalize threadsafe functions so
// late calls fail, cancel pending async works, then deliver every queued
// closure exactly once with a nil Context.
func (l *Loop) terminate() {
	l.logger.Debug().Uint64(`instance`, l.instance.id).Log(`loop terminating`)

	l.worksMu.Lock()
	ids := make([]uint64, 0, len(l.works))
	for id := range l.works {
		ids = append(ids, id)
	}
	l.worksMu.Unlock()
	for _, id := range ids {
		l.cancelAsyncWork(id)
	}

	// Drain under the mutex and store Terminated before releasing it, so a
	// concurrent submit cannot slip a closure in after the drain. Blocked
	// bounded-queue submitters wake here and observe Terminated.
	l.mu.Lock()
	for {
		d, ok := l.queue.Pop()
		if !ok {
			break
		}
		l.metrics.dropped.Add(1)
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Err().
						Uint64(`instance`, l.instance.id).
						Err(PanicError{Value: r}).
						Log(`closure panicked during terminal drain`)
				}
			}()
			d(nil)
		}()
	}
	l.state.Store(StateTerminated)
	l.space.Broadcast()
	l.wake.Broadcast()
	l.mu.Unlock()

	// Force-finalize after the drain: Terminated already rejects new
	// submissions, so nothing can slip in between. Late Call attempts fail
	// against the finalized flag or the terminated loop, whichever they
	// observe first.
	l.tsfnMu.Lock()
	fns := make([]forceFinalizer, 0, len(l.tsfns))
	for f := range l.tsfns {
		fns = append(fns, f)
	}
	l.tsfns = make(map[forceFinalizer]struct{})
	l.tsfnMu.Unlock()
	for _, f := range fns {
		f.forceFinalize()
	}

	close(l.runDone)
	l.logger.Info().Uint64(`instance`, l.instance.id).Log(`loop terminated`)
}

// requestStop moves the loop toward termination and wakes it. Safe to call
// from any goroutine, any number of times.
func (l *Loop) requestStop() {
	l.state.TransitionAny([]LoopState{StateRunning, StateSleeping}, StateTerminating)
	l.mu.Lock()
	l.wake.Broadcast()
	l.mu.Unlock()
}

// Shutdown stops the loop and waits for the terminal drain to complete, or
// for ctx to be cancelled. If Run was never called, the terminal drain runs
// on the calling goroutine.
func (l *Loop) Shutdown(ctx context.Context) error {
	if l.state.TryTransition(StateAwake, StateTerminating) {
		l.terminate()
		return nil
	}
	l.requestStop()
	if ctx == nil {
		<-l.runDone
		return nil
	}
	select {
	case <-l.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the loop has fully terminated.
func (l *Loop) Done() <-chan struct{} {
	return l.runDone
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Metrics returns a snapshot of the loop counters.
func (l *Loop) Metrics() Metrics {
	return l.metrics.snapshot()
}

// queueLength reports the number of dispatches currently queued.
func (l *Loop) queueLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Length()
}

// submit queues a closure for delivery on the loop goroutine.
//
// Policy during shutdown: Terminating still accepts (the terminal drain
// delivers with a nil Context); Terminated rejects. A blocking submit on a
// full bounded queue waits for space.
func (l *Loop) submit(d dispatch, blocking bool) error {
	l.mu.Lock()
	for {
		if l.state.IsTerminal() {
			l.mu.Unlock()
			return ErrLoopTerminated
		}
		if l.capacity == 0 || l.queue.Length() < l.capacity {
			break
		}
		if !blocking {
			l.mu.Unlock()
			return ErrQueueFull
		}
		l.space.Wait()
	}
	l.queue.Push(d)
	l.wake.Signal()
	l.mu.Unlock()
	return nil
}

// ref increments the keep-alive count, holding the loop in Run.
func (l *Loop) ref() {
	l.keepAlive.Add(1)
}

// unref decrements the keep-alive count. At zero the loop is woken so Run
// can observe the natural-exit condition.
func (l *Loop) unref() {
	if l.keepAlive.Add(-1) <= 0 {
		l.mu.Lock()
		l.wake.Broadcast()
		l.mu.Unlock()
	}
}

// registerTSFN records a threadsafe function for force-finalization at
// shutdown. Fails once the loop is terminated.
func (l *Loop) registerTSFN(f forceFinalizer) error {
	l.tsfnMu.Lock()
	defer l.tsfnMu.Unlock()
	if l.state.IsTerminal() {
		return ErrLoopTerminated
	}
	l.tsfns[f] = struct{}{}
	return nil
}

func (l *Loop) unregisterTSFN(f forceFinalizer) {
	l.tsfnMu.Lock()
	delete(l.tsfns, f)
	l.tsfnMu.Unlock()
}

// asyncWork is the loop-side handle for one scheduled background execution.
type asyncWork struct {
	id        uint64
	cancelled atomic.Bool
}

// createAsyncWork registers a new async work handle.
func (l *Loop) createAsyncWork() *asyncWork {
	w := &asyncWork{id: l.workSeq.Add(1)}
	l.worksMu.Lock()
	l.works[w.id] = w
	l.worksMu.Unlock()
	l.metrics.worksCreated.Add(1)
	return w
}

// deleteAsyncWork removes a work handle. Returns false if already deleted.
func (l *Loop) deleteAsyncWork(id uint64) bool {
	l.worksMu.Lock()
	_, ok := l.works[id]
	if ok {
		delete(l.works, id)
	}
	l.worksMu.Unlock()
	if ok {
		l.metrics.worksDeleted.Add(1)
	}
	return ok
}

// cancelAsyncWork marks a work cancelled, preventing its execute phase from
// running if it has not started yet. The complete trampoline still runs so
// the handle is deleted.
func (l *Loop) cancelAsyncWork(id uint64) bool {
	l.worksMu.Lock()
	w, ok := l.works[id]
	l.worksMu.Unlock()
	if !ok {
		return false
	}
	if w.cancelled.CompareAndSwap(false, true) {
		l.metrics.worksCancelled.Add(1)
		return true
	}
	return false
}
