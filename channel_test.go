package gojabridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// grabChannel fetches a clone of the instance's shared channel from the loop
// goroutine.
func grabChannel(t *testing.T, in *Instance) *Channel {
	t.Helper()
	var ch *Channel
	syncOn(t, in, func(cx *Context) error {
		ch = cx.Channel()
		return nil
	})
	return ch
}

func TestChannel_sendRunsOnLoopGoroutine(t *testing.T) {
	in, _ := newTestInstance(t)
	startLoop(t, in)
	ch := grabChannel(t, in)

	h := ch.Send(func(cx *Context) error {
		if cx.Instance() != in {
			t.Error("closure delivered to the wrong instance")
		}
		return nil
	})
	if err := h.Join(context.Background()); err != nil {
		t.Errorf("Join: %v", err)
	}
}

func TestChannel_concurrentSendsRunOnceInOrder(t *testing.T) {
	in, _ := newTestInstance(t)
	startLoop(t, in)
	ch := grabChannel(t, in)

	const senders = 8
	const perSender = 50

	type event struct{ sender, seq int }
	var got []event // loop goroutine only

	var wg sync.WaitGroup
	handles := make([]*JoinHandle, 0, senders*perSender)
	var hmu sync.Mutex
	for s := 0; s < senders; s++ {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := ch.Clone()
			defer c.Close()
			for i := 0; i < perSender; i++ {
				i := i
				h := c.Send(func(cx *Context) error {
					got = append(got, event{sender: s, seq: i})
					return nil
				})
				hmu.Lock()
				handles = append(handles, h)
				hmu.Unlock()
			}
		}()
	}
	wg.Wait()
	for _, h := range handles {
		if err := h.Join(context.Background()); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}

	// Inspect the record from the loop goroutine for a consistent view.
	syncOn(t, in, func(cx *Context) error {
		if len(got) != senders*perSender {
			t.Errorf("ran %d closures, want %d", len(got), senders*perSender)
		}
		next := make([]int, senders)
		for _, e := range got {
			if e.seq != next[e.sender] {
				t.Fatalf("sender %d: got seq %d, want %d", e.sender, e.seq, next[e.sender])
			}
			next[e.sender]++
		}
		return nil
	})
}

func TestChannel_closureError(t *testing.T) {
	in, _ := newTestInstance(t)
	startLoop(t, in)
	ch := grabChannel(t, in)

	want := errors.New("nope")
	h := ch.Send(func(cx *Context) error { return want })
	if err := h.Join(context.Background()); !errors.Is(err, want) {
		t.Errorf("Join: %v", err)
	}
}

func TestChannel_closurePanic(t *testing.T) {
	in, _ := newTestInstance(t)
	startLoop(t, in)
	ch := grabChannel(t, in)

	h := ch.Send(func(cx *Context) error { panic("boom") })
	err := h.Join(context.Background())
	if err == nil || !strings.Contains(err.Error(), "a panic occurred") {
		t.Errorf("Join: %v", err)
	}
	var pe PanicError
	if !errors.As(err, &pe) || pe.Value != "boom" {
		t.Errorf("panic payload: %v", err)
	}
}

func TestChannel_closureThrow(t *testing.T) {
	in, _ := newTestInstance(t)
	startLoop(t, in)
	ch := grabChannel(t, in)

	h := ch.Send(func(cx *Context) error {
		panic(cx.Runtime().NewTypeError("bad argument"))
	})
	err := h.Join(context.Background())
	if err == nil || !strings.Contains(err.Error(), "an exception occurred") {
		t.Errorf("Join: %v", err)
	}
	if !strings.Contains(err.Error(), "bad argument") {
		t.Errorf("exception detail lost: %v", err)
	}
}

func TestChannel_referenceIdempotentPerClone(t *testing.T) {
	in, _ := newTestInstance(t)
	startLoop(t, in)
	ch := grabChannel(t, in)

	syncOn(t, in, func(cx *Context) error {
		c := ch.clone() // unreferenced
		base := c.state.refs.Load()

		c.Reference(cx)
		c.Reference(cx)
		c.Reference(cx)
		if got := c.state.refs.Load(); got != base+1 {
			t.Errorf("refs after repeated Reference: %d, want %d", got, base+1)
		}
		if !c.HasRef() {
			t.Error("HasRef after Reference")
		}

		c.Unref(cx)
		c.Unref(cx)
		if got := c.state.refs.Load(); got != base {
			t.Errorf("refs after repeated Unref: %d, want %d", got, base)
		}
		if c.HasRef() {
			t.Error("HasRef after Unref")
		}
		return nil
	})
}

func TestChannel_cloneCarriesReference(t *testing.T) {
	in, _ := newTestInstance(t)
	startLoop(t, in)
	ch := grabChannel(t, in)

	syncOn(t, in, func(cx *Context) error {
		ch.Reference(cx)
		base := ch.state.refs.Load()

		c2 := ch.Clone()
		if !c2.HasRef() {
			t.Error("clone of a referenced channel is unreferenced")
		}
		if got := ch.state.refs.Load(); got != base+1 {
			t.Errorf("refs after Clone: %d, want %d", got, base+1)
		}
		c2.Unref(cx)
		ch.Unref(cx)
		return nil
	})
}

func TestChannel_referencedChannelHoldsLoop(t *testing.T) {
	in, _ := newTestInstance(t)
	in.Ref()
	done := make(chan error, 1)
	go func() {
		done <- in.Run(context.Background())
	}()

	var ch *Channel
	syncOn(t, in, func(cx *Context) error {
		ch = cx.Channel()
		ch.Reference(cx)
		return nil
	})

	in.Unref()
	select {
	case err := <-done:
		t.Fatalf("loop exited while a referenced channel was live: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Closing the referenced clone performs the final unref via a loop round
	// trip, after which the loop runs out of reasons to stay up.
	ch.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("loop did not exit after the channel was closed")
	}
}

func TestChannel_unreferencedChannelDoesNotHoldLoop(t *testing.T) {
	in, _ := newTestInstance(t)
	in.Ref()
	done := make(chan error, 1)
	go func() {
		done <- in.Run(context.Background())
	}()

	var ch *Channel
	syncOn(t, in, func(cx *Context) error {
		ch = cx.Channel()
		ch.Unref(cx)
		return nil
	})

	// A goroutine still holds the clone, but holding is not referencing:
	// once the last keep-alive is released the loop exits anyway.
	holding := make(chan struct{})
	release := make(chan struct{})
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		close(holding)
		<-release
		if _, err := ch.TrySend(func(cx *Context) error { return nil }); err == nil {
			t.Error("TrySend succeeded on a terminated loop")
		}
	}()
	<-holding

	in.Unref()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("loop did not exit; an unreferenced channel pinned it")
	}
	close(release)
	<-sent
}

func TestChannel_closeWithFullQueueReleasesReference(t *testing.T) {
	in, _ := newTestInstance(t, WithQueueCapacity(1))
	in.Ref()
	done := make(chan error, 1)
	go func() {
		done <- in.Run(context.Background())
	}()

	ch := grabChannel(t, in)

	// Stall the loop, then occupy the single queue slot.
	stall := make(chan struct{})
	stalled := make(chan struct{})
	ch.Send(func(cx *Context) error {
		close(stalled)
		<-stall
		return nil
	})
	<-stalled
	h := ch.Send(func(cx *Context) error { return nil })
	for in.Loop().queueLength() == 0 {
		time.Sleep(time.Millisecond)
	}

	// Closing against a full queue must wait for a slot rather than lose the
	// reference decrement, which would pin the loop's keep-alive forever.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ch.Close()
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while the queue was still full")
	case <-time.After(20 * time.Millisecond):
	}

	close(stall)
	select {
	case <-closed:
	case <-time.After(testTimeout):
		t.Fatal("Close did not return after the queue drained")
	}
	if err := h.Join(context.Background()); err != nil {
		t.Errorf("Join: %v", err)
	}

	in.Unref()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("loop did not exit; the channel reference leaked")
	}
}

func TestChannel_trySendFullQueue(t *testing.T) {
	in, _ := newTestInstance(t, WithQueueCapacity(1))
	startLoop(t, in)
	ch := grabChannel(t, in)

	stall := make(chan struct{})
	stalled := make(chan struct{})
	h := ch.Send(func(cx *Context) error {
		close(stalled)
		<-stall
		return nil
	})
	<-stalled

	// Fill the single slot, then a non-blocking send must fail fast.
	h2 := ch.Send(func(cx *Context) error { return nil })
	for in.Loop().queueLength() == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, err := ch.TrySend(func(cx *Context) error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Errorf("TrySend: %v", err)
	}

	close(stall)
	for _, jh := range []*JoinHandle{h, h2} {
		if err := jh.Join(context.Background()); err != nil {
			t.Errorf("Join: %v", err)
		}
	}
}

func TestChannel_sendAfterShutdownPanics(t *testing.T) {
	in, _ := newTestInstance(t)
	stop := startLoop(t, in)
	ch := grabChannel(t, in)
	stop()

	defer func() {
		r := recover()
		se, ok := r.(*SendError)
		if !ok {
			t.Fatalf("recovered %T: %v", r, r)
		}
		if !errors.Is(se, ErrFinalized) {
			t.Errorf("cause: %v", se)
		}
	}()
	ch.Send(func(cx *Context) error { return nil })
}

func TestChannel_pendingClosureDroppedAtShutdown(t *testing.T) {
	in, _ := newTestInstance(t)
	startLoop(t, in)
	ch := grabChannel(t, in)

	// Stall the loop, queue a closure behind the stall, then shut down. The
	// terminal drain must settle the handle with ErrClosureDropped.
	stall := make(chan struct{})
	stalled := make(chan struct{})
	ch.Send(func(cx *Context) error {
		close(stalled)
		<-stall
		return nil
	})
	<-stalled
	h := ch.Send(func(cx *Context) error {
		t.Error("closure ran despite shutdown")
		return nil
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(stall)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := in.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.Join(context.Background()); !errors.Is(err, ErrClosureDropped) {
		t.Errorf("Join: %v", err)
	}
}
