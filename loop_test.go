package gojabridge

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoop_runReturnsAtZeroKeepAlive(t *testing.T) {
	in, _ := newTestInstance(t)
	in.Ref()

	done := make(chan error, 1)
	go func() {
		done <- in.Run(context.Background())
	}()

	ran := make(chan struct{})
	syncOn(t, in, func(cx *Context) error {
		close(ran)
		return nil
	})
	<-ran

	in.Unref()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("loop did not exit after the last reference was released")
	}
	if got := in.Loop().State(); got != StateTerminated {
		t.Errorf("state: %v", got)
	}
}

func TestLoop_runTwice(t *testing.T) {
	in, _ := newTestInstance(t)
	stop := startLoop(t, in)

	// Wait until the first Run has actually claimed the loop.
	syncOn(t, in, func(cx *Context) error { return nil })

	if err := in.Run(context.Background()); !errors.Is(err, ErrLoopAlreadyRunning) {
		t.Errorf("second Run: %v", err)
	}

	stop()

	if err := in.Run(context.Background()); !errors.Is(err, ErrLoopTerminated) {
		t.Errorf("Run after shutdown: %v", err)
	}
}

func TestLoop_contextCancellation(t *testing.T) {
	in, _ := newTestInstance(t)
	in.Ref()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- in.Run(ctx)
	}()
	syncOn(t, in, func(cx *Context) error { return nil })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("loop did not exit on context cancellation")
	}
}

func TestLoop_shutdownBeforeRun(t *testing.T) {
	in, _ := newTestInstance(t)

	// Queued before the loop ever starts; the terminal drain must still
	// deliver it (with a nil context) rather than leaving Join hung.
	result := make(chan error, 1)
	go func() {
		result <- in.Sync(context.Background(), func(cx *Context) error {
			t.Error("closure ran with a live context on a loop that never started")
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := in.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrClosureDropped) {
			t.Errorf("Sync: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Sync did not observe the terminal drain")
	}
}

func TestLoop_submitAfterShutdown(t *testing.T) {
	in, _ := newTestInstance(t)
	stop := startLoop(t, in)
	stop()

	err := in.Sync(context.Background(), func(cx *Context) error { return nil })
	if !errors.Is(err, ErrLoopTerminated) {
		t.Errorf("Sync after shutdown: %v", err)
	}
}

func TestLoop_metricsDispatched(t *testing.T) {
	in, _ := newTestInstance(t)
	startLoop(t, in)

	const n = 10
	for i := 0; i < n; i++ {
		syncOn(t, in, func(cx *Context) error { return nil })
	}

	if m := in.Loop().Metrics(); m.Dispatched < n {
		t.Errorf("dispatched %d, want at least %d", m.Dispatched, n)
	}
}

func TestLoop_boundedQueueBlocks(t *testing.T) {
	in, _ := newTestInstance(t, WithQueueCapacity(1))
	startLoop(t, in)

	// Stall the loop so the queue fills.
	stall := make(chan struct{})
	stalled := make(chan struct{})
	go func() {
		_ = in.Sync(context.Background(), func(cx *Context) error {
			close(stalled)
			<-stall
			return nil
		})
	}()
	<-stalled

	// Occupy the single queue slot.
	occupied := make(chan struct{})
	go func() {
		_ = in.Sync(context.Background(), func(cx *Context) error {
			close(occupied)
			return nil
		})
	}()
	for in.Loop().queueLength() == 0 {
		time.Sleep(time.Millisecond)
	}

	// A blocking submit must wait rather than fail.
	blocked := make(chan error, 1)
	go func() {
		blocked <- in.Sync(context.Background(), func(cx *Context) error { return nil })
	}()

	select {
	case err := <-blocked:
		t.Fatalf("blocking submit completed against a full queue: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(stall)
	<-occupied
	select {
	case err := <-blocked:
		if err != nil {
			t.Errorf("Sync: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("blocked submit never completed")
	}
}
