package gojabridge

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

const testTimeout = 5 * time.Second

// fatalRecorder captures fatal exceptions instead of aborting the process.
type fatalRecorder struct {
	mu      sync.Mutex
	reasons []string
	ch      chan string
}

func newFatalRecorder() *fatalRecorder {
	return &fatalRecorder{ch: make(chan string, 16)}
}

func (f *fatalRecorder) handle(reason goja.Value) {
	var s string
	if reason != nil {
		s = reason.String()
	}
	f.mu.Lock()
	f.reasons = append(f.reasons, s)
	f.mu.Unlock()
	select {
	case f.ch <- s:
	default:
	}
}

func (f *fatalRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

// wait blocks for the next fatal exception or fails the test.
func (f *fatalRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a fatal exception")
		return ""
	}
}

// testLogger returns a JSON logger writing into buf, for tests that assert
// on log output.
func testLogger(buf *bytes.Buffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(buf), stumpy.WithTimeField(``)),
	).Logger()
}

// newTestInstance creates an instance whose fatal exceptions are recorded
// rather than aborting the test binary.
func newTestInstance(t *testing.T, opts ...InstanceOption) (*Instance, *fatalRecorder) {
	t.Helper()
	rec := newFatalRecorder()
	in, err := New(append([]InstanceOption{WithFatalHandler(rec.handle)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return in, rec
}

// startLoop runs the instance's loop on a background goroutine, holding a
// keep-alive reference so it stays up for the duration of the test. The
// returned stop function shuts the loop down and waits for Run to return.
func startLoop(t *testing.T, in *Instance) (stop func()) {
	t.Helper()
	in.Ref()
	done := make(chan error, 1)
	go func() {
		done <- in.Run(context.Background())
	}()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			if err := in.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Run: %v", err)
				}
			case <-time.After(testTimeout):
				t.Fatal("loop did not exit")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

// sync runs fn on the loop goroutine and fails the test on error.
func syncOn(t *testing.T, in *Instance, fn func(cx *Context) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := in.Sync(ctx, fn); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}
