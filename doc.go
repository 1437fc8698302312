// Package gojabridge provides the concurrency seam between Go code and a
// single-goroutine goja JavaScript runtime: thread-safe references to
// runtime values ([Root]), cross-goroutine closure delivery ([Channel]),
// pooled background tasks with loop-side completion ([Task]), and a failure
// boundary that turns panics and exceptions at every re-entry point into
// rejected promises, synthetic errors, or (as a last resort) a process
// abort.
//
// # Model
//
// A goja runtime is not goroutine-safe. An [Instance] owns one runtime and
// one [Loop]; the goroutine that calls Run becomes the loop goroutine, the
// only place the runtime is ever touched. Everything else in the package is
// a way of getting work onto, or values off of, that goroutine.
//
// The loop carries a keep-alive count in the manner of libuv handles:
// referenced channels and threadsafe functions hold it, and Run returns once
// the count reaches zero and the queue drains. After shutdown, queued
// closures are delivered exactly once with a nil [Context] so they can
// release resources.
//
// # Example
//
//	in, err := gojabridge.New()
//	if err != nil {
//		// ...
//	}
//	in.Ref() // hold the loop open while the goroutine sets up
//	go func() {
//		defer in.Unref()
//		var ch *gojabridge.Channel
//		_ = in.Sync(context.Background(), func(cx *gojabridge.Context) error {
//			ch = cx.Channel()
//			return nil
//		})
//		defer ch.Close()
//		h := ch.Send(func(cx *gojabridge.Context) error {
//			_, err := cx.Runtime().RunString(`globalThis.ready = true`)
//			return err
//		})
//		_ = h.Join(context.Background())
//	}()
//	_ = in.Run(context.Background())
package gojabridge
