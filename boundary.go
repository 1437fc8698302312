package gojabridge

import (
	"os"

	"github.com/dop251/goja"
	"github.com/joeycumines/logiface"
)

// abortProcess is the single audited process-abort point, overridable for
// tests. Everything that must bring the process down funnels through here.
var abortProcess = func(code int) {
	os.Exit(code)
}

// failureBoundary guards every re-entry from Go into the runtime. Each entry
// point carries its own message set so diagnostics name the call site.
type failureBoundary struct {
	both      string
	exception string
	panicked  string
}

var (
	channelBoundary = failureBoundary{
		both:      "a panic and exception occurred while executing a Channel.Send callback",
		exception: "an exception occurred while executing a Channel.Send callback",
		panicked:  "a panic occurred while executing a Channel.Send callback",
	}
	taskBoundary = failureBoundary{
		both:      "a panic and exception occurred while completing an async task",
		exception: "an exception occurred while completing an async task",
		panicked:  "a panic occurred while completing an async task",
	}
	dropQueueBoundary = failureBoundary{
		both:      "a panic and exception occurred while releasing a dropped reference",
		exception: "an exception occurred while releasing a dropped reference",
		panicked:  "a panic occurred while releasing a dropped reference",
	}
	exportBoundary = failureBoundary{
		both:      "a panic and exception occurred while executing an exported function",
		exception: "an exception occurred while executing an exported function",
		panicked:  "a panic occurred while executing an exported function",
	}
)

// catch runs f, recovers any panic, and classifies the outcome into the
// (exception?, panic?) matrix. The boundary itself never panics.
//
// With a live context:
//   - no failure: resolve the deferred (if any) with f's value
//   - exception only: reject with the exception value
//   - panic only, or both: reject with a synthetic error
//   - no deferred: failures are delivered as a fatal exception
//
// With a nil context (terminal drain, runtime gone): f still runs so it can
// release resources, but nothing can be delivered; a panic is a fatal error
// and aborts the process, any other outcome is discarded.
func (b failureBoundary) catch(cx *Context, d *Deferred, f func(*Context) (goja.Value, error)) {
	var (
		value  goja.Value
		excVal goja.Value
		pVal   any
		pOK    bool
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				switch v := r.(type) {
				case *goja.Exception:
					// A throw propagating out of a runtime call.
					excVal = v.Value()
				case goja.Value:
					// The panic(rt.NewTypeError(...)) throw idiom.
					excVal = v
				default:
					pVal, pOK = r, true
				}
			}
		}()
		var err error
		value, err = f(cx)
		if err != nil {
			if exc, ok := err.(*goja.Exception); ok { //nolint:errorlint
				excVal = exc.Value()
			} else if cx != nil {
				excVal = cx.rt.NewGoError(err)
			}
			// With a nil context a plain error is deliverable nowhere; f
			// already ran for its release side effects, so the error is
			// discarded. Only a real panic escalates to the fatal path.
		}
	}()

	if cx == nil {
		if pOK {
			fatalError(nil, b.panicked, pVal)
		}
		return
	}

	b.deliver(cx, d, value, excVal, pVal, pOK)
}

// deliver applies the failure matrix. Split from catch so the full matrix,
// including the both arm, is reachable when a settle operation itself fails.
func (b failureBoundary) deliver(cx *Context, d *Deferred, value goja.Value, excVal goja.Value, pVal any, panicked bool) {
	switch {
	case excVal == nil && !panicked:
		if d != nil {
			d.Resolve(cx, value)
		}
		return
	case excVal != nil && !panicked:
		b.fail(cx, d, excVal)
	case excVal == nil && panicked:
		b.fail(cx, d, syntheticError(cx, b.panicked, nil, pVal, true))
	default:
		b.fail(cx, d, syntheticError(cx, b.both, excVal, pVal, true))
	}
}

// fail rejects the deferred if present, otherwise escalates to a fatal
// exception. A panic out of the settle itself is a host bug and aborts.
func (b failureBoundary) fail(cx *Context, d *Deferred, reason goja.Value) {
	defer func() {
		if r := recover(); r != nil {
			fatalError(cx.instance, b.both, r)
		}
	}()
	if d != nil {
		d.Reject(cx, reason)
		return
	}
	cx.instance.fatalException(reason)
}

// syntheticError builds a runtime Error describing a boundary failure:
// message, optional `cause` (the exception), and a `panic` property that is
// itself an Error. A panic payload that is not a string or error is boxed
// under the panic Error's own `cause`.
func syntheticError(cx *Context, msg string, excVal goja.Value, pVal any, panicked bool) goja.Value {
	rt := cx.rt
	errCtor := rt.Get(`Error`)

	obj, err := rt.New(errCtor, rt.ToValue(msg))
	if err != nil {
		fatalError(cx.instance, "failed to construct a boundary error", err)
	}
	if excVal != nil {
		if err := obj.Set(`cause`, excVal); err != nil {
			fatalError(cx.instance, "failed to attach exception cause", err)
		}
	}
	if panicked {
		var pmsg string
		var opaque bool
		switch v := pVal.(type) {
		case string:
			pmsg = v
		case error:
			pmsg = v.Error()
		default:
			pmsg = "panicked with an opaque value"
			opaque = true
		}
		pobj, err := rt.New(errCtor, rt.ToValue(pmsg))
		if err != nil {
			fatalError(cx.instance, "failed to construct a panic error", err)
		}
		if opaque {
			if err := pobj.Set(`cause`, rt.ToValue(pVal)); err != nil {
				fatalError(cx.instance, "failed to box the panic value", err)
			}
		}
		if err := obj.Set(`panic`, pobj); err != nil {
			fatalError(cx.instance, "failed to attach the panic error", err)
		}
	}
	return obj
}

// fatalError logs at critical level and aborts the process. This is the
// terminal path for failures that cannot be delivered anywhere.
func fatalError(in *Instance, msg string, detail any) {
	var logger *logiface.Logger[logiface.Event]
	if in != nil {
		logger = in.logger
	}
	b := logger.Crit().Str(`msg`, msg)
	if err, ok := detail.(error); ok {
		b = b.Err(err)
	} else if detail != nil {
		b = b.Interface(`detail`, detail)
	}
	b.Log(`gojabridge: fatal error`)
	abortProcess(1)
	panic("unreachable: abortProcess returned") // abortProcess must not return
}
