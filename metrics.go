package gojabridge

import (
	"sync/atomic"
)

// Metrics is a point-in-time snapshot of loop counters.
//
// Counters are always collected; they are cheap atomic increments on paths
// that already synchronize. Use [Loop.Metrics] to read a consistent-enough
// snapshot (individual fields are exact, cross-field skew is possible under
// concurrent load).
type Metrics struct {
	// Dispatched is the number of closures delivered with a live context.
	Dispatched uint64
	// Dropped is the number of closures delivered with a nil context during
	// the terminal drain.
	Dropped uint64
	// WorksCreated is the number of async work handles created.
	WorksCreated uint64
	// WorksDeleted is the number of async work handles deleted.
	WorksDeleted uint64
	// WorksCancelled is the number of async works cancelled before their
	// execute phase ran.
	WorksCancelled uint64
	// FunctionsFinalized is the number of threadsafe functions finalized.
	FunctionsFinalized uint64
}

// loopMetrics holds the live atomic counters backing Metrics.
type loopMetrics struct {
	dispatched         atomic.Uint64
	dropped            atomic.Uint64
	worksCreated       atomic.Uint64
	worksDeleted       atomic.Uint64
	worksCancelled     atomic.Uint64
	functionsFinalized atomic.Uint64
}

func (m *loopMetrics) snapshot() Metrics {
	return Metrics{
		Dispatched:         m.dispatched.Load(),
		Dropped:            m.dropped.Load(),
		WorksCreated:       m.worksCreated.Load(),
		WorksDeleted:       m.worksDeleted.Load(),
		WorksCancelled:     m.worksCancelled.Load(),
		FunctionsFinalized: m.functionsFinalized.Load(),
	}
}
