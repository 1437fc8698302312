package gojabridge

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
// State Machine:
//
//	StateAwake (0) → StateRunning (3)        [Run()]
//	StateRunning (3) → StateSleeping (2)     [empty queue via CAS]
//	StateSleeping (2) → StateRunning (3)     [wake via CAS]
//	StateRunning/Sleeping → StateTerminating [Shutdown() or keep-alive zero]
//	StateTerminating (4) → StateTerminated (1) [terminal drain complete]
//	StateTerminated (1) → (terminal)
//
// State Transition Rules:
//   - Use TryTransition() (CAS) for temporary states (Running, Sleeping)
//   - Use Store() for irreversible states (Terminated)
type LoopState uint32

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = 0
	// StateTerminated indicates the loop has fully stopped.
	StateTerminated LoopState = 1
	// StateSleeping indicates the loop is blocked waiting for work.
	StateSleeping LoopState = 2
	// StateRunning indicates the loop is actively dispatching closures.
	StateRunning LoopState = 3
	// StateTerminating indicates shutdown has begun but the terminal drain
	// has not completed.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateTerminated:
		return "Terminated"
	case StateSleeping:
		return "Sleeping"
	case StateRunning:
		return "Running"
	case StateTerminating:
		return "Terminating"
	default:
		return "Unknown"
	}
}

// loopStateMachine is a lock-free state machine over LoopState values.
type loopStateMachine struct {
	v atomic.Uint32
}

func (s *loopStateMachine) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *loopStateMachine) Store(state LoopState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *loopStateMachine) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// TransitionAny attempts to transition from any of the given source states.
func (s *loopStateMachine) TransitionAny(validFrom []LoopState, to LoopState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint32(from), uint32(to)) {
			return true
		}
	}
	return false
}

// IsTerminal returns true once the loop has fully stopped.
func (s *loopStateMachine) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// CanAcceptWork returns true if submissions may still be delivered with a
// live context. Terminating is included so in-flight producers can drain.
func (s *loopStateMachine) CanAcceptWork() bool {
	return s.Load() != StateTerminated
}
