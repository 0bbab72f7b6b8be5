package sched

import (
	"sync/atomic"
)

// SchedulerState is the lifecycle state of a Scheduler.
//
//	StateAwake → StateRunning          [Run]
//	StateAwake → StateTerminating      [Shutdown before Run]
//	StateRunning → StateTerminating    [Shutdown, or Run's context done]
//	StateTerminating → StateTerminated [every task exited, CPUs stopped]
type SchedulerState uint64

const (
	// StateAwake indicates the scheduler has been created but not started.
	StateAwake SchedulerState = iota
	// StateRunning indicates the CPU loops are dispatching tasks.
	StateRunning
	// StateTerminating indicates shutdown has been requested. Tasks have
	// been killed, and the CPUs run until they have all exited.
	StateTerminating
	// StateTerminated indicates the scheduler has stopped.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s SchedulerState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// runState is a CAS state machine. Temporary states are entered with
// TryTransition; only the terminal state is Stored.
type runState struct {
	v atomic.Uint64
}

func (s *runState) Load() SchedulerState { return SchedulerState(s.v.Load()) }

func (s *runState) Store(state SchedulerState) { s.v.Store(uint64(state)) }

func (s *runState) TryTransition(from, to SchedulerState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// CanAcceptWork reports whether new tasks may be spawned.
func (s *runState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateAwake || state == StateRunning
}
