package ipc

import (
	"sync"
)

// Cell is a write-once value that raises SigRead on its Event when set. A
// task's return value is stored in one, so joining a task is waiting on it.
type Cell[T any] struct {
	event Event
	value T
	mu    sync.Mutex
	set   bool
}

// Event returns the cell's Event.
func (x *Cell[T]) Event() *Event { return &x.event }

// Set stores v, returning false if the cell was already set.
func (x *Cell[T]) Set(v T) bool {
	x.mu.Lock()
	if x.set {
		x.mu.Unlock()
		return false
	}
	x.value, x.set = v, true
	x.mu.Unlock()
	x.event.Notify(0, SigRead)
	return true
}

// Get returns the value, and whether it has been set.
func (x *Cell[T]) Get() (v T, ok bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.value, x.set
}
