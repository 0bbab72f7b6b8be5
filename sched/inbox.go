package sched

import (
	"sync"
)

type msgKind uint8

const (
	// posted by anyone
	msgSpawn msgKind = iota
	msgWake
	msgMigrate
	msgKick
	// posted by the running task, giving up the CPU
	msgYield
	msgBlock
	msgExit
)

func (k msgKind) String() string {
	switch k {
	case msgSpawn:
		return "spawn"
	case msgWake:
		return "wake"
	case msgMigrate:
		return "migrate"
	case msgKick:
		return "kick"
	case msgYield:
		return "yield"
	case msgBlock:
		return "block"
	case msgExit:
		return "exit"
	default:
		return "unknown"
	}
}

type message struct {
	task   *Task
	reason string
	retval uint64
	kind   msgKind
}

// inbox is an unbounded FIFO of messages for one CPU. Posting never blocks.
type inbox struct {
	mu    sync.Mutex
	msgs  []message
	spare []message
	ready chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (x *inbox) post(m message) {
	x.mu.Lock()
	x.msgs = append(x.msgs, m)
	x.mu.Unlock()
	select {
	case x.ready <- struct{}{}:
	default:
	}
}

// drain returns the pending messages. The slice is only valid until the next
// drain.
func (x *inbox) drain() []message {
	x.mu.Lock()
	defer x.mu.Unlock()
	msgs := x.msgs
	clear(x.spare)
	x.msgs = x.spare[:0]
	x.spare = msgs
	return msgs
}
