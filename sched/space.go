package sched

import (
	"sync/atomic"

	"github.com/joeycumines/go-microkernel/handle"
)

// Space is an address space, shared by the tasks of one process. It owns the
// process's handle table.
type Space struct {
	name    string
	handles *handle.Table
	tasks   atomic.Int64
}

// NewSpace returns an empty Space.
func NewSpace(name string) *Space {
	return &Space{name: name, handles: handle.NewTable()}
}

func (x *Space) Name() string { return x.name }

// Handles returns the space's handle table.
func (x *Space) Handles() *handle.Table { return x.handles }

// Tasks returns the number of live tasks in the space.
func (x *Space) Tasks() int64 { return x.tasks.Load() }

// Close drops every handle in the space.
func (x *Space) Close() { x.handles.Close() }
