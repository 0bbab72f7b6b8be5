package sched

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/joeycumines/go-microkernel/kerr"
)

// Tid identifies a live task. Zero is never allocated.
type Tid uint32

func (t Tid) String() string { return strconv.FormatUint(uint64(t), 10) }

// Tids allocates task ids, reusing freed ones lowest first.
type Tids struct {
	mu   sync.Mutex
	used map[Tid]struct{}
	free []Tid // sorted descending
	next Tid
	max  int
}

// NewTids returns an allocator of at most max live ids, or unbounded if max
// is not positive.
func NewTids(max int) *Tids {
	return &Tids{
		used: make(map[Tid]struct{}),
		next: 1,
		max:  max,
	}
}

// Alloc allocates an id, failing with kerr.ErrCapacityExceeded if max ids
// are live.
func (x *Tids) Alloc() (Tid, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.max > 0 && len(x.used) >= x.max {
		return 0, fmt.Errorf("%w: %d live tasks", kerr.ErrCapacityExceeded, len(x.used))
	}
	var tid Tid
	if n := len(x.free); n != 0 {
		tid = x.free[n-1]
		x.free = x.free[:n-1]
	} else {
		tid = x.next
		x.next++
	}
	x.used[tid] = struct{}{}
	return tid, nil
}

// Free releases tid. Freeing an id that isn't live is a contract violation.
func (x *Tids) Free(tid Tid) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.used[tid]; !ok {
		_ = kerr.Violation("Tids.Free", "tid "+tid.String()+" is not allocated")
		return
	}
	delete(x.used, tid)
	i := len(x.free)
	for i > 0 && x.free[i-1] < tid {
		i--
	}
	x.free = append(x.free, 0)
	copy(x.free[i+1:], x.free[i:])
	x.free[i] = tid
}

// Live returns the number of allocated ids.
func (x *Tids) Live() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.used)
}
