// Package cpu models the processors a scheduler runs on: affinity masks, host
// discovery, and per-CPU preemption state.
package cpu

import (
	"math/bits"
	"strconv"
	"strings"
)

// MaxCPUs is the number of CPUs representable by a Mask.
const MaxCPUs = 64

// Mask is a CPU affinity bitmask, bit i set meaning CPU i is allowed.
type Mask uint64

// All returns a mask containing CPUs [0, n).
func All(n int) Mask {
	if n <= 0 {
		return 0
	}
	if n >= MaxCPUs {
		return ^Mask(0)
	}
	return Mask(1)<<uint(n) - 1
}

// Of returns a mask containing exactly the given CPUs, ignoring out of range
// values.
func Of(cpus ...int) (m Mask) {
	for _, c := range cpus {
		m = m.With(c)
	}
	return m
}

// Has reports whether cpu is in the mask.
func (m Mask) Has(cpu int) bool {
	return cpu >= 0 && cpu < MaxCPUs && m&(1<<uint(cpu)) != 0
}

// With returns m with cpu added.
func (m Mask) With(cpu int) Mask {
	if cpu < 0 || cpu >= MaxCPUs {
		return m
	}
	return m | 1<<uint(cpu)
}

// Without returns m with cpu removed.
func (m Mask) Without(cpu int) Mask {
	if cpu < 0 || cpu >= MaxCPUs {
		return m
	}
	return m &^ (1 << uint(cpu))
}

// Count returns the number of CPUs in the mask.
func (m Mask) Count() int { return bits.OnesCount64(uint64(m)) }

// Empty reports whether no CPU is set.
func (m Mask) Empty() bool { return m == 0 }

// First returns the lowest CPU in the mask, or -1.
func (m Mask) First() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// CPUs lists the CPUs in ascending order.
func (m Mask) CPUs() []int {
	out := make([]int, 0, m.Count())
	for v := uint64(m); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}

// String formats the mask as a list of CPU indices, e.g. "{0,2,3}".
func (m Mask) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, c := range m.CPUs() {
		if i != 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(c))
	}
	b.WriteByte('}')
	return b.String()
}
