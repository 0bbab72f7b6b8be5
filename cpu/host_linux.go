//go:build linux

package cpu

import (
	"golang.org/x/sys/unix"
)

// HostMask returns the CPUs the current process may run on.
func HostMask() (Mask, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, err
	}
	var m Mask
	for i := 0; i < MaxCPUs; i++ {
		if set.IsSet(i) {
			m = m.With(i)
		}
	}
	return m, nil
}
