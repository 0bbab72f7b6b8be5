//go:build !linux

package cpu

import (
	"runtime"
)

// HostMask returns the CPUs the current process may run on.
func HostMask() (Mask, error) {
	return All(runtime.NumCPU()), nil
}
