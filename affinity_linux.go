//go:build linux

package mediasched

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinToCPU restricts the calling OS thread to a single CPU.
func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin to cpu %d: %w", cpu, err)
	}
	return nil
}
