//go:build !linux

package mediasched

import "runtime"

// hostLoad falls back to the Go runtime view: no load average, and
// memory relative to what the runtime obtained from the OS.
func hostLoad(string) (load1 float64, usedMem, totalMem uint64, err error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return 0, ms.HeapInuse + ms.StackInuse, ms.Sys, nil
}
