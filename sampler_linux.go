//go:build linux

package mediasched

import (
	"fmt"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// loadScale is the fixed-point scale of sysinfo load averages.
const loadScale = 1 << 16

// hostLoad reads the load average from sysinfo and memory from
// <procRoot>/meminfo. Used memory is MemTotal minus MemAvailable, so
// reclaimable page cache does not count. Kernels without MemAvailable
// fall back to sysinfo free plus buffer memory.
func hostLoad(procRoot string) (load1 float64, usedMem, totalMem uint64, err error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, 0, 0, fmt.Errorf("sysinfo: %w", err)
	}
	load1 = float64(si.Loads[0]) / loadScale

	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return load1, 0, 0, fmt.Errorf("procfs: %w", err)
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return load1, 0, 0, fmt.Errorf("meminfo: %w", err)
	}
	if mi.MemTotalBytes != nil && mi.MemAvailableBytes != nil {
		total, avail := *mi.MemTotalBytes, *mi.MemAvailableBytes
		return load1, total - min(avail, total), total, nil
	}

	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(si.Totalram) * unit
	free := min((uint64(si.Freeram)+uint64(si.Bufferram))*unit, total)
	return load1, total - free, total, nil
}
