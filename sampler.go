package mediasched

import (
	"context"
	"runtime"
	"sync"
)

// ResourceSample is one reading of host resources.
type ResourceSample struct {
	CPUCount int
	// Load1 is the 1-minute load average.
	Load1 float64
	// MemUsage is the used fraction of memory, 0..1. Reclaimable page
	// cache counts as free.
	MemUsage float64
}

// ResourceSampler reads host resources.
type ResourceSampler interface {
	Sample(ctx context.Context) (ResourceSample, error)
}

// HostSampler reads the host the process runs on.
//
// Containers with cgroup limits make the host figures misleading; set
// CPUCount and MemoryLimitBytes to the real limits in that case.
type HostSampler struct {
	CPUCount         int
	MemoryLimitBytes uint64
	// ProcRoot is the procfs mount point read on Linux, /proc when empty.
	ProcRoot string
}

func (s *HostSampler) Sample(ctx context.Context) (ResourceSample, error) {
	out := ResourceSample{CPUCount: s.CPUCount}
	if out.CPUCount <= 0 {
		out.CPUCount = runtime.NumCPU()
	}
	load, used, total, err := hostLoad(s.ProcRoot)
	if err != nil {
		return out, err
	}
	out.Load1 = load
	if s.MemoryLimitBytes > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		out.MemUsage = float64(ms.Sys) / float64(s.MemoryLimitBytes)
	} else if total > 0 {
		out.MemUsage = float64(used) / float64(total)
	}
	return out, nil
}

// StaticSampler returns a fixed sample. It is safe for concurrent use.
type StaticSampler struct {
	mu     sync.Mutex
	sample ResourceSample
	err    error
}

// NewStaticSampler returns a sampler that always reports s.
func NewStaticSampler(s ResourceSample) *StaticSampler {
	return &StaticSampler{sample: s}
}

// Set replaces the reported sample and error.
func (s *StaticSampler) Set(sample ResourceSample, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sample, s.err = sample, err
}

func (s *StaticSampler) Sample(context.Context) (ResourceSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample, s.err
}
